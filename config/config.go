/*
Copyright (c) The ntpd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// SourceDirective is one configured remote association, the daemon-level
// analogue of an ntp.conf "server"/"peer" line.
type SourceDirective struct {
	Address    string `yaml:"address"`
	Peer       bool   `yaml:"peer"`
	Preferred  bool   `yaml:"preferred"`
	NoSelect   bool   `yaml:"noselect"`
	MinPoll    int8   `yaml:"minpoll"`
	MaxPoll    int8   `yaml:"maxpoll"`
	KeyID      uint32 `yaml:"keyid"`
}

// AccessRule is one configured allow/deny entry.
type AccessRule struct {
	CIDR   string `yaml:"cidr"`
	Action string `yaml:"action"` // "allow" or "deny"
}

// Config is the daemon's own top-level configuration.
type Config struct {
	ListenAddresses []string          `yaml:"listen_addresses"`
	Sources         []SourceDirective `yaml:"sources"`
	Access          []AccessRule      `yaml:"access"`
	DriftFile       string            `yaml:"drift_file"`
	KeyFile         string            `yaml:"key_file"`
	SourceOverrides string            `yaml:"source_overrides"`
	MetricsAddress  string            `yaml:"metrics_address"`
	ControlSocket   string            `yaml:"control_socket"`
	MinPoll         int8              `yaml:"min_poll"`
	MaxPoll         int8              `yaml:"max_poll"`
}

// EvalAndValidate checks the config is internally consistent, matching
// the daemon config's fail-fast validation style.
func (c *Config) EvalAndValidate() error {
	if len(c.ListenAddresses) == 0 {
		return fmt.Errorf("bad config: 'listen_addresses' must not be empty")
	}
	if c.MinPoll <= 0 || c.MaxPoll <= 0 || c.MinPoll > c.MaxPoll {
		return fmt.Errorf("bad config: 'min_poll'/'max_poll' must be positive and min <= max")
	}
	if c.DriftFile == "" {
		return fmt.Errorf("bad config: 'drift_file' must be set")
	}
	for _, r := range c.Access {
		if r.Action != "allow" && r.Action != "deny" {
			return fmt.Errorf("bad config: access rule %q has invalid action %q", r.CIDR, r.Action)
		}
	}
	return nil
}

// ReadConfig reads and strictly unmarshals the daemon config at path,
// rejecting unknown fields the way a typo in a directive name should be
// rejected rather than silently ignored.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	c := Config{MinPoll: 6, MaxPoll: 10}
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &c, nil
}

// pollRange is a small helper so callers don't need to import time just
// to clamp a poll exponent to the configured range.
func (c *Config) pollRange(exp int8) int8 {
	if exp < c.MinPoll {
		return c.MinPoll
	}
	if exp > c.MaxPoll {
		return c.MaxPoll
	}
	return exp
}

// defaultReloadInterval is a re-check interval for the per-source
// override file; no daemon code reads the override file or this constant.
const defaultReloadInterval = 30 * time.Second
