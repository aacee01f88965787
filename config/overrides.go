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

	"github.com/go-ini/ini"
)

// SourceOverride lets an operator adjust one source's behavior without
// touching the main yaml config — handy for a one-off "noselect this
// flapping peer" change pushed by an external tool.
type SourceOverride struct {
	NoSelect bool
	MinPoll  int8
	MaxPoll  int8
}

// LoadSourceOverrides reads the legacy key=value per-source override
// file. Each section is named after the source's address.
func LoadSourceOverrides(path string) (map[string]SourceOverride, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading source overrides %s: %w", path, err)
	}
	out := make(map[string]SourceOverride)
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		out[section.Name()] = SourceOverride{
			NoSelect: section.Key("noselect").MustBool(false),
			MinPoll:  int8(section.Key("minpoll").MustInt(0)),
			MaxPoll:  int8(section.Key("maxpoll").MustInt(0)),
		}
	}
	return out, nil
}
