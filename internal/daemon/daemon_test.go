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

package daemon

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreclock/ntpd/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		ListenAddresses: []string{"127.0.0.1:0"},
		DriftFile:       filepath.Join(t.TempDir(), "drift"),
		MinPoll:         6,
		MaxPoll:         10,
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewOpensConfiguredSockets(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	require.Len(t, d.sockets, 1)
	for _, s := range d.sockets {
		s.Close()
	}
}

func TestNewLoadsExistingDriftFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.DriftFile, []byte("1.500000\n"), 0o600))

	d, err := New(cfg)
	require.NoError(t, err)
	defer closeSockets(d)
	require.InDelta(t, 1.5, d.discipline.FrequencyPPM(), 1e-9)
}

func TestNewAddsConfiguredSourceToDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []config.SourceDirective{{Address: "192.0.2.1", Preferred: true}}

	d, err := New(cfg)
	require.NoError(t, err)
	defer closeSockets(d)
	require.Len(t, d.dir.Peers(), 1)
	require.True(t, d.dir.Peers()[0].Preferred())
}

func TestNewRejectsSourceWithUnknownKeyID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []config.SourceDirective{{Address: "192.0.2.1", KeyID: 42}}

	_, err := New(cfg)
	require.Error(t, err)
}

func TestReadTrackingReportsUnsynchronizedInitially(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer closeSockets(d)

	tracking := d.ReadTracking()
	require.Equal(t, "0", tracking["sync"])
	require.Equal(t, "16", tracking["stratum"])
}

func TestReadSourcesReportsConfiguredPeer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sources = []config.SourceDirective{{Address: "192.0.2.1"}}
	d, err := New(cfg)
	require.NoError(t, err)
	defer closeSockets(d)

	sources := d.ReadSources()
	require.Len(t, sources, 1)
	require.Equal(t, "192.0.2.1", sources[0].Fields["addr"])
	require.Equal(t, "false", sources[0].Fields["reach"])
}

func TestSocketForFallsBackToOnlyConfiguredSocket(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	defer closeSockets(d)

	sock := d.socketFor(netip.MustParseAddr("2001:db8::1"))
	require.NotNil(t, sock)
	require.True(t, sock.Family())
}

func closeSockets(d *Daemon) {
	for _, s := range d.sockets {
		s.Close()
	}
	if d.controlListener != nil {
		d.controlListener.Close()
	}
}
