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

package sourcedir

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreclock/ntpd/engine"
)

func TestAddAddrIsIdempotent(t *testing.T) {
	d := New(engine.DefaultConfig())
	addr := netip.MustParseAddr("192.0.2.1")
	p1, err := d.AddAddr(addr)
	require.NoError(t, err)
	p2, err := d.AddAddr(addr)
	require.NoError(t, err)
	require.Same(t, p1, p2)
}

func TestLookupReturnsAddedPeer(t *testing.T) {
	d := New(engine.DefaultConfig())
	addr := netip.MustParseAddr("192.0.2.1")
	_, err := d.AddAddr(addr)
	require.NoError(t, err)
	p, ok := d.Lookup(addr)
	require.True(t, ok)
	require.Equal(t, addr, p.Address)
}

func TestReferenceIDForIsStable(t *testing.T) {
	addr := netip.MustParseAddr("192.0.2.1")
	require.Equal(t, ReferenceIDFor(addr), ReferenceIDFor(addr))
}
