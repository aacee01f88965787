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

package access

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultActionWhenNoRuleMatches(t *testing.T) {
	f := New(ActionDeny)
	require.Equal(t, ActionDeny, f.Lookup(netip.MustParseAddr("10.0.0.1")))
}

func TestExactMatchOverridesDefault(t *testing.T) {
	f := New(ActionDeny)
	require.NoError(t, f.Insert(netip.MustParsePrefix("10.0.0.0/8"), ActionAllow))
	require.Equal(t, ActionAllow, f.Lookup(netip.MustParseAddr("10.1.2.3")))
	require.Equal(t, ActionDeny, f.Lookup(netip.MustParseAddr("11.1.2.3")))
}

func TestMoreSpecificPrefixWins(t *testing.T) {
	f := New(ActionDeny)
	require.NoError(t, f.Insert(netip.MustParsePrefix("10.0.0.0/8"), ActionAllow))
	require.NoError(t, f.Insert(netip.MustParsePrefix("10.1.0.0/16"), ActionDeny))
	require.Equal(t, ActionDeny, f.Lookup(netip.MustParseAddr("10.1.2.3")))
	require.Equal(t, ActionAllow, f.Lookup(netip.MustParseAddr("10.2.2.3")))
}

func TestIPv6PrefixMatch(t *testing.T) {
	f := New(ActionDeny)
	require.NoError(t, f.Insert(netip.MustParsePrefix("2001:db8::/32"), ActionAllow))
	require.Equal(t, ActionAllow, f.Lookup(netip.MustParseAddr("2001:db8::1")))
	require.Equal(t, ActionDeny, f.Lookup(netip.MustParseAddr("2001:db9::1")))
}

func TestHostRouteExactMatch(t *testing.T) {
	f := New(ActionAllow)
	require.NoError(t, f.Insert(netip.MustParsePrefix("192.0.2.17/32"), ActionDeny))
	require.Equal(t, ActionDeny, f.Lookup(netip.MustParseAddr("192.0.2.17")))
	require.Equal(t, ActionAllow, f.Lookup(netip.MustParseAddr("192.0.2.18")))
}

func TestNonByteAlignedPrefix(t *testing.T) {
	f := New(ActionDeny)
	require.NoError(t, f.Insert(netip.MustParsePrefix("10.0.0.0/10"), ActionAllow))
	require.Equal(t, ActionAllow, f.Lookup(netip.MustParseAddr("10.1.2.3")))
	require.Equal(t, ActionAllow, f.Lookup(netip.MustParseAddr("10.63.255.255")))
	require.Equal(t, ActionDeny, f.Lookup(netip.MustParseAddr("10.64.0.1")))
}
