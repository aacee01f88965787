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
	"fmt"
	"net/netip"

	"github.com/jsimonetti/rtnetlink/rtnl"
)

// expandWildcardListen turns a "listen on every configured address" entry
// (an unspecified address, e.g. "0.0.0.0:123" or "[::]:123") into one concrete AddrPort per address
// currently assigned to a local interface, discovered over rtnetlink the
// way the teacher's responder server walks interface addressing instead
// of shelling out to `ip addr`. Non-wildcard entries pass through
// unchanged.
func expandWildcardListen(listen netip.AddrPort) ([]netip.AddrPort, error) {
	if !listen.Addr().IsUnspecified() {
		return []netip.AddrPort{listen}, nil
	}

	conn, err := rtnl.Dial(nil)
	if err != nil {
		return nil, fmt.Errorf("daemon: dialing rtnetlink for interface enumeration: %w", err)
	}
	defer conn.Close()

	links, err := conn.Links()
	if err != nil {
		return nil, fmt.Errorf("daemon: listing interfaces: %w", err)
	}

	wantV4 := listen.Addr().Is4()
	var out []netip.AddrPort
	for _, link := range links {
		addrs, err := conn.Addrs(&link, 0)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			addr, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if addr.Is4() != wantV4 || addr.IsLoopback() || addr.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, netip.AddrPortFrom(addr, listen.Port()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("daemon: no local addresses found to expand wildcard listen %s", listen)
	}
	return out, nil
}
