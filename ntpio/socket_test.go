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

package ntpio

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenEnablesTimestampingAndFamily(t *testing.T) {
	sock, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer sock.Close()

	require.True(t, sock.Family())
	require.Greater(t, sock.FD(), 0)
}

func TestSocketSendToAndRecvRoundTrip(t *testing.T) {
	server, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer server.Close()

	client, err := Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	defer client.Close()

	serverAddr := netip.MustParseAddrPort(server.conn.LocalAddr().String())

	payload := []byte("hello ntp")
	require.NoError(t, client.SendTo(payload, serverAddr))

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		pkt, err := server.Recv()
		require.NoError(t, err)
		require.Equal(t, payload, pkt.Data)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}
