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

package engine

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreclock/ntpd/ntptime"
)

func TestBuildRequestThenAcceptMatchingReply(t *testing.T) {
	p := NewPeer(1, netip.MustParseAddr("192.0.2.1"), DefaultConfig())
	now := time.Now()
	raw, err := p.BuildRequest(now)
	require.NoError(t, err)

	req, err := ntptime.BytesToPacket(raw)
	require.NoError(t, err)

	serverState := ServerState{Stratum: 1, ReferenceID: ntptime.ReferenceIDFromString("GPS"), ReferenceTime: now}
	recvAt := now.Add(10 * time.Millisecond)
	txAt := recvAt.Add(1 * time.Millisecond)
	resp := BuildResponse(req, serverState, recvAt, txAt)
	respBytes, err := resp.Bytes()
	require.NoError(t, err)

	destAt := txAt.Add(10 * time.Millisecond)
	sample, ok, err := p.Accept(respBytes, destAt)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, p.Reachable())
	require.InDelta(t, 0, sample.Offset, 0.05)
}

func TestAcceptRejectsMismatchedOriginate(t *testing.T) {
	p := NewPeer(1, netip.MustParseAddr("192.0.2.1"), DefaultConfig())
	_, err := p.BuildRequest(time.Now())
	require.NoError(t, err)

	other := &ntptime.Packet{Stratum: 1}
	other.SetSettings(ntptime.LeapNone, 4, ntptime.ModeServer)
	other.SetOrigTime(ntptime.FromTime(time.Now().Add(time.Hour)))
	raw, err := other.Bytes()
	require.NoError(t, err)

	_, ok, err := p.Accept(raw, time.Now())
	require.Error(t, err)
	require.False(t, ok)
}

func TestTimeoutWithoutReplyLeavesPeerUnreachable(t *testing.T) {
	p := NewPeer(1, netip.MustParseAddr("192.0.2.1"), DefaultConfig())
	_, _ = p.BuildRequest(time.Now())
	p.Timeout()
	require.False(t, p.Reachable())
}

func TestSignedRequestVerifiesWithCorrectKey(t *testing.T) {
	key := &Key{ID: 1, Algorithm: "sha256", Secret: []byte("s3cret")}
	cfg := DefaultConfig()
	cfg.Key = key
	p := NewPeer(1, netip.MustParseAddr("192.0.2.1"), cfg)
	raw, err := p.BuildRequest(time.Now())
	require.NoError(t, err)
	require.True(t, key.Verify(raw))
}
