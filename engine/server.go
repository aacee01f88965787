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
	"time"

	"github.com/coreclock/ntpd/ntptime"
)

// ServerState is what a server-mode reply needs to know about the
// daemon's own current reference, independent of any particular peer.
type ServerState struct {
	LeapIndicator  uint8
	Stratum        uint8
	Precision      int8
	RootDelay      time.Duration
	RootDispersion time.Duration
	ReferenceID    uint32
	ReferenceTime  time.Time
}

// BuildResponse constructs a server-mode reply to request, received at
// receivedAt and transmitted at transmitAt. It mirrors the originate/
// receive/transmit timestamp assignment RFC 5905 specifies for a server.
func BuildResponse(request *ntptime.Packet, state ServerState, receivedAt, transmitAt time.Time) *ntptime.Packet {
	resp := &ntptime.Packet{
		Stratum:        state.Stratum,
		Poll:           request.Poll,
		Precision:      state.Precision,
		RootDelay:      uint32(ntptime.NewShort(state.RootDelay)),
		RootDispersion: uint32(ntptime.NewShort(state.RootDispersion)),
		ReferenceID:    state.ReferenceID,
	}
	resp.SetSettings(state.LeapIndicator, request.Version(), serverModeFor(request.Mode()))
	resp.SetRefTime(ntptime.FromTime(state.ReferenceTime))
	resp.SetOrigTime(request.TxTime())
	resp.SetRxTime(ntptime.FromTime(receivedAt))
	resp.SetTxTime(ntptime.FromTime(transmitAt))
	return resp
}

func serverModeFor(requestMode uint8) uint8 {
	if requestMode == ntptime.ModeSymmetricActive {
		return ntptime.ModeSymmetricPassive
	}
	return ntptime.ModeServer
}
