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
	"fmt"
	"math/rand/v2"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreclock/ntpd/ntptime"
	"github.com/coreclock/ntpd/selector"
	"github.com/coreclock/ntpd/sourcestats"
)

// PeerMode is whether this association is an outbound client/peer or an
// inbound server/peer association.
type PeerMode uint8

// Peer modes.
const (
	ModeClient PeerMode = iota
	ModeSymmetricActive
)

// Config bounds one peer's polling behavior.
type Config struct {
	MinPoll    int8 // log2 seconds, e.g. 6 = 64s
	MaxPoll    int8 // log2 seconds, e.g. 10 = 1024s
	BurstCount int
	Preferred  bool
	Selectable bool
	Key        *Key
}

// DefaultConfig matches RFC 5905's suggested poll range.
func DefaultConfig() Config {
	return Config{MinPoll: 6, MaxPoll: 10, Selectable: true}
}

// Peer is one configured remote association's protocol state machine.
type Peer struct {
	Handle  selector.Handle
	Address netip.Addr
	Mode    PeerMode
	cfg     Config
	stats   *sourcestats.Stats

	pollExponent int8
	reach        uint8 // 8-bit shift register, per RFC 5905
	burstLeft    int

	pendingTx ntptime.Timestamp
	awaiting  bool
	online    bool

	lastReply time.Time
}

// defaultBurstCount is how many extra closely-spaced polls a manually
// triggered burst sends when the peer wasn't itself configured with
// "burst", matching the classic control protocol's ad hoc burst request.
const defaultBurstCount = 4

// NewPeer creates a Peer in the initial (unreachable, minimum poll)
// state.
func NewPeer(handle selector.Handle, addr netip.Addr, cfg Config) *Peer {
	return &Peer{
		Handle:       handle,
		Address:      addr,
		cfg:          cfg,
		stats:        sourcestats.New(sourcestats.DefaultWindow),
		pollExponent: cfg.MinPoll,
		burstLeft:    cfg.BurstCount,
		online:       true,
	}
}

// Reachable reports whether any of the last 8 polls got a valid reply.
func (p *Peer) Reachable() bool { return p.reach != 0 }

// PollInterval returns the current polling interval, including jitter,
// as a time.Duration.
func (p *Peer) PollInterval() time.Duration {
	base := time.Duration(1<<uint(p.pollExponent)) * time.Second
	if p.burstLeft > 0 {
		return 2 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 8))
	return base + jitter
}

// BuildRequest constructs an outbound request in this peer's configured
// mode (client for an ordinary server association, symmetric-active for
// a "peer" directive), recording its transmit timestamp so the matching
// reply can be validated.
func (p *Peer) BuildRequest(now time.Time) ([]byte, error) {
	mode := uint8(ntptime.ModeClient)
	if p.Mode == ModeSymmetricActive {
		mode = ntptime.ModeSymmetricActive
	}
	pkt := &ntptime.Packet{Stratum: 0, Poll: p.pollExponent, Precision: -20}
	pkt.SetSettings(ntptime.LeapNone, 4, mode)
	tx := ntptime.FromTime(now)
	pkt.SetTxTime(tx)
	p.pendingTx = tx
	p.awaiting = true

	raw, err := pkt.Bytes()
	if err != nil {
		return nil, err
	}
	if p.cfg.Key != nil {
		return p.cfg.Key.Sign(raw)
	}
	return raw, nil
}

// Accept validates an inbound reply against the pending request and, if
// good, folds it into this peer's statistics. destTime is the local
// receive time.
//
// A reply that decodes and matches the pending originate timestamp
// always counts toward reachability, even if it is later rejected as a
// sanity-check failure — only a malformed or mismatched packet leaves
// reachability untouched.
func (p *Peer) Accept(wireBytes []byte, destTime time.Time) (sourcestats.Sample, bool, error) {
	if !p.awaiting {
		return sourcestats.Sample{}, false, fmt.Errorf("engine: unexpected reply from %s", p.Address)
	}
	pkt, err := ntptime.BytesToPacket(wireBytes)
	if err != nil {
		return sourcestats.Sample{}, false, err
	}
	if !pkt.ValidSettingsFormat() {
		return sourcestats.Sample{}, false, fmt.Errorf("engine: unsupported NTP version from %s", p.Address)
	}
	wantMode := uint8(ntptime.ModeServer)
	if p.Mode == ModeSymmetricActive {
		wantMode = ntptime.ModeSymmetricPassive
	}
	if pkt.Mode() != wantMode {
		return sourcestats.Sample{}, false, fmt.Errorf("engine: unexpected mode %d from %s", pkt.Mode(), p.Address)
	}
	if p.cfg.Key != nil && !p.cfg.Key.Verify(wireBytes) {
		return sourcestats.Sample{}, false, fmt.Errorf("engine: MAC verification failed for %s", p.Address)
	}
	if pkt.OrigTime() != p.pendingTx {
		return sourcestats.Sample{}, false, fmt.Errorf("engine: originate timestamp mismatch from %s", p.Address)
	}
	if pkt.OrigTime() == 0 || pkt.RxTime() == 0 {
		return sourcestats.Sample{}, false, fmt.Errorf("engine: zero originate/receive timestamp from %s", p.Address)
	}
	p.awaiting = false
	p.markReachable()
	p.lastReply = destTime

	if pkt.Stratum == 0 {
		// Kiss-o'-death: the server is asking us to back off. Slow
		// down rather than feeding a sample.
		p.onKissOfDeath(pkt.ReferenceID)
		return sourcestats.Sample{}, false, nil
	}
	if pkt.Stratum > 15 {
		return sourcestats.Sample{}, false, fmt.Errorf("engine: unsynchronized (stratum %d) reply from %s", pkt.Stratum, p.Address)
	}

	t1 := p.pendingTx.Time()
	t2 := pkt.RxTime().Time()
	t3 := pkt.TxTime().Time()
	t4 := destTime

	delay := t4.Sub(t1).Seconds() - t3.Sub(t2).Seconds()
	offset := ((t2.Sub(t1).Seconds()) + (t3.Sub(t4).Seconds())) / 2

	sample := sourcestats.Sample{
		At: destTime,
		// The raw offset ((T2-T1)+(T3-T4))/2 is positive when the
		// local clock is behind the source, which is already the
		// statistics layer's convention, so it passes through as is.
		Offset:         offset,
		Delay:          delay,
		RootDelay:      ntptime.Short(pkt.RootDelay).Duration().Seconds(),
		RootDispersion: ntptime.Short(pkt.RootDispersion).Duration().Seconds(),
		Stratum:        pkt.Stratum,
		Leap:           pkt.LeapIndicator(),
	}
	if !p.stats.IsGoodSample(delay) {
		return sample, false, nil
	}
	p.stats.Accumulate(sample)
	p.advancePoll(true)
	return sample, true, nil
}

// Timeout marks one poll interval as having gone unanswered.
func (p *Peer) Timeout() {
	p.awaiting = false
	p.reach <<= 1
	p.advancePoll(false)
	if p.burstLeft > 0 {
		p.burstLeft--
	}
}

func (p *Peer) markReachable() {
	p.reach = p.reach<<1 | 1
	if p.burstLeft > 0 {
		p.burstLeft--
	}
}

// advancePoll adapts the poll exponent toward MaxPoll on success and
// back toward MinPoll on repeated failure, the same hysteresis RFC 5905
// describes.
func (p *Peer) advancePoll(ok bool) {
	if ok {
		if p.pollExponent < p.cfg.MaxPoll {
			p.pollExponent++
		}
		return
	}
	if p.pollExponent > p.cfg.MinPoll {
		p.pollExponent--
	}
}

func (p *Peer) onKissOfDeath(refID uint32) {
	code := ntptime.ReferenceIDString(refID)
	log.Warningf("engine: kiss-o'-death %q from %s, backing off", code, p.Address)
	p.pollExponent = p.cfg.MaxPoll
}

// Stats exposes the peer's retained statistics for the selector and
// control surface.
func (p *Peer) Stats() *sourcestats.Stats { return p.stats }

// Selectable reports whether the peer is configured to participate in
// selection.
func (p *Peer) Selectable() bool { return p.cfg.Selectable }

// Preferred reports whether the peer is configured as preferred.
func (p *Peer) Preferred() bool { return p.cfg.Preferred }

// Awaiting reports whether a request is outstanding, so the caller can
// tell an unanswered poll from one that hasn't fired yet.
func (p *Peer) Awaiting() bool { return p.awaiting }

// Online reports whether the scheduler should keep polling this peer.
// Offline leaves the peer configured and reported but idle, the
// equivalent of the classic control protocol's "offline"/"online"
// association toggle.
func (p *Peer) Online() bool { return p.online }

// SetOnline brings a peer back into the polling rotation.
func (p *Peer) SetOnline() { p.online = true }

// SetOffline takes the peer out of the polling rotation without
// discarding its accumulated statistics or configuration, and cancels
// any outstanding request so a late reply isn't mismatched against a
// future one.
func (p *Peer) SetOffline() {
	p.online = false
	p.awaiting = false
}

// Burst schedules a short run of closely-spaced extra polls, the same
// mechanism BurstCount in Config drives at startup, triggered instead by
// an operator request against a peer already past its initial burst.
func (p *Peer) Burst() {
	if p.burstLeft <= 0 {
		p.burstLeft = p.cfg.BurstCount
		if p.burstLeft <= 0 {
			p.burstLeft = defaultBurstCount
		}
	}
}

// SetPollBounds changes the peer's configured poll interval bounds,
// clamping the current exponent into the new range so a narrowed range
// takes effect on the very next poll rather than waiting for the
// existing exponent to drift back in.
func (p *Peer) SetPollBounds(minPoll, maxPoll int8) {
	p.cfg.MinPoll = minPoll
	p.cfg.MaxPoll = maxPoll
	if p.pollExponent < minPoll {
		p.pollExponent = minPoll
	}
	if p.pollExponent > maxPoll {
		p.pollExponent = maxPoll
	}
}
