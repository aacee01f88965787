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

package ntptime

import (
	"math/rand/v2"
	"time"
)

// eraOffset is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01).
const eraOffset = 2208988800

// Short is the 16.16 fixed-point format used for root delay, root
// dispersion and poll/precision-adjacent durations.
type Short uint32

// NewShort converts a duration to 16.16 fixed point. Negative durations
// saturate to zero; durations that overflow 16 integer bits saturate to
// the maximum representable value.
func NewShort(d time.Duration) Short {
	if d <= 0 {
		return 0
	}
	v := d.Seconds() * 65536
	if v > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return Short(uint32(v))
}

// Duration converts 16.16 fixed point back to a time.Duration.
func (s Short) Duration() time.Duration {
	return time.Duration(float64(s) / 65536 * float64(time.Second))
}

// Timestamp is the 32.32 fixed-point NTP timestamp: seconds since the NTP
// epoch in the high word, a binary fraction of a second in the low word.
type Timestamp uint64

// Seconds returns the integer seconds field.
func (t Timestamp) Seconds() uint32 { return uint32(t >> 32) }

// Fraction returns the fractional-second field.
func (t Timestamp) Fraction() uint32 { return uint32(t) }

// Time converts an NTP timestamp to a host time.Time, in UTC.
//
// NTP timestamps wrapped in 2036; since this daemon only ever handles
// timestamps close to "now", any seconds field less than eraOffset is
// assumed to be in the second NTP era rather than actually predating
// 1970.
func (t Timestamp) Time() time.Time {
	secs := int64(t.Seconds()) - eraOffset
	if secs < 0 {
		secs += 1 << 32
	}
	frac := t.Fraction()
	nsec := (int64(frac) * int64(time.Second)) >> 32
	return time.Unix(secs, nsec).UTC()
}

// FromTime converts a host time.Time to an NTP timestamp.
//
// The low bits of the fraction are fuzzed per RFC 8633 guidance so that a
// truncated-precision system clock does not leak identical low bits on
// every outbound timestamp.
func FromTime(t time.Time) Timestamp {
	secs := uint32(t.Unix() + eraOffset)
	frac := uint32((uint64(t.Nanosecond()) << 32) / uint64(time.Second))
	frac = fuzzFraction(frac)
	return Timestamp(uint64(secs)<<32 | uint64(frac))
}

// fuzzFraction randomizes the bottom bits of a transmit timestamp's
// fraction field so successive transmissions with a coarse system clock
// are still distinguishable from each other by a peer.
func fuzzFraction(frac uint32) uint32 {
	const fuzzBits = 10
	const fuzzMask = uint32(1)<<fuzzBits - 1
	return (frac &^ fuzzMask) | uint32(rand.Uint32()&fuzzMask)
}
