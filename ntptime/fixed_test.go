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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 500_000_000, time.UTC)
	ts := FromTime(now)
	require.WithinDuration(t, now, ts.Time(), 2*time.Millisecond)
}

func TestShortDuration(t *testing.T) {
	d := 250 * time.Millisecond
	s := NewShort(d)
	require.InDelta(t, d.Seconds(), s.Duration().Seconds(), 0.0001)
}

func TestShortSaturatesNegative(t *testing.T) {
	require.Equal(t, Short(0), NewShort(-time.Second))
}

func TestFuzzFractionPreservesHighBits(t *testing.T) {
	const frac = uint32(0xABCD0000)
	fuzzed := fuzzFraction(frac)
	require.Equal(t, frac&0xFFFFFC00, fuzzed&0xFFFFFC00)
}
