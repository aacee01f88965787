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

package reference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coreclock/ntpd/localclock"
	"github.com/coreclock/ntpd/selector"
)

type noopApplier struct{}

func (noopApplier) SetFrequency(float64) error  { return nil }
func (noopApplier) Step(time.Time) error        { return nil }

func TestUpdateWithNoSelectedSourcesStaysUnsynchronized(t *testing.T) {
	d := localclock.NewWithApplier(localclock.DefaultConfig(), 0, noopApplier{})
	r := New(d)
	require.NoError(t, r.Update(selector.Combined{}, 0, time.Now()))
	sync, _, stratum, _ := r.Status()
	require.Equal(t, Unsynchronized, sync)
	require.EqualValues(t, 16, stratum)
}

func TestUpdateWithSelectedSourceSynchronizes(t *testing.T) {
	d := localclock.NewWithApplier(localclock.DefaultConfig(), 0, noopApplier{})
	d.SyncInterval(8)
	r := New(d)
	combined := selector.Combined{Offset: 0.001, Stratum: 1, Selected: []selector.Handle{1}}
	require.NoError(t, r.Update(combined, 0, time.Now()))
	sync, _, stratum, _ := r.Status()
	require.Equal(t, Synchronized, sync)
	require.EqualValues(t, 2, stratum)
}

func TestCombineLeapStatusFromWireVote(t *testing.T) {
	d := localclock.NewWithApplier(localclock.DefaultConfig(), 0, noopApplier{})
	r := New(d)
	require.Equal(t, LeapPendingInsert, r.combineLeapStatus(1, time.Now()))
	require.Equal(t, LeapPendingDelete, r.combineLeapStatus(2, time.Now()))
	require.Equal(t, LeapNormal, r.combineLeapStatus(0, time.Now()))
}
