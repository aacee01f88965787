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

package localclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServoFirstSampleIsInit(t *testing.T) {
	s := NewServo(DefaultConfig(), 0)
	s.SyncInterval(8)
	_, action := s.Sample(0.01, time.Now())
	require.Equal(t, ActionInit, action)
}

func TestServoLargeInitialOffsetSteps(t *testing.T) {
	s := NewServo(DefaultConfig(), 0)
	s.SyncInterval(8)
	now := time.Now()
	s.Sample(2.0, now)
	_, action := s.Sample(2.0, now.Add(10*time.Second))
	require.Equal(t, ActionStep, action)
}

func TestServoSmallOffsetSlews(t *testing.T) {
	s := NewServo(DefaultConfig(), 0)
	s.SyncInterval(8)
	now := time.Now()
	s.Sample(0.01, now)
	_, action := s.Sample(0.01, now.Add(10*time.Second))
	require.Equal(t, ActionSlew, action)
}

func TestServoUnlockResetsCount(t *testing.T) {
	s := NewServo(DefaultConfig(), 0)
	s.SyncInterval(8)
	now := time.Now()
	s.Sample(0.01, now)
	s.Sample(0.01, now.Add(10*time.Second))
	s.Unlock()
	require.Equal(t, 0, s.count)
}

type fakeApplier struct {
	steps []time.Time
	freqs []float64
}

func (f *fakeApplier) SetFrequency(ppm float64) error { f.freqs = append(f.freqs, ppm); return nil }
func (f *fakeApplier) Step(now time.Time) error        { f.steps = append(f.steps, now); return nil }

type recordingListener struct {
	kinds []ChangeKind
}

func (r *recordingListener) OnClockChange(kind ChangeKind, _ time.Duration, _ time.Time) {
	r.kinds = append(r.kinds, kind)
}

func TestDisciplineNotifiesListenersOnSlew(t *testing.T) {
	applier := &fakeApplier{}
	d := NewWithApplier(DefaultConfig(), 0, applier)
	d.SyncInterval(8)
	l := &recordingListener{}
	d.AddListener(l)

	now := time.Now()
	require.NoError(t, d.Correct(0.01, now))
	require.NoError(t, d.Correct(0.01, now.Add(10*time.Second)))

	require.Contains(t, l.kinds, ChangeSlew)
	require.NotEmpty(t, applier.freqs)
}

func TestDisciplineStepsOnLargeOffset(t *testing.T) {
	applier := &fakeApplier{}
	d := NewWithApplier(DefaultConfig(), 0, applier)
	d.SyncInterval(8)
	now := time.Now()
	require.NoError(t, d.Correct(2.0, now))
	require.NoError(t, d.Correct(2.0, now.Add(10*time.Second)))
	require.NotEmpty(t, applier.steps)
}
