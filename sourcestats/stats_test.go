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

package sourcestats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAccumulateEvictsOldestBeyondWindow(t *testing.T) {
	s := New(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.Accumulate(Sample{At: base.Add(time.Duration(i) * time.Second), Offset: float64(i) * 0.001, Delay: 0.01})
	}
	require.Equal(t, 3, s.NSamples())
}

func TestDoNewRegressionNeedsThreeSamples(t *testing.T) {
	s := New(10)
	base := time.Now()
	s.Accumulate(Sample{At: base, Offset: 0.01, Delay: 0.01})
	s.Accumulate(Sample{At: base.Add(time.Second), Offset: 0.011, Delay: 0.01})
	_, ok := s.DoNewRegression()
	require.False(t, ok)
}

func TestDoNewRegressionFitsConstantDriftOffset(t *testing.T) {
	s := New(10)
	base := time.Now()
	const freqPPM = 5.0
	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		offset := 0.001 + float64(i)*freqPPM/1e6
		s.Accumulate(Sample{At: at, Offset: offset, Delay: 0.01})
	}
	reg, ok := s.DoNewRegression()
	require.True(t, ok)
	require.InDelta(t, freqPPM, reg.FreqPPM, 0.5)
}

func TestIsGoodSampleRejectsOutlier(t *testing.T) {
	s := New(20)
	base := time.Now()
	for i := 0; i < 10; i++ {
		s.Accumulate(Sample{At: base.Add(time.Duration(i) * time.Second), Offset: 0, Delay: 0.01})
	}
	require.True(t, s.IsGoodSample(0.011))
	require.False(t, s.IsGoodSample(1.0))
}

func TestMinRoundTripDelay(t *testing.T) {
	s := New(10)
	base := time.Now()
	s.Accumulate(Sample{At: base, Delay: 0.05})
	s.Accumulate(Sample{At: base.Add(time.Second), Delay: 0.01})
	s.Accumulate(Sample{At: base.Add(2 * time.Second), Delay: 0.03})
	require.InDelta(t, 0.01, s.MinRoundTripDelay(), 1e-9)
}

func TestSlewSamplesShiftsOffsets(t *testing.T) {
	s := New(10)
	base := time.Now()
	s.Accumulate(Sample{At: base, Offset: 0.5})
	s.SlewSamples(0.5)
	require.InDelta(t, 0, s.samples[0].Offset, 1e-9)
}

func TestResetClearsSamples(t *testing.T) {
	s := New(10)
	s.Accumulate(Sample{At: time.Now(), Offset: 1, Delay: 1})
	s.Reset()
	require.Equal(t, 0, s.NSamples())
}

func TestPredictOffsetExtrapolates(t *testing.T) {
	reg := Regression{OffsetAt: time.Unix(0, 0), Offset: 0, FreqPPM: 1e6}
	got := reg.PredictOffset(time.Unix(1, 0))
	require.InDelta(t, 1.0, got, 1e-9)
}
