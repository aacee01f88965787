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
	"math"
	"sort"
	"time"

	"github.com/eclesh/welford"
)

// DefaultWindow is the number of samples kept for regression, matching
// the teacher's ring-buffer sizing for similar filters.
const DefaultWindow = 64

// minSamplesForRegress is MIN_SAMPLES_FOR_REGRESS: fewer samples than
// this and a source is BAD_STATS rather than regressed.
const minSamplesForRegress = 3

// Sample is one accepted (offset, round-trip delay) measurement, plus the
// root_delay/root_dispersion/stratum the reply carried from its own
// reference chain.
type Sample struct {
	// At is the local time the sample was taken.
	At time.Time
	// Offset is the measured clock offset in seconds (positive: local
	// clock behind source).
	Offset float64
	// Delay is the measured round-trip delay in seconds.
	Delay float64
	// Dispersion is the accumulated measurement uncertainty in seconds.
	Dispersion float64
	// RootDelay and RootDispersion are the source's own root_delay and
	// root_dispersion, in seconds, as reported in the reply that
	// produced this sample.
	RootDelay      float64
	RootDispersion float64
	// Stratum is the stratum the reply reported.
	Stratum uint8
	// Leap is the leap indicator the reply reported (0 none, 1 pending
	// insert, 2 pending delete).
	Leap uint8
}

// Regression is the fitted model over the current sample window.
type Regression struct {
	// OffsetAt is the time Offset is estimated at (the newest sample's
	// time).
	OffsetAt time.Time
	Offset   float64
	// FreqPPM is the estimated frequency error in parts per million.
	FreqPPM float64
	// SkewPPM bounds the uncertainty of FreqPPM.
	SkewPPM float64
	// EstimatedError is the standard error of Offset.
	EstimatedError float64
	// Variance is the residual variance of the subrange the fit settled
	// on.
	Variance float64
	// NRuns is the number of sign runs in the residuals of the subrange
	// the fit settled on.
	NRuns int
	// Stratum is the most recent non-discarded sample's stratum.
	Stratum uint8
	// RootDelay and RootDispersion are the most recent sample's values,
	// carried through for get_tracking_data/get_selection_data.
	RootDelay      float64
	RootDispersion float64
	// Leap is the most recent sample's reported leap indicator.
	Leap uint8
}

// Stats accumulates samples for one source and produces a Regression on
// demand.
type Stats struct {
	window      int
	samples     []Sample
	delayAvg    *welford.Stats
	delayCount  int
}

// New creates a Stats with the given rolling window size.
func New(window int) *Stats {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Stats{window: window, delayAvg: welford.New()}
}

// NSamples reports how many samples are currently retained.
func (s *Stats) NSamples() int { return len(s.samples) }

// Reset discards all retained samples, e.g. after a source is stepped or
// marked unreachable for a long time.
func (s *Stats) Reset() {
	s.samples = nil
	s.delayAvg = welford.New()
	s.delayCount = 0
}

// Accumulate records a new sample, evicting the oldest once the window
// is full.
func (s *Stats) Accumulate(sample Sample) {
	s.delayAvg.Add(sample.Delay)
	s.delayCount++
	s.samples = append(s.samples, sample)
	if len(s.samples) > s.window {
		s.samples = s.samples[len(s.samples)-s.window:]
	}
}

// MinRoundTripDelay returns the smallest delay seen in the current
// window — the sample least likely to be inflated by queuing or
// congestion.
func (s *Stats) MinRoundTripDelay() float64 {
	if len(s.samples) == 0 {
		return 0
	}
	min := s.samples[0].Delay
	for _, sm := range s.samples[1:] {
		if sm.Delay < min {
			min = sm.Delay
		}
	}
	return min
}

// IsGoodSample reports whether delay is not an outlier relative to the
// mean/stddev of every delay accumulated since the last Reset (not only
// the current window) — more than 3 standard deviations above
// the mean round-trip delay indicates congestion, not a clean
// measurement.
func (s *Stats) IsGoodSample(delay float64) bool {
	if s.delayCount < 4 {
		return true
	}
	mean, stddev := s.delayAvg.Mean(), s.delayAvg.Stddev()
	if stddev == 0 {
		return true
	}
	return delay <= mean+3*stddev
}

// AddDispersion adds extra dispersion to every retained sample, used
// when the local clock is stepped and past samples become less
// trustworthy without being discarded outright.
func (s *Stats) AddDispersion(d float64) {
	for i := range s.samples {
		s.samples[i].Dispersion += d
	}
}

// SlewSamples shifts every retained sample's offset by correction,
// keeping the window consistent after the local clock applies a slew or
// step so that old samples are still expressed in the current timebase.
func (s *Stats) SlewSamples(correction float64) {
	for i := range s.samples {
		s.samples[i].Offset -= correction
	}
}

// PredictOffset extrapolates the last regression linearly to time at.
// It is a cheap prediction for use between full regressions; callers
// should still call DoNewRegression periodically.
func (r Regression) PredictOffset(at time.Time) float64 {
	elapsed := at.Sub(r.OffsetAt).Seconds()
	return r.Offset + elapsed*r.FreqPPM/1e6
}

// DoNewRegression fits a robust (Theil-Sen style) regression to the
// current sample window and returns it. ok is false if there are too few
// samples to fit anything meaningful.
//
// The starting index into the window is chosen by a runs test on the
// fit's residuals: starting from the oldest sample, a fit is tried and
// its residual signs are tested for randomness; if the test fails (too
// few sign changes, indicating a biased early run rather than noise) the
// oldest sample is dropped and the fit retried on the remaining tail.
// This is what keeps an early, since-resolved bias — a step the source
// took before this source settled, say — from dragging the frequency
// estimate, while still using every sample once the tail looks random.
func (s *Stats) DoNewRegression() (Regression, bool) {
	n := len(s.samples)
	if n < minSamplesForRegress {
		return Regression{}, false
	}

	t0 := s.samples[0].At
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, sm := range s.samples {
		xs[i] = sm.At.Sub(t0).Seconds()
		ys[i] = sm.Offset
	}

	var slope, intercept float64
	var runs int
	start := 0
	for ; start <= n-minSamplesForRegress; start++ {
		subXs, subYs := xs[start:], ys[start:]
		slope = theilSenSlope(subXs, subYs)
		intercept = medianIntercept(subXs, subYs, slope)
		runs = countSignRuns(subXs, subYs, intercept, slope)
		if runsLookRandom(runs, len(subXs)) {
			break
		}
	}
	if start > n-minSamplesForRegress {
		// No subrange passed the runs test; fall back to the tightest
		// possible tail rather than discard the source's data.
		start = n - minSamplesForRegress
		subXs, subYs := xs[start:], ys[start:]
		slope = theilSenSlope(subXs, subYs)
		intercept = medianIntercept(subXs, subYs, slope)
		runs = countSignRuns(subXs, subYs, intercept, slope)
	}

	subXs, subYs := xs[start:], ys[start:]
	var residSq float64
	for i := range subXs {
		resid := subYs[i] - (intercept + slope*subXs[i])
		residSq += resid * resid
	}
	variance := residSq / float64(len(subXs))

	latest := s.samples[n-1]
	reg := Regression{
		OffsetAt:       latest.At,
		Offset:         intercept + slope*xs[n-1],
		FreqPPM:        slope * 1e6,
		SkewPPM:        math.Sqrt(variance) * 1e6,
		EstimatedError: math.Sqrt(variance / float64(len(subXs))),
		Variance:       variance,
		NRuns:          runs,
		Stratum:        latest.Stratum,
		RootDelay:      latest.RootDelay,
		RootDispersion: latest.RootDispersion,
		Leap:           latest.Leap,
	}
	return reg, true
}

// countSignRuns counts the number of sign runs in the residuals of
// fitting (intercept, slope) over (xs, ys) — a run is a maximal stretch
// of consecutive residuals sharing a sign.
func countSignRuns(xs, ys []float64, intercept, slope float64) int {
	runs, lastSign := 0, 0
	for i := range xs {
		resid := ys[i] - (intercept + slope*xs[i])
		sign := signOf(resid)
		if sign != 0 && sign != lastSign {
			runs++
			lastSign = sign
		}
	}
	return runs
}

// runsLookRandom applies a normal-approximation runs test: a sequence of
// n1 positive and n2 negative residuals arranged at random is expected to
// have close to 2*n1*n2/n + 1 runs with a known variance. Too few runs
// relative to that expectation means the residuals are not randomly
// ordered — most often a leading block that is all one sign — and the
// starting subsample should be narrowed further.
func runsLookRandom(runs, n int) bool {
	if n < minSamplesForRegress {
		return false
	}
	if runs <= 1 {
		return false
	}
	expected := float64(n)/2 + 1
	variance := float64(n-1) / 4
	if variance <= 0 {
		return true
	}
	stddev := math.Sqrt(variance)
	return float64(runs) >= expected-stddev
}

// theilSenSlope returns the median of all pairwise slopes, a robust
// (breakdown point ~29%) estimator that tolerates a minority of outlier
// samples without a prior outlier-rejection pass.
func theilSenSlope(xs, ys []float64) float64 {
	n := len(xs)
	slopes := make([]float64, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dx := xs[j] - xs[i]
			if dx == 0 {
				continue
			}
			slopes = append(slopes, (ys[j]-ys[i])/dx)
		}
	}
	if len(slopes) == 0 {
		return 0
	}
	sort.Float64s(slopes)
	return median(slopes)
}

func medianIntercept(xs, ys []float64, slope float64) float64 {
	residuals := make([]float64, len(xs))
	for i := range xs {
		residuals[i] = ys[i] - slope*xs[i]
	}
	sort.Float64s(residuals)
	return median(residuals)
}

func median(v []float64) float64 {
	n := len(v)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
