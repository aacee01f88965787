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
	"container/ring"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
)

// Action is the disposition the servo recommends for a new offset sample.
type Action uint8

// Servo actions.
const (
	// ActionInit means the servo is still gathering its first two
	// samples and has not yet produced a frequency estimate.
	ActionInit Action = iota
	// ActionStep means the offset is too large to slew; the local
	// clock should be stepped directly to the reference time.
	ActionStep
	// ActionSlew means the offset is within range; apply the returned
	// frequency correction gradually.
	ActionSlew
)

func (a Action) String() string {
	switch a {
	case ActionInit:
		return "INIT"
	case ActionStep:
		return "STEP"
	case ActionSlew:
		return "SLEW"
	}
	return "UNKNOWN"
}

// Config bounds the PI servo's behavior.
type Config struct {
	// MaxFreqPPM is the largest frequency correction, in parts per
	// million, the servo will ever request.
	MaxFreqPPM float64
	// StepThreshold is the offset, in seconds, above which any sample
	// triggers a step instead of a slew. Zero disables stepping after
	// the first correction.
	StepThreshold float64
	// FirstStepThreshold is StepThreshold's counterpart for the first
	// MakeStepLimit corrections, when the clock is most likely to still
	// be arbitrarily far off from a cold start.
	FirstStepThreshold float64
	// MakeStepLimit is how many corrections FirstStepThreshold applies
	// to before StepThreshold alone governs, matching chrony's
	// "makestep <threshold> <limit>" directive.
	MakeStepLimit int
	// KpScale/KiScale and their Low counterparts give the proportional
	// and integral gains at the sync interval's fast and slow ends.
	KpScale, KiScale       float64
	KpScaleLow, KiScaleLow float64
	KpNormMax, KiNormMax   float64
}

// DefaultConfig matches the gains the PI servo in chrony-derived
// implementations converge to under a 1-64s polling range.
func DefaultConfig() Config {
	return Config{
		MaxFreqPPM:         500,
		StepThreshold:      0.5,
		FirstStepThreshold: 1.0,
		MakeStepLimit:      3,
		KpScale:            0.7,
		KiScale:            0.3,
		KpScaleLow:         0.07,
		KiScaleLow:         0.03,
		KpNormMax:          1.0,
		KiNormMax:          2.0,
	}
}

type filterState uint8

const (
	filterNoSpike filterState = iota
	filterSpike
	filterReset
)

// filterSample is one accepted (offsetSeconds, freqPPM) pair tracked by
// the spike-rejection ring.
type filterSample struct {
	offset float64
	freq   float64
}

// spikeFilter tracks a bounded window of accepted samples to tell a
// genuine frequency excursion apart from a single noisy measurement.
type spikeFilter struct {
	offsetStdev  float64
	offsetMean   float64
	lastOffset   float64
	freqStdev    float64
	freqMean     float64
	skippedCount int

	offsetSamples      *ring.Ring
	offsetSamplesCount int
	freqSamples        *ring.Ring
	freqSamplesCount   int

	ringSize          int
	maxSkipCount      int
	minOffsetLocked   float64
	maxFreqChangePPM  float64
	offsetStdevFactor float64
	freqStdevFactor   float64
	offsetRange       float64
}

func newSpikeFilter() *spikeFilter {
	f := &spikeFilter{
		ringSize:          30,
		maxSkipCount:      15,
		minOffsetLocked:   0.015,
		maxFreqChangePPM:  40,
		offsetStdevFactor: 3.0,
		freqStdevFactor:   3.0,
		offsetRange:       0.0001,
	}
	f.reset()
	return f
}

func (f *spikeFilter) reset() {
	f.offsetSamples = ring.New(f.ringSize)
	f.freqSamples = ring.New(f.ringSize)
	f.offsetStdev, f.offsetMean = 0, 0
	f.freqStdev = 0
	f.skippedCount = 0
	f.offsetSamplesCount = 0
	f.freqSamplesCount = 0
}

func (f *spikeFilter) isStable(offset float64) bool {
	return inRange(f.lastOffset, f.offsetRange) && inRange(offset, f.offsetRange)
}

func inRange(v, bound float64) bool { return v >= -bound && v <= bound }

func (f *spikeFilter) classify(offset float64, lastCorrection time.Time) filterState {
	if f.skippedCount >= f.maxSkipCount {
		return filterReset
	}
	if f.offsetSamplesCount != f.ringSize {
		return filterNoSpike
	}
	maxOffsetLocked := f.offsetStdevFactor * f.offsetStdev
	secPassed := math.Round(time.Since(lastCorrection).Seconds())
	waitFactor := secPassed * (f.freqStdevFactor*f.freqStdev + f.maxFreqChangePPM/2/1e6)
	maxOffsetLocked += waitFactor

	abs := math.Abs(offset)
	if abs > math.Max(maxOffsetLocked, f.minOffsetLocked) {
		return filterSpike
	}
	return filterNoSpike
}

func (f *spikeFilter) sample(s filterSample) {
	if f.offsetSamples.Value != nil {
		v := f.offsetSamples.Value.(filterSample)
		f.offsetMean -= v.offset / float64(f.offsetSamplesCount)
	}
	f.offsetSamples.Value = s
	f.offsetSamples = f.offsetSamples.Next()
	if f.offsetSamplesCount != f.ringSize {
		f.offsetSamplesCount++
	}
	f.offsetMean += s.offset / float64(f.offsetSamplesCount)

	var sigmaSq float64
	f.offsetSamples.Do(func(val any) {
		if val == nil {
			return
		}
		v := val.(filterSample)
		sigmaSq += (v.offset - f.offsetMean) * (v.offset - f.offsetMean)
	})
	f.offsetStdev = math.Sqrt(sigmaSq / float64(f.offsetSamplesCount))
	f.lastOffset = s.offset

	if !f.isStable(s.offset) {
		return
	}
	if f.freqSamples.Value != nil {
		v := f.freqSamples.Value.(filterSample)
		f.freqMean -= v.freq / float64(f.freqSamplesCount)
		f.freqSamples.Value = s
		f.freqSamples = f.freqSamples.Next()
		f.freqMean += s.freq / float64(f.freqSamplesCount)
	} else {
		f.freqSamples.Value = s
		f.freqSamples = f.freqSamples.Next()
		f.freqSamplesCount++
		f.freqMean = 0
		f.freqSamples.Do(func(val any) {
			if val == nil {
				return
			}
			v := val.(filterSample)
			f.freqMean += v.freq / float64(f.freqSamplesCount)
		})
	}
	var freqSigmaSq float64
	f.freqSamples.Do(func(val any) {
		if val == nil {
			return
		}
		v := val.(filterSample)
		freqSigmaSq += (v.freq - f.freqMean) * (v.freq - f.freqMean)
	})
	f.freqStdev = math.Sqrt(freqSigmaSq / float64(f.offsetSamplesCount))
}

// Servo is a PI (proportional-integral) clock-discipline loop over offset
// samples expressed in seconds. It recommends either a direct step or a
// gradual frequency slew, and tracks recent samples to reject spikes.
type Servo struct {
	cfg Config

	offset [2]float64
	at     [2]time.Time
	count  int

	drift        float64
	kp, ki       float64
	lastFreqPPM  float64
	syncInterval float64

	lastCorrection time.Time
	filter         *spikeFilter

	// updatesDone counts corrections actually applied, so
	// FirstStepThreshold can govern the first MakeStepLimit of them
	// rather than just the very first one.
	updatesDone int
	// forceStep makes the next correction a step regardless of
	// threshold, set by an operator-triggered make-step request.
	forceStep bool
}

// NewServo builds a Servo at the given initial frequency estimate
// (parts-per-million).
func NewServo(cfg Config, initialFreqPPM float64) *Servo {
	return &Servo{
		cfg:         cfg,
		lastFreqPPM: initialFreqPPM,
		drift:       initialFreqPPM,
		filter:      newSpikeFilter(),
	}
}

// ForceStepNext makes the next accepted correction apply as a step
// regardless of its size, for an operator-triggered make-step request.
func (s *Servo) ForceStepNext() { s.forceStep = true }

// SyncInterval informs the servo of the current polling interval in
// seconds, re-deriving the PI gains for that interval.
func (s *Servo) SyncInterval(seconds float64) {
	s.syncInterval = seconds
	s.resyncGains()
}

func (s *Servo) resyncGains() {
	if s.syncInterval == 0 {
		return
	}
	kpScale, kiScale := s.cfg.KpScale, s.cfg.KiScale
	if s.syncInterval > 16 {
		kpScale, kiScale = s.cfg.KpScaleLow, s.cfg.KiScaleLow
	}
	s.kp = kpScale
	if s.kp > s.cfg.KpNormMax/s.syncInterval {
		s.kp = s.cfg.KpNormMax / s.syncInterval
	}
	s.ki = kiScale
	if s.ki > s.cfg.KiNormMax/s.syncInterval {
		s.ki = s.cfg.KiNormMax / s.syncInterval
	}
}

// IsSpike reports whether offset should be discarded as a transient
// spike rather than fed to Sample, and handles the servo reset that
// follows too many consecutive rejections.
func (s *Servo) IsSpike(offset float64) bool {
	if s.count < 2 {
		return false
	}
	switch s.filter.classify(offset, s.lastCorrection) {
	case filterSpike:
		s.lastFreqPPM = s.filter.freqMean
		s.filter.skippedCount++
		return true
	case filterReset:
		s.lastFreqPPM = s.filter.freqMean
		s.count = 0
		s.drift = 0
		s.filter.reset()
		log.Warning("localclock: servo reset after too many rejected samples")
		return true
	default:
		return false
	}
}

// Sample feeds a new offset (seconds, positive means the local clock is
// behind the reference) at local monotonic time at, and returns the
// frequency correction to apply along with what the caller should do
// with it.
func (s *Servo) Sample(offset float64, at time.Time) (freqPPM float64, action Action) {
	ppb := s.lastFreqPPM
	absOffset := math.Abs(offset)
	action = ActionInit

	switch s.count {
	case 0:
		s.offset[0], s.at[0] = offset, at
		s.count = 1
	case 1:
		s.offset[1], s.at[1] = offset, at
		if !s.at[1].After(s.at[0]) {
			s.count = 0
			break
		}
		elapsed := s.at[1].Sub(s.at[0]).Seconds()
		minInterval := 0.016 / nonZero(s.ki)
		if minInterval > 1000 {
			minInterval = 1000
		}
		if elapsed < minInterval {
			log.Warning("localclock: Sample called too often for the current gains")
			break
		}
		s.drift += (1e6 - s.drift) * (s.offset[1] - s.offset[0]) / elapsed / 1e6 * 1e6
		s.drift = clamp(s.drift, s.cfg.MaxFreqPPM)

		if s.forceStep ||
			(s.updatesDone < s.cfg.MakeStepLimit && s.cfg.FirstStepThreshold > 0 && absOffset > s.cfg.FirstStepThreshold) ||
			(s.cfg.StepThreshold > 0 && absOffset > s.cfg.StepThreshold) {
			action = ActionStep
		} else {
			action = ActionSlew
		}
		ppb = s.drift
		s.count = 2
	case 2:
		if s.forceStep ||
			(s.updatesDone < s.cfg.MakeStepLimit && s.cfg.FirstStepThreshold > 0 && absOffset > s.cfg.FirstStepThreshold) ||
			(s.cfg.StepThreshold != 0 && absOffset > s.cfg.StepThreshold) {
			s.count = 0
			s.filter.reset()
			action = ActionStep
			break
		}
		action = ActionSlew
		kiTerm := s.ki * offset
		ppb = s.kp*offset + s.drift + kiTerm
		if clamped := clamp(ppb, s.cfg.MaxFreqPPM); clamped != ppb {
			ppb = clamped
		} else {
			s.drift += kiTerm
		}
	}

	s.lastFreqPPM = ppb
	if action == ActionSlew {
		s.filter.sample(filterSample{offset: offset, freq: ppb})
		s.filter.skippedCount = 0
		s.lastCorrection = at
	}
	if action != ActionInit {
		s.updatesDone++
		s.forceStep = false
	}
	return ppb, action
}

// Unlock resets the servo to its initial, fast-converging state —
// called after an external step (e.g. a manual time set) invalidates
// the current frequency estimate.
func (s *Servo) Unlock() {
	s.count = 0
	s.filter.reset()
}

func clamp(v, bound float64) float64 {
	if v < -bound {
		return -bound
	}
	if v > bound {
		return bound
	}
	return v
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1e-9
	}
	return v
}
