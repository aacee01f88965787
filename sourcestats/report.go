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
	"time"
)

// SelectionData is what the selector needs from a source's statistics to
// run the intersection and clustering algorithms: the regression's
// offset endpoints projected to now, plus enough to judge staleness and
// confidence.
type SelectionData struct {
	Stratum uint8
	// LoOffset and HiOffset bound best_offset ± root_distance,
	// extrapolated to now using the current frequency estimate.
	LoOffset       float64
	HiOffset       float64
	LastSampleAge  time.Duration
	FirstSampleAge time.Duration
	Variance       float64
	// SelectOK is false if there are too few samples for a meaningful
	// regression; the source is BAD_STATS in that case.
	SelectOK bool
	// Leap is the most recent sample's reported leap indicator.
	Leap uint8
	// RootDelay and RootDispersion are the most recent sample's reported
	// root_delay/root_dispersion, carried through for the selector's
	// Candidate without a second regression call.
	RootDelay      float64
	RootDispersion float64
	// FreqPPM and SkewPPM are the regression's frequency estimate and its
	// uncertainty bound, needed by the selector's combine_limit check.
	FreqPPM float64
	SkewPPM float64
}

// TrackingData is the reporting shape exposed over the control surface,
// independent of the selector's own internal bookkeeping.
type TrackingData struct {
	ReferenceTime  time.Time
	Offset         float64
	OffsetSD       float64
	FreqPPM        float64
	SkewPPM        float64
	RootDelay      float64
	RootDispersion float64
}

// GetSelectionData returns the fields the selector consumes, projecting
// the current regression's offset to now and bounding it by the source's
// own root_distance (root_dispersion + |root_delay|/2).
func (s *Stats) GetSelectionData(now time.Time) SelectionData {
	if len(s.samples) == 0 {
		return SelectionData{}
	}
	reg, ok := s.DoNewRegression()
	if !ok {
		return SelectionData{}
	}
	offset := reg.PredictOffset(now)
	rootDistance := reg.RootDispersion + math.Abs(reg.RootDelay)/2
	return SelectionData{
		Stratum:        reg.Stratum,
		LoOffset:       offset - rootDistance,
		HiOffset:       offset + rootDistance,
		LastSampleAge:  now.Sub(s.samples[len(s.samples)-1].At),
		FirstSampleAge: now.Sub(s.samples[0].At),
		Variance:       reg.Variance,
		SelectOK:       true,
		Leap:           reg.Leap,
		RootDelay:      reg.RootDelay,
		RootDispersion: reg.RootDispersion,
		FreqPPM:        reg.FreqPPM,
		SkewPPM:        reg.SkewPPM,
	}
}

// GetTrackingData returns the fields exposed to control-surface
// reporting, projecting offset to now via the regression's frequency
// estimate.
func (s *Stats) GetTrackingData(now time.Time) TrackingData {
	reg, ok := s.DoNewRegression()
	if !ok {
		return TrackingData{}
	}
	return TrackingData{
		ReferenceTime:  reg.OffsetAt,
		Offset:         reg.PredictOffset(now),
		OffsetSD:       math.Sqrt(reg.Variance),
		FreqPPM:        reg.FreqPPM,
		SkewPPM:        reg.SkewPPM,
		RootDelay:      reg.RootDelay,
		RootDispersion: reg.RootDispersion,
	}
}
