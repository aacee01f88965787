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

package selector

import (
	"math"
	"sort"
	"time"
)

// Handle is a stable, small integer identifying a source across the
// registry, the statistics package and the protocol engine — sources are
// never passed around as pointers (see the scheduler's "no pointer
// graphs" invariant).
type Handle int

// LeapVote is the leap-second announcement a source is currently
// reporting in its replies, if any.
type LeapVote uint8

// Leap votes a source can currently be reporting.
const (
	LeapVoteNone LeapVote = iota
	LeapVoteInsert
	LeapVoteDelete
)

// Candidate is everything the selector needs to know about one source on
// a given pass. Callers assemble this from sourcestats.SelectionData plus
// engine-level reachability/configuration state.
type Candidate struct {
	Handle Handle

	// Selectable is false for sources administratively excluded from
	// selection (e.g. "noselect" in their directive) — they are still
	// polled and reported, just never chosen.
	Selectable bool
	// Preferred marks a source configured as preferred; a preferred
	// survivor is chosen over a non-preferred one of otherwise equal
	// standing.
	Preferred bool
	// RefClock marks a source as a local reference clock rather than a
	// network peer; network peers alone carry the reselect_distance
	// scoring penalty, since oscillating between two refclocks is not a
	// concern a network round trip can introduce.
	RefClock bool

	Stratum    uint8
	Reachable  bool
	LastUpdate time.Time
	MinSamples int

	Offset         float64
	EstimatedError float64
	Dispersion     float64
	RootDelay      float64
	RootDispersion float64
	NSamples       int

	// FreqPPM and SkewPPM are the source's current frequency estimate
	// and its uncertainty, used by the combining step's
	// frequency-outlier check.
	FreqPPM float64
	SkewPPM float64

	// SelectOK mirrors sourcestats.SelectionData.SelectOK: false means
	// there are too few samples for a trustworthy regression, and the
	// source is BAD_STATS regardless of NSamples.
	SelectOK bool

	// Leap is the leap-second announcement this source is currently
	// reporting.
	Leap LeapVote
}

// rootDistance is half the root delay plus the root dispersion plus this
// source's own dispersion — the standard NTP "distance" metric used to
// prefer closer, tighter sources.
func (c Candidate) rootDistance() float64 {
	return c.RootDelay/2 + c.RootDispersion + c.Dispersion
}

// distance is the scoring distance: root distance plus a penalty for
// being above the lowest surviving stratum, plus (for network peers
// only) a fixed reselect penalty that damps oscillation between two
// otherwise-similar sources.
func (c Candidate) distance(minStratum uint8, cfg Config) float64 {
	d := c.rootDistance() + float64(int(c.Stratum)-int(minStratum))*cfg.StratumWeight
	if !c.RefClock {
		d += cfg.ReselectDistance
	}
	return d
}

// Config bounds the selection algorithm's behavior.
type Config struct {
	// StaleAfter is how long a source may go without a fresh sample
	// before it is excluded as stale.
	StaleAfter time.Duration
	// MinSurvivors is the minimum number of candidates required to
	// proceed past the intersection step.
	MinSurvivors int
	// StratumWeight is the scoring distance added per stratum above the
	// lowest surviving stratum.
	StratumWeight float64
	// ReselectDistance is the fixed scoring penalty added to network
	// peers, damping oscillation between two near-identical sources.
	ReselectDistance float64
	// CombineLimit bounds both how much worse than the selected
	// source's distance, and how far in frequency from the selected
	// source's frequency, a source may be and still join the combined
	// estimate.
	CombineLimit float64
	// MaxClockError is the assumed worst-case local oscillator error in
	// PPM, added to the frequency combining window.
	MaxClockError float64
	// DistantHoldDown is the number of subsequent passes a source stays
	// DISTANT once excluded from combining, so it doesn't flap in and
	// out of the combined estimate on every update.
	DistantHoldDown int
	// ScoreLimit is how far a competitor's score must exceed the
	// currently selected source's before selection actually moves.
	ScoreLimit float64
}

// DefaultConfig matches the chrony-derived defaults this selector's
// bounds are modeled on.
func DefaultConfig() Config {
	return Config{
		StaleAfter:       512 * time.Second,
		MinSurvivors:     1,
		StratumWeight:    1e-3,
		ReselectDistance: 4e-4,
		CombineLimit:     3,
		MaxClockError:    1,
		DistantHoldDown:  4,
		ScoreLimit:       10,
	}
}

// Result is one candidate's outcome after a Select pass.
type Result struct {
	Handle Handle
	Status Status
}

// Combined is the system-level estimate derived from the selected
// sources.
type Combined struct {
	Offset   float64
	Error    float64
	FreqPPM  float64
	SkewPPM  float64
	Stratum  uint8
	Leap     LeapVote
	Selected []Handle
}

// Selector runs the selection algorithm over successive snapshots of
// candidates. Unlike a single pass, a Selector persists the currently
// selected source and the pairwise score history across calls, which is
// what gives the scoring step its hysteresis: a competitor has to beat
// the incumbent by more than ScoreLimit, not just edge it out once.
type Selector struct {
	cfg Config

	hasSelected bool
	selected    Handle
	scores      map[Handle]float64
	distantFor  map[Handle]int
}

// New creates a Selector with cfg.
func New(cfg Config) *Selector {
	return &Selector{cfg: cfg, scores: map[Handle]float64{}, distantFor: map[Handle]int{}}
}

// Select is a convenience for a one-off pass with no persisted state
// across calls — every candidate starts unselected and score-free. Most
// callers should hold a *Selector across the daemon's lifetime instead,
// so the scoring hysteresis actually has history to work with.
func Select(cfg Config, candidates []Candidate, now time.Time) ([]Result, Combined) {
	return New(cfg).Select(candidates, now)
}

// Select runs the full algorithm and returns a status per candidate plus
// the combined estimate from whichever candidates end up StatusSelected.
// now is the time the pass is evaluated at.
func (sel *Selector) Select(candidates []Candidate, now time.Time) ([]Result, Combined) {
	cfg := sel.cfg
	statuses := make(map[Handle]Status, len(candidates))

	// Step 1: administratively unselectable sources never proceed.
	var alive []Candidate
	for _, c := range candidates {
		if !c.Selectable {
			statuses[c.Handle] = StatusUnselectable
			continue
		}
		alive = append(alive, c)
	}

	// Step 2: sources without enough samples, or whose regression
	// never settled, can't be trusted with a vote.
	var withStats []Candidate
	for _, c := range alive {
		if !c.SelectOK {
			statuses[c.Handle] = StatusBadStats
			continue
		}
		if c.NSamples < max(3, c.MinSamples) {
			statuses[c.Handle] = StatusWaitsStats
			continue
		}
		withStats = append(withStats, c)
	}

	// Step 3: unreachable or stale sources are dropped from this
	// round's voting even though they remain configured.
	var ok []Candidate
	for _, c := range withStats {
		if !c.Reachable || (cfg.StaleAfter > 0 && now.Sub(c.LastUpdate) > cfg.StaleAfter) {
			statuses[c.Handle] = StatusStale
			continue
		}
		ok = append(ok, c)
	}

	if len(ok) == 0 {
		return finalize(candidates, statuses), Combined{}
	}

	// Steps 5-6: endpoint-scan intersection. Each OK source contributes
	// two endpoints, offset ± root_distance; the interval achieving the
	// greatest overlap depth is the "true" interval, provided a
	// majority of sources contribute to it.
	bestLo, bestHi, bestDepth := bestOverlapInterval(ok)
	if 2*bestDepth <= len(ok) {
		for _, c := range ok {
			statuses[c.Handle] = StatusFalseticker
		}
		return finalize(candidates, statuses), Combined{}
	}

	// Step 7: admission. A source survives if its own interval
	// overlaps the best interval at all; one that doesn't is
	// inconsistent with the majority and is a falseticker.
	var survivors []Candidate
	for _, c := range ok {
		d := c.rootDistance()
		lo, hi := c.Offset-d, c.Offset+d
		if lo <= bestHi && hi >= bestLo {
			survivors = append(survivors, c)
		} else {
			statuses[c.Handle] = StatusFalseticker
		}
	}

	if len(survivors) < cfg.MinSurvivors {
		for _, c := range survivors {
			statuses[c.Handle] = StatusWaitsSources
		}
		return finalize(candidates, statuses), Combined{}
	}

	// Step 9: leap vote. A strict majority of survivors reporting the
	// same pending leap second is adopted for the system as a whole.
	leap := leapVote(survivors)

	// Step 10: if any survivor is preferred, non-preferred survivors
	// are demoted out of the combining step (but still reported, not
	// discarded as falsetickers).
	havePreferred := false
	for _, c := range survivors {
		if c.Preferred {
			havePreferred = true
			break
		}
	}
	var candidatesForCombine []Candidate
	if havePreferred {
		for _, c := range survivors {
			if !c.Preferred {
				statuses[c.Handle] = StatusNonPreferred
				continue
			}
			candidatesForCombine = append(candidatesForCombine, c)
		}
	} else {
		candidatesForCombine = survivors
	}
	if len(candidatesForCombine) == 0 {
		return finalize(candidates, statuses), Combined{}
	}

	// Step 11: scoring with hysteresis. Distance folds in a stratum
	// penalty and (for network peers) a fixed reselect penalty; scores
	// persist and compound across passes so a marginally-better
	// competitor has to earn its win over several updates rather than
	// take over on a single good sample.
	minStratum := candidatesForCombine[0].Stratum
	for _, c := range candidatesForCombine {
		if c.Stratum < minStratum {
			minStratum = c.Stratum
		}
	}
	distances := make(map[Handle]float64, len(candidatesForCombine))
	for _, c := range candidatesForCombine {
		distances[c.Handle] = c.distance(minStratum, cfg)
	}

	// The currently selected source's own score is always pinned at 1;
	// only competitors' scores move, relative to it. This keeps a
	// challenger's score comparable to the ScoreLimit threshold instead
	// of to whatever the incumbent happened to score when it was first
	// chosen.
	_, selStillHere := distances[sel.selected]
	if !sel.hasSelected || !selStillHere {
		best := candidatesForCombine[0]
		for _, c := range candidatesForCombine {
			if distances[c.Handle] < distances[best.Handle] {
				best = c
			}
		}
		sel.selected = best.Handle
		sel.hasSelected = true
		sel.scores = map[Handle]float64{best.Handle: 1}
	} else {
		selDist := distances[sel.selected]
		var bestOther Candidate
		bestScore := -1.0
		haveOther := false
		for _, c := range candidatesForCombine {
			if c.Handle == sel.selected {
				continue
			}
			d := distances[c.Handle]
			if d <= 0 {
				d = 1e-9
			}
			prev := sel.scores[c.Handle]
			if prev <= 0 {
				prev = 1
			}
			score := math.Max(1, prev*selDist/d)
			sel.scores[c.Handle] = score
			if score > bestScore {
				bestScore = score
				bestOther = c
				haveOther = true
			}
		}
		if haveOther && bestScore > cfg.ScoreLimit {
			sel.selected = bestOther.Handle
			sel.scores = map[Handle]float64{bestOther.Handle: 1}
		}
	}
	selected, stillPresent := byHandleIn(candidatesForCombine, sel.selected)
	if !stillPresent {
		// The selected handle dropped out of this pass's combine set
		// entirely (e.g. demoted NONPREFERRED); fall back to the
		// closest remaining candidate for this pass's combined
		// estimate without disturbing sel.selected.
		selected = candidatesForCombine[0]
		for _, c := range candidatesForCombine {
			if distances[c.Handle] < distances[selected.Handle] {
				selected = c
			}
		}
	}

	// Step 13: combining. Sources within combine_limit of the selected
	// source's distance and frequency join the combined estimate; far
	// or frequency-outlier sources are held DISTANT for a hold-down
	// period rather than flapping in and out every pass.
	selDistance := distances[selected.Handle]
	var cluster []Candidate
	for _, c := range candidatesForCombine {
		if n := sel.distantFor[c.Handle]; n > 0 {
			statuses[c.Handle] = StatusDistant
			sel.distantFor[c.Handle] = n - 1
			continue
		}
		distOK := distances[c.Handle] <= cfg.CombineLimit*(cfg.ReselectDistance+selDistance)
		freqOK := math.Abs(c.FreqPPM-selected.FreqPPM) <= cfg.CombineLimit*(c.SkewPPM+selected.SkewPPM+cfg.MaxClockError)
		if distOK && freqOK {
			cluster = append(cluster, c)
		} else {
			statuses[c.Handle] = StatusDistant
			sel.distantFor[c.Handle] = cfg.DistantHoldDown
		}
	}
	if len(cluster) == 0 {
		cluster = []Candidate{selected}
	}

	combined := combine(cluster)
	combined.Stratum = minStratum
	combined.Leap = leap
	for _, c := range cluster {
		statuses[c.Handle] = StatusSelected
		combined.Selected = append(combined.Selected, c.Handle)
	}

	return finalize(candidates, statuses), combined
}

// byHandleIn finds h in candidates, if present.
func byHandleIn(candidates []Candidate, h Handle) (Candidate, bool) {
	for _, c := range candidates {
		if c.Handle == h {
			return c, true
		}
	}
	return Candidate{}, false
}

// leapVote adopts a pending leap second only if a strict majority of
// survivors currently report the same one.
func leapVote(survivors []Candidate) LeapVote {
	if len(survivors) == 0 {
		return LeapVoteNone
	}
	var insert, del int
	for _, c := range survivors {
		switch c.Leap {
		case LeapVoteInsert:
			insert++
		case LeapVoteDelete:
			del++
		}
	}
	switch {
	case 2*insert > len(survivors):
		return LeapVoteInsert
	case 2*del > len(survivors):
		return LeapVoteDelete
	default:
		return LeapVoteNone
	}
}

// finalize maps every original candidate to a status, defaulting
// anything the passes above didn't already set (shouldn't happen, but
// keeps the result total) to StatusWaitsUpdate.
func finalize(candidates []Candidate, statuses map[Handle]Status) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		st, ok := statuses[c.Handle]
		if !ok {
			st = StatusWaitsUpdate
		}
		results = append(results, Result{Handle: c.Handle, Status: st})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Handle < results[j].Handle })
	return results
}

type endpointTag uint8

const (
	tagLow endpointTag = iota
	tagHigh
)

type endpoint struct {
	value float64
	tag   endpointTag
}

// bestOverlapInterval scans the offset±root_distance intervals of
// candidates and returns the bounds and depth of the sub-interval
// covered by the most sources at once — the "true" interval the
// intersection algorithm admits sources against.
func bestOverlapInterval(candidates []Candidate) (lo, hi float64, depth int) {
	endpoints := make([]endpoint, 0, 2*len(candidates))
	for _, c := range candidates {
		d := c.rootDistance()
		endpoints = append(endpoints, endpoint{c.Offset - d, tagLow}, endpoint{c.Offset + d, tagHigh})
	}
	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].value != endpoints[j].value {
			return endpoints[i].value < endpoints[j].value
		}
		return endpoints[i].tag < endpoints[j].tag
	})

	cur, best := 0, 0
	var bestLo, bestHi float64
	for _, e := range endpoints {
		if e.tag == tagLow {
			cur++
			if cur > best {
				best = cur
				bestLo = e.value
				bestHi = e.value
			}
		} else {
			if cur == best {
				bestHi = e.value
			}
			cur--
		}
	}
	return bestLo, bestHi, best
}

// combine produces a root_distance-weighted offset average and a
// skew-weighted frequency average across the clustered survivors, the
// same shape as NTP's "combine" step.
func combine(cluster []Candidate) Combined {
	var offsetWeightSum, offsetSum float64
	var freqWeightSum, freqSum float64
	var skewInvSqSum float64
	for _, c := range cluster {
		ow := 1.0
		if d := c.rootDistance(); d > 0 {
			ow = 1 / d
		}
		offsetWeightSum += ow
		offsetSum += ow * c.Offset

		fw := 1.0
		if c.SkewPPM > 0 {
			fw = 1 / c.SkewPPM
			skewInvSqSum += 1 / (c.SkewPPM * c.SkewPPM)
		}
		freqWeightSum += fw
		freqSum += fw * c.FreqPPM
	}
	var combined Combined
	if offsetWeightSum > 0 {
		combined.Offset = offsetSum / offsetWeightSum
		combined.Error = 1 / offsetWeightSum
	}
	if freqWeightSum > 0 {
		combined.FreqPPM = freqSum / freqWeightSum
	}
	if skewInvSqSum > 0 {
		combined.SkewPPM = math.Sqrt(1 / skewInvSqSum)
	}
	return combined
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
