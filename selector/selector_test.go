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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func baseCandidate(h Handle, offset, errEst float64) Candidate {
	return Candidate{
		Handle:         h,
		Selectable:     true,
		Reachable:      true,
		Stratum:        2,
		LastUpdate:     time.Now(),
		NSamples:       8,
		SelectOK:       true,
		Offset:         offset,
		EstimatedError: errEst,
		RootDelay:      0.01,
		RootDispersion: 0.001,
	}
}

func TestUnselectableNeverSurvives(t *testing.T) {
	c := baseCandidate(1, 0, 0.001)
	c.Selectable = false
	results, _ := Select(DefaultConfig(), []Candidate{c}, time.Now())
	require.Equal(t, StatusUnselectable, results[0].Status)
}

func TestWaitsStatsForFewSamples(t *testing.T) {
	c := baseCandidate(1, 0, 0.001)
	c.NSamples = 1
	results, _ := Select(DefaultConfig(), []Candidate{c}, time.Now())
	require.Equal(t, StatusWaitsStats, results[0].Status)
}

func TestBadStatsWhenRegressionNeverSettled(t *testing.T) {
	c := baseCandidate(1, 0, 0.001)
	c.SelectOK = false
	results, _ := Select(DefaultConfig(), []Candidate{c}, time.Now())
	require.Equal(t, StatusBadStats, results[0].Status)
}

func TestStaleSourceExcluded(t *testing.T) {
	c := baseCandidate(1, 0, 0.001)
	c.LastUpdate = time.Now().Add(-time.Hour)
	results, _ := Select(DefaultConfig(), []Candidate{c}, time.Now())
	require.Equal(t, StatusStale, results[0].Status)
}

func TestSingleGoodSourceSelected(t *testing.T) {
	c := baseCandidate(1, 0.002, 0.001)
	results, combined := Select(DefaultConfig(), []Candidate{c}, time.Now())
	require.Equal(t, StatusSelected, results[0].Status)
	require.InDelta(t, 0.002, combined.Offset, 1e-9)
}

func TestFalsetickerExcludedFromAgreement(t *testing.T) {
	agree1 := baseCandidate(1, 0.001, 0.0005)
	agree2 := baseCandidate(2, 0.0012, 0.0005)
	agree3 := baseCandidate(3, 0.0009, 0.0005)
	liar := baseCandidate(4, 5.0, 0.0005)

	results, combined := Select(DefaultConfig(), []Candidate{agree1, agree2, agree3, liar}, time.Now())

	byHandle := map[Handle]Status{}
	for _, r := range results {
		byHandle[r.Handle] = r.Status
	}
	require.Equal(t, StatusFalseticker, byHandle[4])
	require.Equal(t, StatusSelected, byHandle[1])
	require.InDelta(t, 0.001, combined.Offset, 0.001)
}

func TestPreferredSourceWinsOverNonPreferred(t *testing.T) {
	preferred := baseCandidate(1, 0.001, 0.0005)
	preferred.Preferred = true
	other := baseCandidate(2, 0.0011, 0.0005)

	results, combined := Select(DefaultConfig(), []Candidate{preferred, other}, time.Now())
	byHandle := map[Handle]Status{}
	for _, r := range results {
		byHandle[r.Handle] = r.Status
	}
	require.Equal(t, StatusSelected, byHandle[1])
	require.Equal(t, StatusNonPreferred, byHandle[2])
	require.Equal(t, []Handle{1}, combined.Selected)
}

// A higher-stratum source with worse root distance is weighted less in
// the combined estimate rather than excluded outright the way a flat
// stratum cutoff would: the combined offset sits closer to the
// lower-stratum source than a plain average of the two would.
func TestHigherStratumWeightedLessInCombine(t *testing.T) {
	lowStratum := baseCandidate(1, 0.0010, 0.001)
	lowStratum.Stratum = 1
	highStratum := baseCandidate(2, 0.0020, 0.0005)
	highStratum.Stratum = 3
	highStratum.RootDispersion = 0.004

	results, combined := Select(DefaultConfig(), []Candidate{lowStratum, highStratum}, time.Now())
	byHandle := map[Handle]Status{}
	for _, r := range results {
		byHandle[r.Handle] = r.Status
	}
	require.Equal(t, StatusSelected, byHandle[1])
	plainAverage := (0.0010 + 0.0020) / 2
	require.Less(t, combined.Offset, plainAverage)
}

// TestScoreHysteresisRequiresRepeatedWins reproduces the score
// hysteresis scenario: a challenger with a smaller distance than the
// incumbent needs several passes of compounding score, not just one,
// before it actually takes over selection.
func TestScoreHysteresisRequiresRepeatedWins(t *testing.T) {
	sel := New(DefaultConfig())
	now := time.Now()

	incumbent := baseCandidate(1, 0.001, 0.0005)
	incumbent.RootDelay = 0.02 // root distance 0.01
	incumbent.RootDispersion = 0
	challenger := baseCandidate(2, 0.0011, 0.0005)
	challenger.RootDelay = 0.01 // root distance 0.005
	challenger.RootDispersion = 0

	// Seed: incumbent is the only candidate this pass, so it is
	// selected outright.
	results, _ := sel.Select([]Candidate{incumbent}, now)
	require.Equal(t, StatusSelected, results[0].Status)

	// The challenger's distance advantage isn't enough to take over the
	// first time it appears.
	results, _ = sel.Select([]Candidate{incumbent, challenger}, now)
	byHandle := map[Handle]Status{}
	for _, r := range results {
		byHandle[r.Handle] = r.Status
	}
	require.Equal(t, StatusSelected, byHandle[1])
	require.Equal(t, Handle(1), sel.selected)

	// After enough passes for its score to compound past ScoreLimit,
	// the challenger takes over.
	var last []Result
	for i := 0; i < 5; i++ {
		last, _ = sel.Select([]Candidate{incumbent, challenger}, now)
	}
	byHandle = map[Handle]Status{}
	for _, r := range last {
		byHandle[r.Handle] = r.Status
	}
	require.Equal(t, StatusSelected, byHandle[2])
	require.Equal(t, Handle(2), sel.selected)
}
