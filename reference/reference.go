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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreclock/ntpd/localclock"
	"github.com/coreclock/ntpd/selector"
)

// LeapStatus is the daemon's overall leap-second posture, combining the
// NTP-wire vote (selector survivors' leap indicators) with advance
// knowledge from the system tzdata table.
type LeapStatus uint8

// Leap statuses.
const (
	LeapNormal LeapStatus = iota
	LeapPendingInsert
	LeapPendingDelete
	LeapInProgress
)

// SyncStatus is whether the daemon currently considers itself
// synchronized to an external reference.
type SyncStatus uint8

// Sync statuses.
const (
	Unsynchronized SyncStatus = iota
	Synchronized
)

// Reference combines the selector's output with the local clock
// discipline, producing the step/slew decisions and leap-second
// bookkeeping the rest of the daemon reports on.
type Reference struct {
	discipline *localclock.Discipline
	leaps      []UpcomingLeap

	sync       SyncStatus
	leapStatus LeapStatus
	stratum    uint8
	lastUpdate time.Time
}

// New builds a Reference driving discipline. Loading the system leap
// table is best-effort: if it fails (e.g. the "right" tzdata variant
// isn't installed), the daemon falls back to relying solely on the
// NTP-wire leap vote.
func New(discipline *localclock.Discipline) *Reference {
	r := &Reference{discipline: discipline, sync: Unsynchronized}
	if leaps, err := LoadSystemLeapSeconds(); err == nil {
		r.leaps = leaps
	} else {
		log.Debugf("reference: no system leap-second table available: %v", err)
	}
	return r
}

// Update applies the selector's combined estimate: it decides whether to
// step or slew (delegated to localclock), marks the daemon synchronized,
// and folds in the wire leap vote from the selected sources.
func (r *Reference) Update(combined selector.Combined, wireLeap uint8, at time.Time) error {
	if len(combined.Selected) == 0 {
		r.sync = Unsynchronized
		return nil
	}
	if err := r.discipline.Correct(combined.Offset, at); err != nil {
		return err
	}
	r.sync = Synchronized
	r.stratum = combined.Stratum + 1
	r.lastUpdate = at
	r.leapStatus = r.combineLeapStatus(wireLeap, at)
	return nil
}

// combineLeapStatus prefers the system tzdata table's advance knowledge
// of a scheduled leap second when available (so the daemon can announce
// it before any source starts voting for it), and falls back to the
// wire-reported leap indicator otherwise.
func (r *Reference) combineLeapStatus(wireLeap uint8, at time.Time) LeapStatus {
	if next, ok := NextLeap(r.leaps, at); ok {
		daysOut := next.At().Sub(at)
		if daysOut <= 0 {
			return LeapInProgress
		}
		if daysOut <= 24*time.Hour {
			if next.totalTAIOffset > 0 {
				return LeapPendingInsert
			}
			return LeapPendingDelete
		}
	}
	switch wireLeap {
	case 1:
		return LeapPendingInsert
	case 2:
		return LeapPendingDelete
	default:
		return LeapNormal
	}
}

// Status reports the daemon's current synchronization state, leap
// status, and effective stratum (one more than the best selected
// source's stratum, or 16/unsynchronized if nothing is selected).
func (r *Reference) Status() (sync SyncStatus, leap LeapStatus, stratum uint8, lastUpdate time.Time) {
	if r.sync == Unsynchronized {
		return Unsynchronized, r.leapStatus, 16, r.lastUpdate
	}
	return r.sync, r.leapStatus, r.stratum, r.lastUpdate
}
