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
	"time"

	log "github.com/sirupsen/logrus"
)

// Applier is the kernel (or, in tests, a fake) interface Discipline
// drives. Kernel implements it on Linux.
type Applier interface {
	SetFrequency(ppm float64) error
	Step(now time.Time) error
}

// ChangeKind tells a Listener what kind of correction just happened.
type ChangeKind uint8

// Change kinds.
const (
	ChangeSlew ChangeKind = iota
	ChangeStep
)

// Listener is notified whenever the local clock is corrected, so
// dependents (source statistics, leap bookkeeping) can adjust their own
// bookkeeping to the new timebase.
type Listener interface {
	OnClockChange(kind ChangeKind, correction time.Duration, at time.Time)
}

// Discipline combines the PI servo with the kernel driver and a set of
// change listeners.
type Discipline struct {
	servo     *Servo
	applier   Applier
	listeners []Listener
}

// New builds a Discipline with the kernel Applier, starting from
// initialFreqPPM (typically loaded from the drift file by the caller).
func New(cfg Config, initialFreqPPM float64) *Discipline {
	return &Discipline{servo: NewServo(cfg, initialFreqPPM), applier: Kernel{}}
}

// NewWithApplier builds a Discipline over a caller-supplied Applier, for
// testing without touching the real kernel clock.
func NewWithApplier(cfg Config, initialFreqPPM float64, applier Applier) *Discipline {
	return &Discipline{servo: NewServo(cfg, initialFreqPPM), applier: applier}
}

// FrequencyPPM reports the servo's current frequency correction estimate,
// for periodic persistence to the drift file.
func (d *Discipline) FrequencyPPM() float64 { return d.servo.lastFreqPPM }

// AddListener registers l to be notified of future corrections.
func (d *Discipline) AddListener(l Listener) { d.listeners = append(d.listeners, l) }

// ForceStepNext makes the next correction apply as a step regardless of
// its size, for an operator-triggered make-step request.
func (d *Discipline) ForceStepNext() { d.servo.ForceStepNext() }

// SyncInterval forwards the current polling interval to the PI servo.
func (d *Discipline) SyncInterval(seconds float64) { d.servo.SyncInterval(seconds) }

// Correct applies offset (seconds, positive meaning the local clock is
// behind the reference) observed at local time at. It either steps the
// clock or adjusts the kernel frequency, and notifies listeners either
// way.
func (d *Discipline) Correct(offset float64, at time.Time) error {
	if d.servo.IsSpike(offset) {
		log.Debugf("localclock: rejecting spike offset %.6fs", offset)
		return nil
	}

	freqPPM, action := d.servo.Sample(offset, at)

	switch action {
	case ActionStep:
		target := at.Add(time.Duration(offset * float64(time.Second)))
		if err := d.applier.Step(target); err != nil {
			return err
		}
		d.servo.Unlock()
		d.notify(ChangeStep, time.Duration(offset*float64(time.Second)), at)
	case ActionSlew:
		if err := d.applier.SetFrequency(freqPPM); err != nil {
			return err
		}
		d.notify(ChangeSlew, time.Duration(offset*float64(time.Second)), at)
	case ActionInit:
		// Gathering the first sample; nothing to apply yet.
	}
	return nil
}

func (d *Discipline) notify(kind ChangeKind, correction time.Duration, at time.Time) {
	for _, l := range d.listeners {
		l.OnClockChange(kind, correction, at)
	}
}
