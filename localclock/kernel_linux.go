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
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Kernel applies frequency and one-shot offset corrections to the
// system clock through the kernel's NTP discipline interface
// (adjtimex(2)).
type Kernel struct{}

// SetFrequency sets the kernel's PLL frequency offset, in parts per
// million.
func (Kernel) SetFrequency(ppm float64) error {
	t := unix.Timex{
		Modes:  unix.ADJ_FREQUENCY,
		Freq:   int64(ppm * 65536),
		Status: unix.STA_PLL,
	}
	_, err := unix.Adjtimex(&t)
	if err != nil {
		return fmt.Errorf("adjtimex set frequency: %w", err)
	}
	return nil
}

// Step sets the system clock directly to now, discarding any in-progress
// slew.
func (Kernel) Step(now time.Time) error {
	ts := unix.NsecToTimespec(now.UnixNano())
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return fmt.Errorf("clock_settime: %w", err)
	}
	return nil
}

// Offset returns the kernel's current estimate of the clock's offset and
// maximum error, as reported by adjtimex's read-only query mode.
func (Kernel) Offset() (offsetSeconds, maxErrorSeconds float64, err error) {
	t := unix.Timex{}
	if _, err = unix.Adjtimex(&t); err != nil {
		return 0, 0, fmt.Errorf("adjtimex query: %w", err)
	}
	return float64(t.Offset) / 1e6, float64(t.Maxerror) / 1e6, nil
}
