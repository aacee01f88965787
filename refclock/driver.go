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

package refclock

import "time"

// Sample is one time reading from a reference clock driver, already
// converted to an offset against the local clock the way a network
// source's T1-T4 exchange would produce one, but with no round-trip
// delay to measure — refclock.Sample.Dispersion carries the driver's
// own stated accuracy instead.
type Sample struct {
	Offset     float64
	Dispersion float64
	At         time.Time
}

// Driver is one reference clock source. Poll blocks until a sample
// is available or the driver hits an unrecoverable error; the caller
// (the sourcedir/engine glue) is expected to call it from its own
// goroutine, since most drivers block on serial or device I/O.
type Driver interface {
	// Poll blocks until the next sample is ready.
	Poll() (Sample, error)
	// Stratum is the stratum this driver claims for itself — 0 for a
	// primary reference like GPS, matching RFC 5905's stratum-1-server
	// convention of the server itself being one stratum above its
	// refclock.
	Stratum() uint8
	// Close releases the underlying device.
	Close() error
}
