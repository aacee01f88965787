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

// Package sched implements the daemon's single-threaded cooperative event
// loop: one dispatcher multiplexes readable file descriptors and a timer
// heap. No handler may block or spawn further dispatch loops; long-running
// work belongs in a goroutine that reports back through a registered fd.
package sched

import (
	"container/heap"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Class groups timers that must respect a minimum spacing between any two
// of their firings, so bursts of unrelated work don't collide on the same
// tick (e.g. every source's poll timer belongs to the same class).
type Class struct {
	// MinSpacing is the minimum gap enforced between two firings in this
	// class.
	MinSpacing time.Duration
	// Jitter is the maximum extra random delay added to a requested
	// deadline in this class.
	Jitter time.Duration

	lastFired time.Time
}

// HandlerFunc is invoked when a registered fd becomes readable. now is
// the loop's notion of the current time for this dispatch pass, the fd
// equivalent of what TimerFunc already gets — a handler that needs to
// stamp a sample no longer has to call time.Now() itself and risk
// drifting from the timers firing in the same pass.
type HandlerFunc func(now time.Time)

// TimerFunc is invoked when a timer expires. now is the loop's notion of
// the current time when the timer fired.
type TimerFunc func(now time.Time)

type fdHandler struct {
	fd      int
	handler HandlerFunc
	order   int
}

type timer struct {
	deadline time.Time
	class    *Class
	fn       TimerFunc
	order    int
	index    int
	canceled bool
}

// Timer is a handle to a scheduled timer, usable to cancel it before it
// fires.
type Timer struct{ t *timer }

// Cancel prevents a pending timer from firing. Canceling an already-fired
// or already-canceled timer is a no-op.
func (h Timer) Cancel() {
	if h.t != nil {
		h.t.canceled = true
	}
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].order < h[j].order
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop is the single-threaded scheduler. Zero value is not usable; build
// one with New.
type Loop struct {
	fds       []*fdHandler
	timers    timerHeap
	seq       int
	running   bool
	now       func() time.Time
	lastEvent time.Time
}

// New creates an empty Loop.
func New() *Loop {
	return &Loop{now: time.Now}
}

// RegisterFD adds fd to the set polled for readability. Handlers are
// dispatched in registration order when multiple fds are ready on the
// same pass.
func (l *Loop) RegisterFD(fd int, handler HandlerFunc) {
	l.seq++
	l.fds = append(l.fds, &fdHandler{fd: fd, handler: handler, order: l.seq})
}

// UnregisterFD removes fd from the poll set.
func (l *Loop) UnregisterFD(fd int) {
	for i, h := range l.fds {
		if h.fd == fd {
			l.fds = append(l.fds[:i], l.fds[i+1:]...)
			return
		}
	}
}

// After schedules fn to run approximately d from now, subject to class's
// minimum spacing and jitter. Equal-deadline timers fire in scheduling
// order.
func (l *Loop) After(d time.Duration, class *Class, fn TimerFunc) Timer {
	return l.At(l.now().Add(d), class, fn)
}

// At schedules fn to run at deadline, subject to class's constraints.
func (l *Loop) At(deadline time.Time, class *Class, fn TimerFunc) Timer {
	if class != nil {
		if earliest := class.lastFired.Add(class.MinSpacing); earliest.After(deadline) {
			deadline = earliest
		}
		if class.Jitter > 0 {
			deadline = deadline.Add(jitter(class.Jitter))
		}
	}
	l.seq++
	t := &timer{deadline: deadline, class: class, fn: fn, order: l.seq}
	heap.Push(&l.timers, t)
	return Timer{t: t}
}

// jitter returns a pseudo-random duration in [0, max). Timer jitter does
// not need a cryptographic source; math/rand's default source is seeded
// automatically since Go 1.20.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(pseudoRandInt63n(int64(max)))
}

// Run blocks, dispatching fd and timer events until ctx-like stop() (set
// via Stop) is called, or pollTimeout elapses with nothing ready, in
// which case Run simply loops again and recomputes the next deadline.
func (l *Loop) Run() error {
	l.running = true
	for l.running {
		if err := l.runOnce(); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests that Run return after completing any in-flight dispatch.
func (l *Loop) Stop() { l.running = false }

// runOnce performs exactly one poll-and-dispatch pass. It is exported
// indirectly via Run, and used directly by tests that want deterministic
// single-step control.
func (l *Loop) runOnce() error {
	timeout := l.pollTimeout()

	pfds := make([]unix.PollFd, len(l.fds))
	for i, h := range l.fds {
		pfds[i] = unix.PollFd{Fd: int32(h.fd), Events: unix.POLLIN}
	}

	n, err := unix.Poll(pfds, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	now := l.now()
	l.lastEvent = now

	if n > 0 {
		// Dispatch ready fds in registration order, per the loop's
		// documented determinism guarantee.
		for i, pfd := range pfds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				h := l.fds[i]
				log.Debugf("sched: dispatching fd %d", h.fd)
				h.handler(now)
			}
		}
	}

	l.fireExpiredTimers(now)
	return nil
}

// GetLastEventTime returns the loop's now() reading from its most recent
// dispatch pass, letting a handler or external reporter ask "as of when"
// without calling time.Now() itself and risking a value that disagrees
// with whatever the loop just used to fire timers.
func (l *Loop) GetLastEventTime() time.Time { return l.lastEvent }

// pollTimeout computes the unix.Poll timeout in milliseconds: -1 (block
// forever) if there are no timers, otherwise the time until the earliest
// one, floored at 0.
func (l *Loop) pollTimeout() int {
	if len(l.timers) == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > 1<<30 {
		return 1 << 30
	}
	return int(ms)
}

// fireExpiredTimers pops and runs every timer whose deadline has passed,
// in deadline order (ties broken by scheduling order, per the timerHeap
// ordering), matching the loop's fd-before-timer dispatch rule since this
// is always called after the fd pass above.
func (l *Loop) fireExpiredTimers(now time.Time) {
	var fired []*timer
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		if t.canceled {
			continue
		}
		if t.class != nil {
			t.class.lastFired = now
		}
		fired = append(fired, t)
	}
	for _, t := range fired {
		t.fn(now)
	}
}

// NumTimers reports the number of pending timers, for metrics and tests.
func (l *Loop) NumTimers() int { return len(l.timers) }

// NumFDs reports the number of registered fds, for metrics and tests.
func (l *Loop) NumFDs() int { return len(l.fds) }
