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

package daemon

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreclock/ntpd/sched"
)

// channelBridge lets a goroutine that must block on I/O (a refclock
// driver's serial read, a DNS lookup) hand results to the
// single-threaded scheduler without either side touching shared mutable
// state: the goroutine sends on a buffered channel and writes one byte
// to a pipe; the scheduler polls the pipe's read end like any other fd
// and, once readable, drains the channel on its own goroutine.
type channelBridge[T any] struct {
	values chan T
	r, w   *os.File
}

func newChannelBridge[T any](capacity int) (*channelBridge[T], error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &channelBridge[T]{values: make(chan T, capacity), r: r, w: w}, nil
}

// send queues v and wakes the scheduler. Safe to call from any
// goroutine.
func (b *channelBridge[T]) send(v T) {
	b.values <- v
	if _, err := b.w.Write([]byte{0}); err != nil {
		log.Debugf("daemon: waking scheduler for channel bridge: %v", err)
	}
}

// register hooks the bridge's read end into loop, invoking onValue for
// every value queued since the last wakeup.
func (b *channelBridge[T]) register(loop *sched.Loop, onValue func(T)) {
	loop.RegisterFD(int(b.r.Fd()), func(time.Time) {
		buf := make([]byte, 64)
		if _, err := b.r.Read(buf); err != nil {
			log.Debugf("daemon: draining channel bridge wakeup: %v", err)
		}
		for {
			select {
			case v := <-b.values:
				onValue(v)
			default:
				return
			}
		}
	})
}

// close releases the bridge's pipe. The channel itself is left for the
// garbage collector once the sending goroutine exits.
func (b *channelBridge[T]) close() {
	b.r.Close()
	b.w.Close()
}
