// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sched defines the scheduling collaborator the timer tick path
// calls into: an interface kernel.Kernel holds by reference rather than
// implementing itself, plus the one concrete implementation this core
// needs to make that path exercisable (round-robin over whatever threads
// are runnable). It is deliberately not a real scheduling policy — no
// priorities, no CPU affinity, no load balancing — just enough to give the
// timer tick and the reschedule IPI something concrete to drive.
package sched

import (
	"sync"

	"github.com/ionkernel/sentry/pkg/sentry/trap"
)

// Scheduler picks the frame to resume on a timer tick. Returning nil means
// "no preemption, resume the interrupted frame" — the common case
// trap.Dispatch already handles by leaving f untouched; a Scheduler is
// only consulted for its return value when the caller wants to actually
// switch threads.
type Scheduler interface {
	OnTimerTick(cpu int) *trap.Frame

	// Add registers tid as runnable with its saved frame, for a later
	// OnTimerTick to hand back out.
	Add(tid int32, f *trap.Frame)
	// Remove drops tid from the runnable set, e.g. on exit or block.
	Remove(tid int32)
}

// RoundRobin is a minimal runnable-queue scheduler: each tick, if more than
// one thread is registered runnable, it returns the next thread's saved
// frame and re-queues the current one. It exists so kernel/smp's reschedule
// IPI and the timer path have something concrete to drive in tests, not as
// a faithful scheduling policy.
type RoundRobin struct {
	mu      sync.Mutex
	runnable []entry
	pos     int
}

type entry struct {
	tid   int32
	frame *trap.Frame
}

// NewRoundRobin returns an empty round-robin scheduler.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

// Add registers tid as runnable with its saved frame, for OnTimerTick to
// hand back out on some later tick. Called every time tid's resuming frame
// changes (e.g. after each syscall return), so a tid already in the
// runnable set has its frame replaced in place rather than growing a
// duplicate entry.
func (r *RoundRobin) Add(tid int32, f *trap.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.runnable {
		if e.tid == tid {
			r.runnable[i].frame = f
			return
		}
	}
	r.runnable = append(r.runnable, entry{tid: tid, frame: f})
}

// Remove drops tid from the runnable set, e.g. on exit or block.
func (r *RoundRobin) Remove(tid int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.runnable {
		if e.tid == tid {
			r.runnable = append(r.runnable[:i], r.runnable[i+1:]...)
			if r.pos > i {
				r.pos--
			}
			return
		}
	}
}

// OnTimerTick implements Scheduler: advance to the next runnable entry and
// return its frame, or nil if fewer than two threads are runnable (nothing
// useful to switch to).
func (r *RoundRobin) OnTimerTick(cpu int) *trap.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.runnable) < 2 {
		return nil
	}
	r.pos = (r.pos + 1) % len(r.runnable)
	return r.runnable[r.pos].frame
}
