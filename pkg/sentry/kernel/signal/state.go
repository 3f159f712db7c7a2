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

package signal

import "sync/atomic"

// killStopMask has the SIGKILL and SIGSTOP bits set; every write to
// blocked is ANDed with its complement so those two bits are always zero —
// SIGKILL and SIGSTOP can never be blocked.
const killStopMask = uint64(0) | (1 << (uint(SIGKILL) - 1)) | (1 << (uint(SIGSTOP) - 1))

// State is the per-thread pending/blocked bitmap pair, manipulated with
// lock-free atomics: a dequeue's fetch-and-clear uses acquire/release
// ordering so observing the bit clear means no duplicate delivery.
type State struct {
	pending atomic.Uint64
	blocked atomic.Uint64
}

// Raise sets n's pending bit, coalescing with any already-pending instance
// of the same signal. This core does not count repeated real-time signal
// instances either, only coalesces them.
//
// atomic.Uint64 gained Or/And only in Go 1.23; this core targets 1.21, so
// every bitmap mutation below is a plain compare-and-swap retry loop
// instead.
func (s *State) Raise(n Num) {
	bit := n.bit()
	for {
		before := s.pending.Load()
		after := before | bit
		if before == after || s.pending.CompareAndSwap(before, after) {
			return
		}
	}
}

// Pending returns the raw pending bitmap.
func (s *State) Pending() uint64 { return s.pending.Load() }

// Blocked returns the raw blocked bitmap.
func (s *State) Blocked() uint64 { return s.blocked.Load() }

// SetBlocked overwrites the blocked mask, forcing the SIGKILL/SIGSTOP bits
// back to zero regardless of what the caller asked for.
func (s *State) SetBlocked(mask uint64) {
	s.blocked.Store(mask &^ killStopMask)
}

// BlockMore ORs additional bits into blocked (used by sigprocmask's
// SIG_BLOCK and by handler entry's mask-discipline step), again forcing
// SIGKILL/SIGSTOP to stay clear.
func (s *State) BlockMore(mask uint64) {
	mask &^= killStopMask
	for {
		before := s.blocked.Load()
		after := before | mask
		if before == after || s.blocked.CompareAndSwap(before, after) {
			return
		}
	}
}

// UnblockSome clears bits from blocked (sigprocmask's SIG_UNBLOCK).
func (s *State) UnblockSome(mask uint64) {
	for {
		before := s.blocked.Load()
		after := before &^ mask
		if before == after || s.blocked.CompareAndSwap(before, after) {
			return
		}
	}
}

// Deliverable returns the set of signals that are both pending and not
// blocked.
func (s *State) Deliverable() uint64 {
	return s.pending.Load() &^ s.blocked.Load()
}

// lowestBit returns the lowest set bit's 1-based signal number, or 0 if
// mask is zero.
func lowestBit(mask uint64) Num {
	if mask == 0 {
		return 0
	}
	for n := Num(1); n <= MaxSignal; n++ {
		if mask&n.bit() != 0 {
			return n
		}
	}
	return 0
}

// Dequeue atomically clears the lowest-numbered deliverable signal and
// returns it, or returns 0 if none is deliverable. The pending bit is
// always cleared atomically before the caller observes the signal number,
// so two concurrent dequeuers can never both see the same signal.
func (s *State) Dequeue() Num {
	for {
		deliverable := s.Deliverable()
		n := lowestBit(deliverable)
		if n == 0 {
			return 0
		}
		before := s.pending.Load()
		after := before &^ n.bit()
		if s.pending.CompareAndSwap(before, after) {
			return n
		}
		// Lost a race with a concurrent Raise/Dequeue; retry.
	}
}

// HasPendingKill reports whether SIGKILL is pending — the one signal that
// forces termination regardless of blocked state, since its bit can never
// be set in blocked to begin with.
func (s *State) HasPendingKill() bool {
	return s.pending.Load()&SIGKILL.bit() != 0
}
