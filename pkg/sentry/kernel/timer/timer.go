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

// Package timer carries the two log-rate-limiting concerns the IRQ0 timer
// path and the page-fault path both need: how often the tick handler
// (kernel.handleTimerTick) is allowed to log, and how often a repeated
// identical SIGSEGV report for the same faulting task (kernel.handlePageFaultTrap)
// is allowed through, so a tight fault loop can't flood klog. It lives here
// rather than in trap or kernel/pagefault because rate limiting is an
// ambient concern shared by both call sites, not part of either path's
// core semantics.
package timer

import (
	"sync"

	"golang.org/x/time/rate"
)

// TickLimiter throttles diagnostic logging from the timer ISR: one log
// line per second is plenty for a tick handler that normally fires at
// 100Hz-1000Hz.
var TickLimiter = rate.NewLimiter(rate.Limit(1), 1)

// faultLimiters throttles repeated-fault logging per task, keyed by tid,
// so a page-fault loop against the same unmapped address doesn't produce
// one log line per fault.
var (
	faultMu       sync.Mutex
	faultLimiters = map[int32]*rate.Limiter{}
)

// AllowFaultLog reports whether a SIGSEGV report for tid may be logged
// right now, rate-limited to once every 200ms per task.
func AllowFaultLog(tid int32) bool {
	faultMu.Lock()
	l, ok := faultLimiters[tid]
	if !ok {
		l = rate.NewLimiter(5, 1) // 5Hz, burst 1
		faultLimiters[tid] = l
	}
	faultMu.Unlock()
	return l.Allow()
}

// ForgetTask drops tid's fault limiter, e.g. on process exit, so the map
// doesn't grow unbounded over a long-lived kernel's lifetime.
func ForgetTask(tid int32) {
	faultMu.Lock()
	delete(faultLimiters, tid)
	faultMu.Unlock()
}
