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

package trap

import (
	"fmt"
	"sync"

	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
)

// Handler processes a trapped Frame on the given logical CPU and returns the
// frame Dispatch should actually resume. Returning nil means "resume f
// unchanged" — the common case for a syscall or fault handler that only
// mutates f in place. A handler returns a different frame when it wants to
// switch context entirely, e.g. the timer tick handler handing back another
// thread's saved frame to implement preemption. It must not block: the
// caller runs with the traced thread stopped until it returns.
type Handler func(cpu int, f *Frame) *Frame

// SignalChecker is consulted by Dispatch after every trap that's about to
// return to user mode, so that a pending, unblocked signal can redirect the
// return path into a handler trampoline instead of back to the interrupted
// instruction. kernel wires the real implementation in; trap itself knows
// nothing about the signal subsystem's types, which keeps the two packages
// from importing each other.
type SignalChecker interface {
	// CheckAndDeliver inspects tid's pending/blocked state and, if a signal
	// is deliverable, rewrites f in place to divert to the handler. It
	// returns true if it did so.
	CheckAndDeliver(cpu int, tid int32, f *Frame) bool
}

var (
	mu       sync.RWMutex
	table    [256]Handler
	checker  SignalChecker
	fatalSet = map[Vector]bool{
		VectorDoubleFault:    true,
		VectorMachineCheck:   true,
		VectorInvalidTSS:     true,
		VectorSegmentNotPres: true,
		VectorStackFault:     true,
	}
)

// RegisterHandler installs h for vector, replacing any previous handler.
func RegisterHandler(vector Vector, h Handler) {
	mu.Lock()
	table[vector] = h
	mu.Unlock()
}

// RegisterSignalChecker installs the signal-delivery hook consulted on
// every return-to-user-mode path.
func RegisterSignalChecker(c SignalChecker) {
	mu.Lock()
	checker = c
	mu.Unlock()
}

// Dispatch is the single preemption seam every traced trap funnels through:
// it looks up the vector's handler, runs it, and — only if the frame that
// comes back is returning to user mode — gives the signal subsystem a
// chance to rewrite it before control actually resumes. It returns the
// frame the caller should resume: ordinarily f itself, but a different
// frame if the handler requested a context switch (the timer tick handler
// preempting onto another runnable thread, for instance). This is the one
// place a pending signal can redirect control flow, and the one place a
// handler can redirect it to a different thread entirely, because it's the
// one place the frame is still in hand instead of already restored.
func Dispatch(cpu int, tid int32, f *Frame) *Frame {
	mu.RLock()
	h := table[f.Vector]
	c := checker
	mu.RUnlock()

	if h == nil {
		if fatalSet[f.Vector] || !f.InUserMode() {
			klog.Fatalf("trap: unhandled vector %d in kernel-mode context (rip=%#x)", f.Vector, f.RIP)
		}
		klog.CPU(cpu).Warnf("trap: unhandled vector %d at user rip %#x", f.Vector, f.RIP)
		return f
	}

	resume := h(cpu, f)
	if resume == nil {
		resume = f
	}

	if resume.InUserMode() && c != nil {
		c.CheckAndDeliver(cpu, tid, resume)
	}
	return resume
}

// DispatchSyscall is the SYSCALL-path analogue of Dispatch: it runs fn (the
// kernel's syscall dispatcher, injected to avoid an import cycle between
// trap and kernel), then gives the signal subsystem the same
// return-to-user-mode opportunity to redirect sf before SYSRET.
func DispatchSyscall(cpu int, tid int32, sf *SyscallFrame, fn func(cpu int, tid int32, sf *SyscallFrame)) {
	if fn == nil {
		panic(fmt.Sprintf("trap: DispatchSyscall called with nil dispatcher on cpu %d", cpu))
	}
	fn(cpu, tid, sf)

	mu.RLock()
	c := checker
	mu.RUnlock()
	if c != nil {
		// The signal checker operates on Frame; a SyscallFrame is adapted
		// on the fly since the two share the same GPRegs and the checker
		// only needs RIP/RSP to build the delivery frame, both of which
		// the syscall return path already has in rcx and sf.RSP.
		shim := &Frame{
			GPRegs: sf.GPRegs,
			RIP:    sf.ReturnRIP(),
			RFLAGS: sf.ReturnRFLAGS(),
			RSP:    sf.RSP,
			CS:     0x3, // always returning to CPL3 on sysret
		}
		if c.CheckAndDeliver(cpu, tid, shim) {
			sf.GPRegs = shim.GPRegs
			sf.SetReturnRIP(shim.RIP)
			sf.SetReturnRFLAGS(shim.RFLAGS)
			sf.RSP = shim.RSP
		}
	}
}
