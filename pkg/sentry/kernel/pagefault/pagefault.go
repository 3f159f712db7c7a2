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

// Package pagefault classifies a page fault into demand paging,
// copy-on-write, synchronous SIGSEGV, or a terminal kernel-mode fault. The
// caller has already reduced the hardware's cr2 and error code down to
// three booleans (present, write, instruction-fetch) before calling Handle,
// since this port has no cr2/error-code register of its own to read them
// from.
package pagefault

import (
	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/signal"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/smp"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

// Faulter is the per-task view this package needs: its address space, the
// process-wide frame allocator, its pending-signal state, and a place to
// stash the Siginfo a synthesized SIGSEGV carries. kernel.Task implements
// this directly, the same "accept an interface, not a concrete *Task" split
// package trap and signal already use to avoid an import cycle back into
// kernel.
type Faulter interface {
	AddressSpace() *mm.AddressSpace
	Frames() *pgalloc.FrameTable
	State() *signal.State
	SetSiginfo(n signal.Num, info signal.Siginfo)
}

// Outcome is what Handle did with a fault.
type Outcome int

const (
	// Resolved means the faulting instruction can be re-executed and will
	// now succeed.
	Resolved Outcome = iota
	// Signaled means a SIGSEGV was queued on the faulting task; whether it
	// is delivered to a handler or kills the process is decided at the
	// next transition to user mode by the signal core, not here.
	Signaled
	// Fatal means the fault happened in kernel-mode context; the caller must
	// log and halt rather than resume the faulting task. A frame-allocation
	// failure on a user-mode fault is reported as Signaled, not Fatal.
	Fatal
)

// Handle resolves a page fault in one of four ways, tried in order: a
// kernel-mode fault is always fatal; a not-present fault either demand-pages
// a valid VMA or signals; a present write fault against a CoW-downgraded
// private mapping resolves by copying or upgrading in place; everything
// else is a genuine protection violation. addr is the faulting address
// (cr2 on real hardware); write and instrFetch report the access kind;
// present reports whether the hardware error code's P bit was set (a
// protection violation on an already-mapped page) as opposed to a
// not-present fault.
func Handle(t Faulter, userMode bool, addr hostarch.Addr, write, present, instrFetch bool) Outcome {
	if !userMode {
		klog.Errorf("pagefault: kernel-mode fault at %#x (present=%v write=%v fetch=%v)", addr, present, write, instrFetch)
		return Fatal
	}

	as := t.AddressSpace()
	vma := as.Find(addr)

	if !present {
		// Path 1: user, not-present -> demand paging.
		if vma == nil {
			raiseSegv(t, addr, signal.SEGV_MAPERR)
			return Signaled
		}
		needed := neededAccess(write, instrFetch)
		if !vma.Perms.SupersetOf(needed) {
			raiseSegv(t, addr, signal.SEGV_ACCERR)
			return Signaled
		}
		frame, err := t.Frames().Alloc()
		if err != nil {
			klog.Warnf("pagefault: demand page alloc failed at %#x: %v", addr, err)
			raiseSegv(t, addr, signal.SEGV_ACCERR)
			return Signaled
		}
		as.MapPage(addr, uint64(frame), vma.Perms, vma.Flags.Private)
		return Resolved
	}

	if write {
		// Path 2: user, present, write, write-protected -> CoW.
		frame, perms, private, ok := as.Translate(addr)
		if ok && private && !perms.Write && vma != nil && vma.Perms.Write {
			rc := t.Frames().RefCount(pgalloc.FrameID(frame))
			if rc >= 2 {
				newFrame, err := t.Frames().CopyOnWrite(pgalloc.FrameID(frame))
				if err != nil {
					klog.Warnf("pagefault: CoW copy failed at %#x: %v", addr, err)
					raiseSegv(t, addr, signal.SEGV_ACCERR)
					return Signaled
				}
				as.MapPage(addr, uint64(newFrame), vma.Perms, vma.Flags.Private)
			} else {
				// refcount == 1: upgrade in place, no copy.
				as.MapPage(addr, uint64(frame), vma.Perms, vma.Flags.Private)
			}
			as.Invalidate(addr)
			if err := smp.TLBShootdown(uint64(addr)); err != nil {
				klog.Warnf("pagefault: TLB shootdown for %#x failed: %v", addr, err)
			}
			return Resolved
		}
	}

	// Path 3: everything else is a genuine protection violation.
	code := signal.SEGV_ACCERR
	if vma == nil {
		code = signal.SEGV_MAPERR
	}
	raiseSegv(t, addr, code)
	return Signaled
}

func neededAccess(write, instrFetch bool) hostarch.AccessType {
	if instrFetch {
		return hostarch.AccessType{Execute: true}
	}
	if write {
		return hostarch.AccessType{Write: true}
	}
	return hostarch.AccessType{Read: true}
}

func raiseSegv(t Faulter, addr hostarch.Addr, code int32) {
	t.SetSiginfo(signal.SIGSEGV, signal.Siginfo{Code: code, Addr: uint64(addr)})
	t.State().Raise(signal.SIGSEGV)
}
