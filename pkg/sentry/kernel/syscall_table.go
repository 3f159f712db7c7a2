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

package kernel

import (
	"context"

	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
	"github.com/ionkernel/sentry/pkg/sentry/unimpl"
)

// SigReturnState is the full register/flow-state rt_sigreturn(2) restores:
// unlike every other syscall, it doesn't just produce a return value, it
// replaces the resuming frame's general registers, rip, rsp and rflags
// wholesale. Dispatch surfaces it separately from the rax-only return path
// so the platform glue that owns the actual trap.SyscallFrame can splice it
// in before SYSRET.
type SigReturnState struct {
	Regs   arch.GPRegs
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
}

// maxSyscall bounds the rax-indexed dispatch table at the highest syscall
// number this core registers a handler for (prlimit64 at 302 is the
// highest, well past rt_sigreturn's 15). 512 leaves
// headroom for every family this core recognizes without the table being
// unreasonably sparse.
const maxSyscall = 512

// SupportLevel classifies how completely a registered syscall is
// implemented, mirroring the three-tier scheme pkg/sentry/syscalls/syscalls.go
// exposes as Supported/PartiallySupported/unimplemented.
type SupportLevel int

const (
	// SupportFull is a syscall whose behavior is fully modeled.
	SupportFull SupportLevel = iota
	// SupportPartial covers only the common case; callers exercising the
	// uncommon case get ENOSYS or an approximation, noted in Syscall.Note.
	SupportPartial
	// SupportNone is a recognized syscall number with a stub handler that
	// always returns an error, so the number is "known" (it won't be logged
	// as an unknown syscall) without implying it does anything.
	SupportNone
)

// SyscallControl carries the two kinds of syscall completion that aren't
// "return a value": a request to replace the calling thread's dispatch loop
// entirely (execve) or to tear it down (exit/exit_group), rather than a
// broader generic continuation mechanism no registered syscall needs.
type SyscallControl struct {
	// Exit, if true, means the calling task should stop being scheduled;
	// ExitStatus carries the code exit(2)/exit_group(2) requested.
	Exit       bool
	ExitStatus int

	// SigReturn, if non-nil, means the frame resuming to user mode should be
	// replaced wholesale with this state rather than just getting rax set
	// from the handler's return value; only rt_sigreturn's handler sets it.
	SigReturn *SigReturnState
}

// SyscallFn implements one syscall number's behavior: given the calling
// task and its six raw argument registers, it returns the value to load
// into rax on return (already negated for an error by the caller, per
// errno.FromError), plus optional control-flow instructions.
type SyscallFn func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error)

// Syscall is one dispatch-table entry: the implementing function plus the
// bookkeeping the syscalls package's constructor helpers (Supported,
// PartiallySupported, Error) fill in.
type Syscall struct {
	Name         string
	Fn           SyscallFn
	SupportLevel SupportLevel
	Note         string
}

// RegisterSyscall installs fn at nr in k's dispatch table. Called from
// package syscalls' family init functions (sys_file.go, sys_mm.go, ...)
// during Kernel construction.
func (k *Kernel) RegisterSyscall(nr uintptr, s Syscall) {
	if int(nr) >= len(k.table) {
		return
	}
	k.table[nr] = s
}

// Dispatch is the SYSCALL fast path's landing point: look up rax in the
// table, invoke the handler with the six argument registers, and
// return the raw rax value to load back (a negative errno on failure, the
// handler's own value on success), plus any control-flow instruction the
// handler produced (an exit, or rt_sigreturn's full frame replacement) for
// the platform glue to act on. An unregistered syscall number returns
// -ENOSYS and reports an unimplemented-syscall event, rather than panicking
// the dispatcher.
func (k *Kernel) Dispatch(t *Task, sysno uintptr, args arch.SyscallArguments) (int64, *SyscallControl) {
	if int(sysno) >= len(k.table) || k.table[sysno].Fn == nil {
		unimpl.EmitUnimplementedEvent(context.Background(), sysno)
		klog.Task(t.TID).Debugf("unimplemented syscall %d", sysno)
		return errno.ENOSYS.Negated(), nil
	}
	s := k.table[sysno]
	rv, ctrl, err := s.Fn(t, sysno, args)
	if ctrl != nil && ctrl.Exit {
		t.Exit(ctrl.ExitStatus)
	}
	if err != nil {
		return errno.FromError(err), ctrl
	}
	return int64(rv), ctrl
}
