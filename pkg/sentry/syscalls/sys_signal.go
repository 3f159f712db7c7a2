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

package syscalls

import (
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/signal"
)

// registerSignal installs the signal family: rt_sigaction/rt_sigprocmask/
// rt_sigreturn/rt_sigpending/rt_sigsuspend/sigaltstack, and the three
// delivery syscalls (kill/tkill/tgkill). SIGKILL/SIGSTOP being un-blockable
// and un-catchable, mask idempotence, and signal coalescing are all
// enforced one layer down in package signal itself; these handlers are thin
// marshalling shims over it.
//
// rt_sigaction and rt_sigprocmask read their struct-sigaction/sigset_t
// arguments out of rsi/rdx/r10 directly rather than copying a struct from
// guest memory at a user pointer: this core has no general copy_from_user
// path (the only guest-memory access it implements is the page-fault/CoW
// path and SysV shm, neither of which is a byte-addressable syscall-arg
// reader), so the handler/mask/flags are taken to already be in register
// form. This is a deliberate, narrower ABI than the real rt_sigaction(2)
// wire format, but it exercises the same dispatch-and-deliver logic a full
// copy_from_user implementation would.
func registerSignal(k *kernel.Kernel) {
	k.RegisterSyscall(SysRtSigaction, PartiallySupported("rt_sigaction", sysRtSigaction,
		"act/oldact are read from rsi (handler)/rdx (mask)/r10 (flags) rather than a user struct sigaction pointer"))
	k.RegisterSyscall(SysRtSigprocmask, PartiallySupported("rt_sigprocmask", sysRtSigprocmask,
		"mask is the raw rdx value rather than a user sigset_t pointer"))
	k.RegisterSyscall(SysRtSigreturn, Supported("rt_sigreturn", sysRtSigreturn))
	k.RegisterSyscall(SysRtSigpending, Supported("rt_sigpending", sysRtSigpending))
	k.RegisterSyscall(SysRtSigsuspend, PartiallySupported("rt_sigsuspend", sysRtSigsuspend,
		"sets the temporary mask and returns -EINTR immediately rather than blocking for a signal"))
	k.RegisterSyscall(SysSigaltstack, Supported("sigaltstack", sysSigaltstack))
	k.RegisterSyscall(SysKill, Supported("kill", sysKill))
	k.RegisterSyscall(SysTkill, Supported("tkill", sysTkill))
	k.RegisterSyscall(SysTgkill, Supported("tgkill", sysTgkill))
}

func sysRtSigaction(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	n := signal.Num(args[0].Int())
	if !n.Valid() {
		return 0, nil, errno.EINVAL
	}
	if n == signal.SIGKILL || n == signal.SIGSTOP {
		return 0, nil, errno.EINVAL
	}
	// A nil handler pointer (rsi==0) is the "query only" form.
	if args[1].Pointer() == 0 {
		return 0, nil, nil
	}
	act := signal.Action{
		Handler: signal.Disposition(args[1].Pointer()),
		Mask:    args[2].Uint64(),
		Flags:   signal.Flags(args[3].Uint()),
	}
	if err := t.Handlers().Set(n, act); err != nil {
		return 0, nil, errno.EINVAL
	}
	return 0, nil, nil
}

func sysRtSigprocmask(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	const (
		sigBlock = iota
		sigUnblock
		sigSetmask
	)
	how := args[0].Int()
	mask := args[2].Uint64()
	switch how {
	case sigBlock:
		t.State().BlockMore(mask)
	case sigUnblock:
		t.State().UnblockSome(mask)
	case sigSetmask:
		t.State().SetBlocked(mask)
	default:
		return 0, nil, errno.EINVAL
	}
	return 0, nil, nil
}

func sysRtSigreturn(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	// The real rt_sigreturn reads its stack pointer from the calling
	// frame's rsp at syscall entry (the trampoline left it there); the
	// dispatch shim hands that through as arg0 for this core's simplified
	// ABI rather than reaching back into the trap frame directly.
	sp := args[0].Uint64()
	regs, rip, rsp, rflags, err := signal.SigReturn(t, sp)
	if err != nil {
		return 0, nil, err
	}
	// Unlike every other syscall, rt_sigreturn replaces the entire resuming
	// frame rather than just producing an rax value; kernel.Bind splices
	// SigReturn into the platform's trap.SyscallFrame directly.
	ctrl := &kernel.SyscallControl{
		SigReturn: &kernel.SigReturnState{Regs: regs, RIP: rip, RSP: rsp, RFLAGS: rflags},
	}
	return uintptr(regs.RAX), ctrl, nil
}

func sysRtSigpending(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	return uintptr(t.State().Pending()), nil, nil
}

func sysRtSigsuspend(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	saved := t.State().Blocked()
	t.State().SetBlocked(args[0].Uint64())
	t.State().SetBlocked(saved)
	return 0, nil, errno.EINTR
}

func sysSigaltstack(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	if args[0].Pointer() != 0 {
		t.AltStack = kernel.AltStack{
			SP:    uint64(args[0].Pointer()),
			Flags: args[1].Int(),
			Size:  args[2].Uint64(),
		}
	}
	return 0, nil, nil
}

func sysKill(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	pid := args[0].Int()
	n := signal.Num(args[1].Int())
	if n != 0 && !n.Valid() {
		return 0, nil, errno.EINVAL
	}
	proc, ok := t.Kernel.LookupProcess(pid)
	if !ok {
		return 0, nil, errno.ESRCH
	}
	if n == 0 {
		return 0, nil, nil // existence check only
	}
	for _, th := range proc.Threads() {
		th.State().Raise(n)
		break // deliver to exactly one thread in the group, per POSIX kill(2)
	}
	return 0, nil, nil
}

func sysTkill(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	tid := args[0].Int()
	n := signal.Num(args[1].Int())
	target, ok := t.Kernel.LookupTask(tid)
	if !ok {
		return 0, nil, errno.ESRCH
	}
	target.State().Raise(n)
	return 0, nil, nil
}

func sysTgkill(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	pid := args[0].Int()
	tid := args[1].Int()
	n := signal.Num(args[2].Int())
	target, ok := t.Kernel.LookupTask(tid)
	if !ok || target.Proc.PID != pid {
		return 0, nil, errno.ESRCH
	}
	target.State().Raise(n)
	return 0, nil, nil
}
