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

//go:build linux && amd64
// +build linux,amd64

// Package ptrace binds a traced host process to the trap dispatch core:
// every ptrace-stop (syscall entry/exit, signal-delivery) is translated
// into a trap.SyscallFrame or trap.Frame and handed to trap.DispatchSyscall
// / trap.Dispatch, the two entry points a real ISR/SYSCALL stub would call
// into on actual hardware. This is the single biggest "keep the shape,
// change the substrate" move in this port: ptrace(2) stands in for
// SYSCALL/SYSRET MSR programming and the IDT.
package ptrace

import (
	"fmt"
	"os"
	"os/exec"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/smp"
	"github.com/ionkernel/sentry/pkg/sentry/percpu"
	"github.com/ionkernel/sentry/pkg/sentry/trap"
)

// SyscallDispatcher is the kernel's syscall dispatch entry point, injected
// at Stub construction to avoid this package importing kernel (kernel
// already imports trap; a cycle back the other way would follow if this
// package imported kernel directly).
type SyscallDispatcher func(cpu int, tid int32, sf *trap.SyscallFrame)

// tickPeriod is how often Run's ticker goroutine raises SIGALRM against the
// stub to stand in for a hardware IRQ0 timer interrupt, landing in the
// 100Hz-1000Hz range timer.TickLimiter's doc comment assumes.
const tickPeriod = 10 * time.Millisecond

// Stub is one traced subprocess: the host pid ptrace(2) controls, and the
// logical tid/cpu this core's trap dispatcher tags its frames with.
type Stub struct {
	pid int
	tid int32
	cpu int

	cmd *exec.Cmd
}

// Start forks and execs argv under ptrace. The stub's only job is to exist
// as a traced thread; there is no seccomp-BPF sandboxing of it in this
// port — it traces an ordinary exec'd child and relies on the syscall
// dispatch table itself, not a kernel-enforced filter, to reject
// unsupported syscalls, which is acceptable since nothing in this module
// executes untrusted code outside of tests.
func Start(tid int32, cpu int, argv []string) (*Stub, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ptrace: starting stub: %w", err)
	}

	s := &Stub{pid: cmd.Process.Pid, tid: tid, cpu: cpu, cmd: cmd}
	if err := s.waitGroupStop(); err != nil {
		cmd.Process.Kill()
		return nil, err
	}
	if err := unix.PtraceSetOptions(s.pid, unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_EXITKILL); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("ptrace: setting options: %w", err)
	}

	// This is the per-CPU block's boot-time init, run once per traced stub
	// since each one plays the role of one logical CPU coming online.
	// There's no real kernel stack to record (ptrace has nothing comparable
	// to switch rsp to), so KernelStackTop stays zero; the block exists for
	// SetCurrent, which the fault path needs to resolve a tid from a cpu
	// number.
	percpu.Register(cpu, 0).SetCurrent(tid)

	// This port has no per-CPU TLB cache to actually invalidate, so the
	// shootdown receiver just acknowledges; it exists so a cross-CPU
	// TLB-invalidation request (kernel/smp.TLBShootdown) has a real
	// registered target on every traced CPU, not just the one servicing
	// the fault that triggered it.
	smp.RegisterReceiver(cpu, func(cpu int, v smp.Vector) {
		if v == smp.IPITLBShootdown {
			klog.CPU(cpu).Debugf("acknowledged TLB shootdown IPI")
		}
	})
	return s, nil
}

// waitGroupStop blocks until the stub reaches its initial post-exec
// SIGTRAP stop, retrying the wait4 with backoff: exec's implicit
// PTRACE_TRACEME stop can take a few scheduler quanta to land on a loaded
// host.
func (s *Stub) waitGroupStop() error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(func() error {
		var ws unix.WaitStatus
		_, err := unix.Wait4(s.pid, &ws, 0, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("ptrace: waiting for stub stop: %w", err))
		}
		if !ws.Stopped() {
			return fmt.Errorf("ptrace: stub exited before reaching initial stop (status %v)", ws)
		}
		return nil
	}, b)
}

// Run is the trace loop: resume the stub through one syscall or signal
// stop at a time, translate it into the trap package's frame shape, and
// dispatch. It returns when the stub exits.
//
// There's no hardware to raise IRQ0 on a traced stub, so Run starts a
// ticker goroutine that periodically sends SIGALRM to the stub instead;
// handleSignalStop classifies that as trap.VectorIRQTimer the same way it
// classifies SIGSEGV as a page fault, which is what lets
// Kernel.handleTimerTick and the round-robin scheduler it drives actually
// preempt a running stub instead of only ever being reachable from tests.
func (s *Stub) Run(dispatch SyscallDispatcher) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.tick(stop)

	inSyscall := false
	for {
		if err := unix.PtraceSyscall(s.pid, 0); err != nil {
			return fmt.Errorf("ptrace: resuming stub: %w", err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(s.pid, &ws, 0, nil); err != nil {
			return fmt.Errorf("ptrace: waiting on stub: %w", err)
		}

		switch {
		case ws.Exited():
			klog.Task(s.tid).Debugf("stub exited status %d", ws.ExitStatus())
			return nil
		case ws.Signaled():
			klog.Task(s.tid).Debugf("stub killed by signal %v", ws.Signal())
			return nil
		case ws.Stopped() && ws.StopSignal() == unix.SIGTRAP|0x80:
			// Syscall-stop: PTRACE_O_TRACESYSGOOD tags these distinctly from
			// a plain SIGTRAP so they're never confused with a breakpoint.
			inSyscall = !inSyscall
			if inSyscall {
				if err := s.handleSyscallEntry(dispatch); err != nil {
					return err
				}
			}
		case ws.Stopped():
			if err := s.handleSignalStop(ws.StopSignal()); err != nil {
				return err
			}
		}
	}
}

// tick raises SIGALRM against the stub every tickPeriod until stop is
// closed, this port's substitute for a local APIC timer wired to IRQ0. A
// failed kill means the stub has already exited; Run's own wait4 loop will
// notice and return, so tick just stops trying rather than logging a race
// it can't do anything about.
func (s *Stub) tick(stop <-chan struct{}) {
	t := time.NewTicker(tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			unix.Kill(s.pid, unix.SIGALRM)
		}
	}
}

// handleSyscallEntry reads the stub's registers at syscall-entry-stop,
// builds a trap.SyscallFrame, and runs it through
// trap.DispatchSyscall(..., dispatch). Register edits dispatch makes
// (return value, redirected rip for a signal trampoline) are written back
// before resuming, exactly the "we still hold the frame instead of having
// already restored it" property Dispatch relies on.
func (s *Stub) handleSyscallEntry(dispatch SyscallDispatcher) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(s.pid, &regs); err != nil {
		return fmt.Errorf("ptrace: reading regs at syscall entry: %w", err)
	}

	sf := &trap.SyscallFrame{GPRegs: gpRegsFromPtrace(&regs), RSP: regs.Rsp}
	trap.DispatchSyscall(s.cpu, s.tid, sf, dispatch)
	ptraceFromGPRegs(&regs, &sf.GPRegs)
	regs.Rsp = sf.RSP

	if err := unix.PtraceSetRegs(s.pid, &regs); err != nil {
		return fmt.Errorf("ptrace: writing regs at syscall entry: %w", err)
	}
	return nil
}

// handleSignalStop classifies a non-syscall signal-delivery-stop into a
// trap.Frame and runs trap.Dispatch. SIGSEGV (VectorPageFault) and SIGALRM
// (VectorIRQTimer) reach registered handlers; every other delivered signal
// is tagged with the closest matching exception vector for logging
// purposes and falls through trap.Dispatch's unhandled-vector path, which
// logs a warning and resumes the frame unchanged without consulting the
// signal checker.
func (s *Stub) handleSignalStop(sig unix.Signal) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(s.pid, &regs); err != nil {
		return fmt.Errorf("ptrace: reading regs at signal stop: %w", err)
	}

	f := &trap.Frame{
		GPRegs: gpRegsFromPtrace(&regs),
		RIP:    regs.Rip,
		CS:     regs.Cs,
		RFLAGS: regs.Eflags,
		RSP:    regs.Rsp,
		SS:     regs.Ss,
	}

	switch sig {
	case unix.SIGSEGV:
		f.Vector = trap.VectorPageFault
		addr, code, err := s.faultInfo()
		if err == nil {
			f.GPRegs.RDI = uint64(addr) // cr2 equivalent, carried for the handler to read
			f.Error = uint64(code)
		}
	case unix.SIGFPE:
		f.Vector = trap.VectorDivideError
	case unix.SIGILL:
		f.Vector = trap.VectorInvalidOpcode
	case unix.SIGTRAP:
		f.Vector = trap.VectorBreakpoint
	case unix.SIGALRM:
		f.Vector = trap.VectorIRQTimer
	default:
		// Not one of this core's enumerated vectors; deliver it to the stub
		// unmodified rather than swallowing it.
		return unix.PtraceCont(s.pid, int(sig))
	}

	resume := trap.Dispatch(s.cpu, s.tid, f)
	ptraceFromGPRegs(&regs, &resume.GPRegs)
	regs.Rip, regs.Eflags, regs.Rsp = resume.RIP, resume.RFLAGS, resume.RSP
	if err := unix.PtraceSetRegs(s.pid, &regs); err != nil {
		return fmt.Errorf("ptrace: writing regs at signal stop: %w", err)
	}
	return nil
}

// sigfaultInfo is the portion of Linux's siginfo_t this core reads for a
// SIGSEGV: si_signo, si_errno, si_code (three 4-byte fields), then the
// _sigfault union member's si_addr at offset 16, per the x86-64 glibc
// siginfo_t layout.
type sigfaultInfo struct {
	Signo, Errno, Code int32
	_                  int32 // alignment pad before the union
	Addr               uint64
}

// faultInfo reads PTRACE_GETSIGINFO for the stub's pending SIGSEGV,
// returning the faulting address and si_code (SEGV_MAPERR for no mapping,
// SEGV_ACCERR for a permission violation) that pagefault.Handle's caller
// needs to classify the access. x/sys/unix has no typed wrapper for
// PTRACE_GETSIGINFO, so this issues the raw ptrace(2) syscall directly.
func (s *Stub) faultInfo() (addr uint64, code int32, err error) {
	var info sigfaultInfo
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO, uintptr(s.pid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
	if errno != 0 {
		return 0, 0, errno
	}
	return info.Addr, info.Code, nil
}

// gpRegsFromPtrace copies the fields this core tracks out of the full
// ptrace register set.
func gpRegsFromPtrace(r *unix.PtraceRegs) arch.GPRegs {
	return arch.GPRegs{
		RAX: r.Rax, RBX: r.Rbx, RCX: r.Rcx, RDX: r.Rdx,
		RSI: r.Rsi, RDI: r.Rdi, RBP: r.Rbp,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
	}
}

// ptraceFromGPRegs writes a possibly-edited GPRegs back into the ptrace
// register set in place, leaving rip/cs/rflags/rsp/ss (tracked separately
// by the caller) untouched.
func ptraceFromGPRegs(r *unix.PtraceRegs, g *arch.GPRegs) {
	r.Rax, r.Rbx, r.Rcx, r.Rdx = g.RAX, g.RBX, g.RCX, g.RDX
	r.Rsi, r.Rdi, r.Rbp = g.RSI, g.RDI, g.RBP
	r.R8, r.R9, r.R10, r.R11 = g.R8, g.R9, g.R10, g.R11
	r.R12, r.R13, r.R14, r.R15 = g.R12, g.R13, g.R14, g.R15
}

// Detach releases the stub, letting it run (or die) unobserved; used on
// this core's own process exit.
func (s *Stub) Detach() error {
	return unix.PtraceDetach(s.pid)
}
