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

import (
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
	"github.com/ionkernel/sentry/pkg/sentry/trap"
)

// Process is the view of a task the signal core needs to select and
// deliver a signal, without importing package kernel (which in turn
// depends on this package to build Handlers/State) — kernel.Task
// implements this directly.
type Process interface {
	Handlers() *Handlers
	State() *State
	AddressSpace() *mm.AddressSpace
	Frames() *pgalloc.FrameTable
	Siginfo(n Num) Siginfo

	// Exit applies a Terminate/CoreDump default action: the process exits
	// with the given wait(2) status.
	Exit(status int)
	// StopTask and ContinueTask apply the Stop/Continue default actions.
	StopTask()
	ContinueTask()
}

// Registry resolves a tid to the Process it belongs to. kernel.Kernel
// implements this over its task table.
type Registry interface {
	Lookup(tid int32) (Process, bool)
}

// Manager is the trap.SignalChecker wired into trap.Dispatch and
// trap.DispatchSyscall: the one place a syscall return or an
// interrupt-to-user-mode return actually runs signal selection and, for an
// installed handler, rewrites the resuming frame.
type Manager struct {
	reg Registry
}

// NewManager returns a Manager resolving processes through reg.
func NewManager(reg Registry) *Manager {
	return &Manager{reg: reg}
}

var _ trap.SignalChecker = (*Manager)(nil)

// CheckAndDeliver implements trap.SignalChecker. It loops over deliverable
// signals transparently applying Ignore/Stop/Continue, and returns true
// the moment it either rewrites f to enter a handler or terminates the
// process — both of which mean the caller's frame is no longer simply
// "resume where the trap happened".
func (m *Manager) CheckAndDeliver(cpu int, tid int32, f *trap.Frame) bool {
	p, ok := m.reg.Lookup(tid)
	if !ok {
		return false
	}
	st := p.State()

	for {
		n := st.Dequeue()
		if n == 0 {
			return false
		}

		act, err := p.Handlers().Get(n)
		if err != nil {
			klog.Task(tid).Warnf("signal: dequeued invalid signal %d: %v", n, err)
			continue
		}

		switch act.Handler {
		case IGN:
			continue
		case DFL:
			switch DefaultActionFor(n) {
			case ActIgnore:
				continue
			case ActStop:
				p.StopTask()
				return false
			case ActContinue:
				p.ContinueTask()
				continue
			default: // ActTerminate, ActCoreDump
				p.Exit(ExitStatus(n))
				return true
			}
		}

		// Installed handler: deliver.
		if m.deliverToHandler(tid, p, n, act, f) {
			return true
		}
		// Frame construction failed (stack sanity floor): fall back to the
		// signal's default action rather than leave the frame half-built.
		p.Exit(ExitStatus(n))
		return true
	}
}

func (m *Manager) deliverToHandler(tid int32, p Process, n Num, act Action, f *trap.Frame) bool {
	savedMask := p.State().Blocked()

	toBlock := act.Mask
	if act.Flags&SA_NODEFER == 0 {
		toBlock |= n.bit()
	}
	p.State().BlockMore(toBlock)

	if act.Flags&SA_RESETHAND != 0 {
		p.Handlers().Set(n, Action{})
	}

	info := p.Siginfo(n)
	regs := f.GPRegs
	newSP, err := BuildFrame(p.AddressSpace(), p.Frames(), n, info, &regs, f.RIP, f.RSP, f.RFLAGS, savedMask, act)
	if err != nil {
		klog.Task(tid).Warnf("signal: building frame for signal %d: %v", n, err)
		return false
	}

	// Handler entry ABI: rdi=signum, rsi=&info, rdx=&ucontext, rsp=new_sp,
	// rip=handler_address. &info and &ucontext are the addresses BuildFrame
	// wrote them at, which sit right after the trampoline word and Siginfo
	// respectively.
	regs.RDI = uint64(n)
	regs.RSI = newSP + 8
	regs.RDX = newSP + 8 + siginfoSize
	f.GPRegs = regs
	f.RIP = uint64(act.Handler)
	f.RSP = newSP
	return true
}

// SigReturn implements rt_sigreturn: read the UContext back from sp,
// restore the blocked mask, and return the pre-handler register state for
// the caller (the rt_sigreturn syscall handler) to splice back into
// whichever frame — SyscallFrame or Frame — is actually resuming.
func SigReturn(p Process, sp uint64) (regs arch.GPRegs, rip, rsp, rflags uint64, err error) {
	regs, rip, rsp, rflags, mask, err := RestoreFrame(p.AddressSpace(), p.Frames(), sp)
	if err != nil {
		return arch.GPRegs{}, 0, 0, 0, err
	}
	p.State().SetBlocked(mask)
	return regs, rip, rsp, rflags, nil
}
