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
	"testing"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
	"github.com/ionkernel/sentry/pkg/sentry/trap"
)

func TestStateBlockedNeverCarriesKillOrStop(t *testing.T) {
	var s State
	s.SetBlocked(^uint64(0))
	if b := s.Blocked(); b&SIGKILL.bit() != 0 || b&SIGSTOP.bit() != 0 {
		t.Fatalf("SetBlocked let SIGKILL/SIGSTOP into the mask: %#x", b)
	}

	s.BlockMore(SIGKILL.bit() | SIGSTOP.bit() | SIGTERM.bit())
	if b := s.Blocked(); b&SIGKILL.bit() != 0 || b&SIGSTOP.bit() != 0 {
		t.Fatalf("BlockMore let SIGKILL/SIGSTOP into the mask: %#x", b)
	}
}

func TestStateDequeueClearsLowestDeliverableBit(t *testing.T) {
	var s State
	s.Raise(SIGUSR1) // 10
	s.Raise(SIGTERM) // 15
	s.Raise(SIGHUP)  // 1

	if n := s.Dequeue(); n != SIGHUP {
		t.Fatalf("Dequeue() = %d, want lowest-numbered SIGHUP (%d)", n, SIGHUP)
	}
	if p := s.Pending(); p&SIGHUP.bit() != 0 {
		t.Fatalf("dequeued signal's pending bit was not cleared: %#x", p)
	}
	if n := s.Dequeue(); n != SIGUSR1 {
		t.Fatalf("Dequeue() = %d, want SIGUSR1 (%d) next", n, SIGUSR1)
	}
	if n := s.Dequeue(); n != SIGTERM {
		t.Fatalf("Dequeue() = %d, want SIGTERM (%d) next", n, SIGTERM)
	}
	if n := s.Dequeue(); n != 0 {
		t.Fatalf("Dequeue() on an empty pending set = %d, want 0", n)
	}
}

func TestStateBlockedSignalNotDeliverable(t *testing.T) {
	var s State
	s.Raise(SIGTERM)
	s.BlockMore(SIGTERM.bit())
	if s.Deliverable() != 0 {
		t.Fatalf("blocked signal should not be deliverable")
	}
	s.UnblockSome(SIGTERM.bit())
	if n := s.Dequeue(); n != SIGTERM {
		t.Fatalf("unblocking should make SIGTERM deliverable again, got %d", n)
	}
}

func TestStateRaiseCoalesces(t *testing.T) {
	var s State
	s.Raise(SIGTERM)
	s.Raise(SIGTERM)
	if n := s.Dequeue(); n != SIGTERM {
		t.Fatalf("Dequeue() = %d, want SIGTERM", n)
	}
	if n := s.Dequeue(); n != 0 {
		t.Fatalf("a second Raise of the same signal should not queue a second instance, got %d", n)
	}
}

func TestStateHasPendingKill(t *testing.T) {
	var s State
	if s.HasPendingKill() {
		t.Fatalf("HasPendingKill true with nothing raised")
	}
	s.Raise(SIGKILL)
	if !s.HasPendingKill() {
		t.Fatalf("HasPendingKill false after raising SIGKILL")
	}
}

func TestHandlersRejectsKillAndStop(t *testing.T) {
	h := NewHandlers()
	for _, n := range []Num{SIGKILL, SIGSTOP} {
		if err := h.Set(n, Action{Handler: 0x1000}); err == nil {
			t.Errorf("Set(%d, ...) should be rejected", n)
		}
	}
}

func TestHandlersCloneIsIndependent(t *testing.T) {
	h := NewHandlers()
	h.Set(SIGTERM, Action{Handler: 0x1000})
	c := h.Clone()
	c.Set(SIGTERM, Action{Handler: 0x2000})

	orig, _ := h.Get(SIGTERM)
	cloned, _ := c.Get(SIGTERM)
	if orig.Handler != 0x1000 {
		t.Fatalf("mutating the clone mutated the original: %#x", orig.Handler)
	}
	if cloned.Handler != 0x2000 {
		t.Fatalf("clone did not take the new action: %#x", cloned.Handler)
	}
}

func TestHandlersResetOnExec(t *testing.T) {
	h := NewHandlers()
	h.Set(SIGTERM, Action{Handler: 0x1000})
	h.Set(SIGCHLD, Action{Handler: IGN})
	h.ResetOnExec()

	term, _ := h.Get(SIGTERM)
	if term.Handler != DFL {
		t.Fatalf("installed handler should revert to DFL on exec, got %#x", term.Handler)
	}
	chld, _ := h.Get(SIGCHLD)
	if chld.Handler != IGN {
		t.Fatalf("IGN disposition should survive exec, got %#x", chld.Handler)
	}
}

// newTestAddressSpace builds a one-page mapped, writable address space
// for BuildFrame/RestoreFrame to write a signal frame into.
func newTestAddressSpace(t *testing.T) (*mm.AddressSpace, *pgalloc.FrameTable, hostarch.Addr) {
	t.Helper()
	frames := pgalloc.NewFrameTable(64)
	as := mm.NewAddressSpace()
	f, err := frames.Alloc()
	if err != nil {
		t.Fatalf("allocating frame: %v", err)
	}
	const base = hostarch.Addr(0x7f0000001000)
	as.MapPage(base, uint64(f), hostarch.AccessType{Read: true, Write: true}, false)
	return as, frames, base + hostarch.Addr(hostarch.PageSize)
}

func TestBuildFrameAndRestoreFrameRoundTrip(t *testing.T) {
	as, frames, stackTop := newTestAddressSpace(t)

	var regs arch.GPRegs
	regs.RAX = 0x1111
	regs.RBX = 0x2222

	act := Action{Handler: 0x400000, Restorer: 0x500000}
	info := Siginfo{Signo: int32(SIGSEGV), Code: SEGV_MAPERR, Addr: 0x1000}
	const preRIP, preRSP, preRFLAGS, preMask = 0xabc, 0, 0x246, uint64(0x4)

	newSP, err := BuildFrame(as, frames, SIGSEGV, info, &regs, preRIP, uint64(stackTop), preRFLAGS, preMask, act)
	if err != nil {
		t.Fatalf("BuildFrame: %v", err)
	}
	if newSP == 0 || newSP >= uint64(stackTop) {
		t.Fatalf("new stack pointer %#x should sit below the original top %#x", newSP, stackTop)
	}
	if newSP%stackAlign != 0 {
		t.Fatalf("new stack pointer %#x is not 16-byte aligned", newSP)
	}

	gotRegs, gotRIP, gotRSP, gotRFLAGS, gotMask, err := RestoreFrame(as, frames, newSP)
	if err != nil {
		t.Fatalf("RestoreFrame: %v", err)
	}
	if gotRIP != preRIP {
		t.Fatalf("restored rip = %#x, want %#x", gotRIP, uint64(preRIP))
	}
	if gotRSP != uint64(stackTop) {
		t.Fatalf("restored rsp = %#x, want %#x", gotRSP, uint64(stackTop))
	}
	if gotRFLAGS != preRFLAGS {
		t.Fatalf("restored rflags = %#x, want %#x", gotRFLAGS, uint64(preRFLAGS))
	}
	if gotMask != preMask {
		t.Fatalf("restored mask = %#x, want %#x", gotMask, preMask)
	}
	if gotRegs.RAX != regs.RAX || gotRegs.RBX != regs.RBX {
		t.Fatalf("restored GPRs don't match: got rax=%#x rbx=%#x", gotRegs.RAX, gotRegs.RBX)
	}
}

func TestBuildFrameRefusesBelowSanityFloor(t *testing.T) {
	as, frames, _ := newTestAddressSpace(t)
	var regs arch.GPRegs
	_, err := BuildFrame(as, frames, SIGSEGV, Siginfo{}, &regs, 0, uint64(sanityFloor), 0, 0, Action{})
	if err == nil {
		t.Fatalf("expected BuildFrame to refuse a frame that would land at/below the sanity floor")
	}
}

// fakeProcess is a minimal Process for exercising CheckAndDeliver without a
// full kernel.Task.
type fakeProcess struct {
	handlers      *Handlers
	state         *State
	as            *mm.AddressSpace
	frames        *pgalloc.FrameTable
	exited        bool
	exitStatus    int
	stopped       bool
	continued     bool
}

func (p *fakeProcess) Handlers() *Handlers          { return p.handlers }
func (p *fakeProcess) State() *State                { return p.state }
func (p *fakeProcess) AddressSpace() *mm.AddressSpace { return p.as }
func (p *fakeProcess) Frames() *pgalloc.FrameTable   { return p.frames }
func (p *fakeProcess) Siginfo(n Num) Siginfo         { return Siginfo{Signo: int32(n)} }
func (p *fakeProcess) Exit(status int)               { p.exited = true; p.exitStatus = status }
func (p *fakeProcess) StopTask()                     { p.stopped = true }
func (p *fakeProcess) ContinueTask()                 { p.continued = true }

type fakeRegistry struct {
	p *fakeProcess
}

func (r *fakeRegistry) Lookup(tid int32) (Process, bool) {
	if tid != 1 {
		return nil, false
	}
	return r.p, true
}

func newFakeProcess(t *testing.T) *fakeProcess {
	t.Helper()
	as, frames, _ := newTestAddressSpace(t)
	return &fakeProcess{handlers: NewHandlers(), state: &State{}, as: as, frames: frames}
}

func TestCheckAndDeliverDefaultTerminates(t *testing.T) {
	p := newFakeProcess(t)
	p.state.Raise(SIGSEGV)
	m := NewManager(&fakeRegistry{p: p})

	f := &trap.Frame{RSP: uint64(0x7f0000002000), RIP: 0x1000}
	if !m.CheckAndDeliver(0, 1, f) {
		t.Fatalf("CheckAndDeliver should report true when it terminates the process")
	}
	if !p.exited || p.exitStatus != ExitStatus(SIGSEGV) {
		t.Fatalf("process should have exited with status %d, got exited=%v status=%d", ExitStatus(SIGSEGV), p.exited, p.exitStatus)
	}
}

func TestCheckAndDeliverIgnoredDefaultSkipped(t *testing.T) {
	p := newFakeProcess(t)
	p.state.Raise(SIGCHLD) // default action is Ignore
	m := NewManager(&fakeRegistry{p: p})

	f := &trap.Frame{RSP: uint64(0x7f0000002000), RIP: 0x1000}
	if m.CheckAndDeliver(0, 1, f) {
		t.Fatalf("an ignored default-action signal should not report a frame rewrite")
	}
	if p.exited {
		t.Fatalf("process should not exit for an ignored signal")
	}
}

func TestCheckAndDeliverInstalledHandler(t *testing.T) {
	p := newFakeProcess(t)
	p.handlers.Set(SIGTERM, Action{Handler: 0x400000})
	p.state.Raise(SIGTERM)
	m := NewManager(&fakeRegistry{p: p})

	f := &trap.Frame{RSP: uint64(0x7f0000002000), RIP: 0x1000}
	if !m.CheckAndDeliver(0, 1, f) {
		t.Fatalf("CheckAndDeliver should report true when it redirects into a handler")
	}
	if f.RIP != 0x400000 {
		t.Fatalf("rip after delivery = %#x, want handler address", f.RIP)
	}
	if f.GPRegs.RDI != uint64(SIGTERM) {
		t.Fatalf("rdi after delivery = %d, want signal number %d", f.GPRegs.RDI, SIGTERM)
	}
	if p.exited {
		t.Fatalf("process should not exit when a handler is installed")
	}
}
