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

import "testing"

type fakeChecker struct {
	called   bool
	cpu      int
	tid      int32
	deliver  bool
}

func (c *fakeChecker) CheckAndDeliver(cpu int, tid int32, f *Frame) bool {
	c.called = true
	c.cpu = cpu
	c.tid = tid
	if c.deliver {
		f.RIP = 0xdead
	}
	return c.deliver
}

// resetGlobals clears package state between tests; RegisterHandler/
// RegisterSignalChecker only ever add to a process-wide table in
// production, so tests have to put it back the way they found it.
func resetGlobals(t *testing.T) {
	t.Helper()
	mu.Lock()
	table = [256]Handler{}
	checker = nil
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		table = [256]Handler{}
		checker = nil
		mu.Unlock()
	})
}

func TestDispatchUnhandledUserVectorWarnsAndResumes(t *testing.T) {
	resetGlobals(t)
	c := &fakeChecker{}
	RegisterSignalChecker(c)

	f := &Frame{Vector: VectorBreakpoint, CS: 0x3, RIP: 0x1000}
	got := Dispatch(0, 1, f)

	if got != f {
		t.Fatalf("Dispatch should resume f itself when no handler is registered")
	}
	if c.called {
		t.Fatalf("signal checker should not run when no handler is registered for the vector")
	}
	if f.RIP != 0x1000 {
		t.Fatalf("rip mutated on an unhandled, non-fatal vector: got %#x", f.RIP)
	}
}

func TestDispatchUnhandledFatalVectorPanics(t *testing.T) {
	resetGlobals(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected klog.Fatalf to panic on an unhandled fatal vector")
		}
	}()
	f := &Frame{Vector: VectorDoubleFault, CS: 0x0}
	Dispatch(0, 1, f)
}

func TestDispatchUnhandledKernelModeVectorPanics(t *testing.T) {
	resetGlobals(t)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected klog.Fatalf to panic on an unhandled vector trapped from kernel mode")
		}
	}()
	// CS's low two bits are 0, so InUserMode is false even though the
	// vector itself (breakpoint) isn't in fatalSet.
	f := &Frame{Vector: VectorBreakpoint, CS: 0x0}
	Dispatch(0, 1, f)
}

func TestDispatchRunsHandlerThenChecksSignalOnUserReturn(t *testing.T) {
	resetGlobals(t)
	var gotCPU int
	var gotFrame *Frame
	RegisterHandler(VectorPageFault, func(cpu int, f *Frame) *Frame {
		gotCPU = cpu
		gotFrame = f
		f.RIP = 0x2000
		return nil
	})
	c := &fakeChecker{deliver: true}
	RegisterSignalChecker(c)

	f := &Frame{Vector: VectorPageFault, CS: 0x3}
	got := Dispatch(7, 42, f)

	if gotCPU != 7 || gotFrame != f {
		t.Fatalf("handler did not receive the dispatched cpu/frame")
	}
	if got != f {
		t.Fatalf("Dispatch should resume f itself when the handler returns nil")
	}
	if !c.called || c.cpu != 7 || c.tid != 42 {
		t.Fatalf("signal checker not consulted with the right cpu/tid: called=%v cpu=%d tid=%d", c.called, c.cpu, c.tid)
	}
	if f.RIP != 0xdead {
		t.Fatalf("frame not rewritten by a delivering checker: rip=%#x", f.RIP)
	}
}

func TestDispatchReturnsHandlerSuppliedFrame(t *testing.T) {
	resetGlobals(t)
	other := &Frame{Vector: VectorPageFault, CS: 0x3, RIP: 0x3000}
	RegisterHandler(VectorPageFault, func(cpu int, f *Frame) *Frame {
		return other
	})
	c := &fakeChecker{}
	RegisterSignalChecker(c)

	f := &Frame{Vector: VectorPageFault, CS: 0x3}
	got := Dispatch(0, 1, f)

	if got != other {
		t.Fatalf("Dispatch should resume the frame the handler returned, not the original")
	}
	if c.cpu != 0 || c.tid != 1 {
		t.Fatalf("signal checker should still run against the returned frame")
	}
}

func TestDispatchSkipsSignalCheckInKernelMode(t *testing.T) {
	resetGlobals(t)
	RegisterHandler(VectorPageFault, func(cpu int, f *Frame) *Frame { return nil })
	c := &fakeChecker{deliver: true}
	RegisterSignalChecker(c)

	f := &Frame{Vector: VectorPageFault, CS: 0x0}
	Dispatch(0, 1, f)

	if c.called {
		t.Fatalf("signal checker should never run for a trap that isn't returning to user mode")
	}
}

func TestDispatchSyscallNilDispatcherPanics(t *testing.T) {
	resetGlobals(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic when DispatchSyscall is given a nil dispatcher")
		}
	}()
	DispatchSyscall(0, 1, &SyscallFrame{}, nil)
}

func TestDispatchSyscallRunsFnThenChecksSignal(t *testing.T) {
	resetGlobals(t)
	var fnCalled bool
	fn := func(cpu int, tid int32, sf *SyscallFrame) {
		fnCalled = true
		sf.GPRegs.RAX = 42
	}
	c := &fakeChecker{}
	RegisterSignalChecker(c)

	sf := &SyscallFrame{RSP: 0x8000}
	sf.GPRegs.RCX = 0x1234
	DispatchSyscall(0, 9, sf, fn)

	if !fnCalled {
		t.Fatalf("syscall dispatcher was never invoked")
	}
	if !c.called {
		t.Fatalf("signal checker should always be consulted after a syscall dispatch")
	}
	if sf.GPRegs.RAX != 42 {
		t.Fatalf("fn's write to rax should survive when the checker doesn't deliver anything")
	}
}

func TestDispatchSyscallRedirectedBySignal(t *testing.T) {
	resetGlobals(t)
	fn := func(cpu int, tid int32, sf *SyscallFrame) {
		sf.GPRegs.RAX = 7
	}
	c := &fakeChecker{deliver: true}
	RegisterSignalChecker(c)

	sf := &SyscallFrame{RSP: 0x9000}
	sf.GPRegs.RCX = 0x1234
	DispatchSyscall(0, 9, sf, fn)

	if sf.ReturnRIP() != 0xdead {
		t.Fatalf("return rip should be overwritten by a delivering checker: got %#x", sf.ReturnRIP())
	}
}

func TestFrameInUserMode(t *testing.T) {
	tests := []struct {
		cs   uint64
		want bool
	}{
		{0x0, false},
		{0x3, true},
		{0x10, false}, // CPL0, non-zero selector index
		{0x13, true},  // CPL3, non-zero selector index
	}
	for _, tt := range tests {
		f := &Frame{CS: tt.cs}
		if got := f.InUserMode(); got != tt.want {
			t.Errorf("Frame{CS: %#x}.InUserMode() = %v, want %v", tt.cs, got, tt.want)
		}
	}
}
