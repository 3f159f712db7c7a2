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

// External test package: syscalls imports kernel, so any test exercising
// RegisterAll has to live outside package kernel to avoid a cycle.
package kernel_test

import (
	"testing"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/bootconfig"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/pagefault"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/sched"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/signal"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
	"github.com/ionkernel/sentry/pkg/sentry/percpu"
	"github.com/ionkernel/sentry/pkg/sentry/syscalls"
	"github.com/ionkernel/sentry/pkg/sentry/trap"
)

const (
	protRW         = 0x3
	mapPrivateAnon = 0x22 // MAP_PRIVATE | MAP_ANONYMOUS
)

func newTestKernel(t *testing.T) (*kernel.Kernel, *kernel.Task) {
	t.Helper()
	k := kernel.New(bootconfig.Default(), sched.NewRoundRobin())
	syscalls.RegisterAll(k)
	task, _ := k.CreateInitProcess()
	return k, task
}

func mmapArgs(length uint64, prot, flags uint32) arch.SyscallArguments {
	return arch.SyscallArguments{
		{Value: 0}, {Value: uintptr(length)}, {Value: uintptr(prot)}, {Value: uintptr(flags)},
		{Value: ^uintptr(0)}, {Value: 0},
	}
}

// mapStack reserves a backed, multi-page anonymous stack directly through
// the task's address space (bypassing demand paging, which a real stack
// would resolve lazily on first touch) and returns its top address, the
// value a syscall-return RSP or trap.Frame.RSP is set to in these tests.
func mapStack(t *testing.T, task *kernel.Task, pages int) uint64 {
	t.Helper()
	as := task.AddressSpace()
	const base = hostarch.Addr(0x7f0000100000)
	for i := 0; i < pages; i++ {
		f, err := task.Frames().Alloc()
		if err != nil {
			t.Fatalf("allocating stack frame: %v", err)
		}
		as.MapPage(base+hostarch.Addr(i)*hostarch.PageSize, uint64(f), hostarch.AccessType{Read: true, Write: true}, false)
	}
	return uint64(base) + uint64(pages)*hostarch.PageSize
}

func TestDemandPaging(t *testing.T) {
	_, task := newTestKernel(t)

	rv, ctrl := task.Kernel.Dispatch(task, syscalls.SysMmap, mmapArgs(4096, protRW, mapPrivateAnon))
	if ctrl != nil || rv < 0 {
		t.Fatalf("mmap failed: rv=%d ctrl=%+v", rv, ctrl)
	}
	addr := hostarch.Addr(rv)

	if _, _, _, ok := task.AddressSpace().Translate(addr); ok {
		t.Fatalf("freshly mmap'd page is already mapped; demand paging should defer it")
	}

	outcome := pagefault.Handle(task, true, addr, false, false, false)
	if outcome != pagefault.Resolved {
		t.Fatalf("Handle(not-present) = %v, want Resolved", outcome)
	}
	if _, perms, _, ok := task.AddressSpace().Translate(addr); !ok || !perms.Read {
		t.Fatalf("page not readable after a Resolved demand-paging fault")
	}
}

func TestCoWOnFork(t *testing.T) {
	k, parent := newTestKernel(t)

	rv, _ := k.Dispatch(parent, syscalls.SysMmap, mmapArgs(4096, protRW, mapPrivateAnon))
	addr := hostarch.Addr(rv)
	if outcome := pagefault.Handle(parent, true, addr, false, false, false); outcome != pagefault.Resolved {
		t.Fatalf("priming fault: got %v, want Resolved", outcome)
	}

	frame, _, _, ok := parent.AddressSpace().Translate(addr)
	if !ok {
		t.Fatalf("page not mapped after priming fault")
	}
	if rc := k.Frames().RefCount(pgalloc.FrameID(frame)); rc != 1 {
		t.Fatalf("refcount before fork = %d, want 1", rc)
	}

	child := k.Fork(parent)

	if rc := k.Frames().RefCount(pgalloc.FrameID(frame)); rc != 2 {
		t.Fatalf("refcount after fork = %d, want 2 (parent and child share the frame)", rc)
	}
	if _, perms, private, _ := parent.AddressSpace().Translate(addr); !private || perms.Write {
		t.Fatalf("parent's mapping should be downgraded read-only after fork: perms=%v private=%v", perms, private)
	}
	if cf, cperms, cprivate, ok := child.AddressSpace().Translate(addr); !ok || cf != frame || cperms.Write || !cprivate {
		t.Fatalf("child's mapping should point at the original frame, read-only: frame=%d perms=%v private=%v ok=%v", cf, cperms, cprivate, ok)
	}

	// The write that follows is the CoW scenario itself: a write fault on a
	// downgraded-but-still-private mapping whose frame is shared.
	outcome := pagefault.Handle(parent, true, addr, true, true, false)
	if outcome != pagefault.Resolved {
		t.Fatalf("CoW write fault = %v, want Resolved", outcome)
	}

	newFrame, perms, _, ok := parent.AddressSpace().Translate(addr)
	if !ok || !perms.Write {
		t.Fatalf("parent's page should be writable after CoW resolution")
	}
	if newFrame == frame {
		t.Fatalf("CoW resolution should copy to a new frame, not upgrade the shared one in place")
	}
	if rc := k.Frames().RefCount(pgalloc.FrameID(frame)); rc != 1 {
		t.Fatalf("original frame refcount after CoW copy = %d, want 1 (only the child still holds it)", rc)
	}
	if rc := k.Frames().RefCount(pgalloc.FrameID(newFrame)); rc != 1 {
		t.Fatalf("copied frame refcount = %d, want 1", rc)
	}
}

// wirePageFaultCPU registers cpu in percpu (as platform/ptrace.Start does at
// boot) and records task as the one currently scheduled there, the missing
// link kernel.handlePageFaultTrap needs to resolve a *Task from a bare cpu
// number.
func wirePageFaultCPU(cpu int, task *kernel.Task) {
	percpu.Register(cpu, 0).SetCurrent(task.TID)
}

func TestSIGSEGVWithHandler(t *testing.T) {
	_, task := newTestKernel(t)
	const cpu = 100
	wirePageFaultCPU(cpu, task)
	stackTop := mapStack(t, task, 3)

	const handlerAddr = 0x400000
	actArgs := arch.SyscallArguments{
		{Value: uintptr(signal.SIGSEGV)}, {Value: uintptr(handlerAddr)}, {Value: 0}, {Value: 0},
	}
	if _, ctrl := task.Kernel.Dispatch(task, syscalls.SysRtSigaction, actArgs); ctrl != nil {
		t.Fatalf("rt_sigaction returned unexpected control: %+v", ctrl)
	}

	// An access to a never-mapped address: present=false, no VMA backs it,
	// so pagefault.Handle synthesizes SIGSEGV rather than resolving it.
	f := &trap.Frame{
		Vector: trap.VectorPageFault,
		CS:     0x3, // user mode
		Error:  uint64(signal.SEGV_MAPERR),
		RSP:    stackTop,
	}
	f.GPRegs.RDI = 0x1000 // faulting address, carried the way ptrace hands it

	trap.Dispatch(cpu, task.TID, f)

	if f.RIP != handlerAddr {
		t.Fatalf("rip after dispatch = %#x, want handler address %#x", f.RIP, uint64(handlerAddr))
	}
	if f.GPRegs.RDI != uint64(signal.SIGSEGV) {
		t.Fatalf("handler rdi = %d, want SIGSEGV (%d)", f.GPRegs.RDI, signal.SIGSEGV)
	}
	if f.RSP == 0 || f.RSP >= stackTop {
		t.Fatalf("handler rsp %#x should sit below the stack top %#x", f.RSP, stackTop)
	}
	if exited, _ := task.Exited(); exited {
		t.Fatalf("task exited despite an installed handler")
	}
}

func TestSIGSEGVDefault(t *testing.T) {
	_, task := newTestKernel(t)
	const cpu = 101
	wirePageFaultCPU(cpu, task)
	stackTop := mapStack(t, task, 3)

	f := &trap.Frame{
		Vector: trap.VectorPageFault,
		CS:     0x3,
		Error:  uint64(signal.SEGV_MAPERR),
		RSP:    stackTop,
	}
	f.GPRegs.RDI = 0x2000

	trap.Dispatch(cpu, task.TID, f)

	exited, code := task.Exited()
	if !exited {
		t.Fatalf("task did not exit under SIGSEGV's default action")
	}
	if want := 128 + int(signal.SIGSEGV); code != want {
		t.Fatalf("exit code = %d, want %d", code, want)
	}
}

func TestSyscallPreemptedBySignal(t *testing.T) {
	k, task := newTestKernel(t)
	stackTop := mapStack(t, task, 3)

	const handlerAddr = 0x401000
	const preSignalRIP = 0x99999

	actArgs := arch.SyscallArguments{
		{Value: uintptr(signal.SIGUSR1)}, {Value: uintptr(handlerAddr)}, {Value: 0}, {Value: 0},
	}
	if _, ctrl := k.Dispatch(task, syscalls.SysRtSigaction, actArgs); ctrl != nil {
		t.Fatalf("rt_sigaction returned unexpected control: %+v", ctrl)
	}
	task.State().Raise(signal.SIGUSR1)

	sf := &trap.SyscallFrame{RSP: stackTop}
	sf.GPRegs.RAX = uint64(syscalls.SysGetpid)
	sf.GPRegs.RCX = preSignalRIP // address SYSRET would otherwise have resumed at

	trap.DispatchSyscall(0, task.TID, sf, k.Bind())

	if got := sf.ReturnRIP(); got != handlerAddr {
		t.Fatalf("return rip = %#x, want handler %#x — the syscall's own return should have been overwritten by signal delivery", got, uint64(handlerAddr))
	}
	handlerSP := sf.RSP
	if handlerSP == 0 || handlerSP >= stackTop {
		t.Fatalf("handler rsp %#x not derived from the syscall's real stack (top %#x)", handlerSP, stackTop)
	}

	// rt_sigreturn should hand back exactly the state the syscall return was
	// about to restore before the signal redirected it, proving the frame
	// DispatchSyscall built is readable back through the normal path.
	sigreturnArgs := arch.SyscallArguments{{Value: uintptr(handlerSP)}}
	_, ctrl := k.Dispatch(task, syscalls.SysRtSigreturn, sigreturnArgs)
	if ctrl == nil || ctrl.SigReturn == nil {
		t.Fatalf("rt_sigreturn did not report a SigReturnState")
	}
	if ctrl.SigReturn.RIP != preSignalRIP {
		t.Fatalf("restored rip = %#x, want %#x", ctrl.SigReturn.RIP, uint64(preSignalRIP))
	}
	if ctrl.SigReturn.RSP != stackTop {
		t.Fatalf("restored rsp = %#x, want the original stack top %#x", ctrl.SigReturn.RSP, stackTop)
	}
}

func TestSHMRoundTrip(t *testing.T) {
	k, task := newTestKernel(t)

	const ipcCreat = 0o1000
	id, ctrl := k.Dispatch(task, syscalls.SysShmget, arch.SyscallArguments{
		{Value: 0}, {Value: 4096}, {Value: ipcCreat | 0o600},
	})
	if ctrl != nil || id < 0 {
		t.Fatalf("shmget failed: rv=%d ctrl=%+v", id, ctrl)
	}

	addr, ctrl := k.Dispatch(task, syscalls.SysShmat, arch.SyscallArguments{
		{Value: uintptr(id)}, {Value: 0}, {Value: 0},
	})
	if ctrl != nil || addr == 0 {
		t.Fatalf("shmat failed: rv=%d ctrl=%+v", addr, ctrl)
	}
	if _, _, _, ok := task.AddressSpace().Translate(hostarch.Addr(addr)); !ok {
		t.Fatalf("shmat'd address %#x is not mapped (shm attaches eagerly, unlike mmap's demand paging)", addr)
	}

	if _, ctrl := k.Dispatch(task, syscalls.SysShmdt, arch.SyscallArguments{{Value: uintptr(addr)}}); ctrl != nil {
		t.Fatalf("shmdt returned unexpected control: %+v", ctrl)
	}
	if _, _, _, ok := task.AddressSpace().Translate(hostarch.Addr(addr)); ok {
		t.Fatalf("page still mapped after shmdt")
	}
}
