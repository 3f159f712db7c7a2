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
	"sync"
	"sync/atomic"
	"time"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/bootconfig"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/pagefault"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/sched"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/shm"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/signal"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/timer"
	"github.com/ionkernel/sentry/pkg/sentry/percpu"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
	"github.com/ionkernel/sentry/pkg/sentry/trap"
)

// Kernel is the one process-wide singleton this core keeps: the task and
// process tables, the physical frame allocator every address space shares,
// the SysV shm manager, the syscall dispatch table, and the signal
// delivery manager wired into trap.Dispatch. Every field here is
// initialized once by New, before any CPU starts tracing, and never
// replaced afterward.
type Kernel struct {
	mu       sync.Mutex
	tasks    map[int32]*Task
	procs    map[int32]*Process
	nextID   int32

	frames *pgalloc.FrameTable
	shm    *shm.Manager
	sched  sched.Scheduler

	ticks atomic.Uint64

	sigMgr *signal.Manager
	table  [maxSyscall]Syscall
}

// New constructs a Kernel from boot configuration, wiring the signal
// manager, the page-fault handler, and the timer-tick handler into package
// trap. This registration happens exactly once, from the CPU that calls
// New before any other CPU starts tracing.
func New(cfg bootconfig.Config, sc sched.Scheduler) *Kernel {
	k := &Kernel{
		tasks:  make(map[int32]*Task),
		procs:  make(map[int32]*Process),
		frames: pgalloc.NewFrameTable(cfg.MaxFrames),
		sched:  sc,
	}
	k.shm = shm.NewManager(k.frames, unixNow)
	k.sigMgr = signal.NewManager(k)
	trap.RegisterSignalChecker(k.sigMgr)
	trap.RegisterHandler(trap.VectorPageFault, k.handlePageFaultTrap)
	trap.RegisterHandler(trap.VectorIRQTimer, k.handleTimerTick)
	trap.RegisterHandler(trap.VectorNMI, k.handleNMI)
	return k
}

// Lookup implements signal.Registry over the task table.
func (k *Kernel) Lookup(tid int32) (signal.Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[tid]
	if !ok {
		return nil, false
	}
	return t, true
}

// LookupTask returns the concrete *Task for tid, for callers (the syscall
// dispatcher, cmd/kcored's selftest) that need more than the signal.Process
// view.
func (k *Kernel) LookupTask(tid int32) (*Task, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[tid]
	return t, ok
}

// LookupProcess returns the process (thread group) owning pid.
func (k *Kernel) LookupProcess(pid int32) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.procs[pid]
	return p, ok
}

// AllProcesses returns a snapshot of every live process, for wait4's
// linear scan over the caller's children. The table is small enough
// (one process per test scenario, a handful in cmd/kcored's demo boot)
// that a snapshot copy beats holding k.mu across the scan.
func (k *Kernel) AllProcesses() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	ps := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		ps = append(ps, p)
	}
	return ps
}

// Shm returns the kernel's SysV shared memory manager.
func (k *Kernel) Shm() *shm.Manager { return k.shm }

// Frames returns the kernel-wide physical frame allocator.
func (k *Kernel) Frames() *pgalloc.FrameTable { return k.frames }

// CreateInitProcess bootstraps pid 1: a fresh Process and its single
// initial Task, credentialed as root. Every later fork/clone descends from
// this task in tests and cmd/kcored's demonstration boot path.
func (k *Kernel) CreateInitProcess() (*Task, *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	pid := k.allocIDLocked()
	p := newProcess(pid, 0, pid, pid, RootCredentials())
	t := newTask(pid, k, p)
	p.threads[pid] = t
	k.procs[pid] = p
	k.tasks[pid] = t
	return t, p
}

func (k *Kernel) allocIDLocked() int32 {
	k.nextID++
	return k.nextID
}

// Fork implements fork(2)/clone(2)'s process-creation case (as opposed to
// CLONE_THREAD, modeled by CloneThread below): a new Process with a copied
// address space (VMAs duplicated, private mappings downgraded to
// read-only so the first write after fork takes the copy-on-write path),
// a cloned handler table, and a forked fd table.
func (k *Kernel) Fork(parent *Task) *Task {
	k.mu.Lock()
	pid := k.allocIDLocked()
	k.mu.Unlock()

	childAS, sharedFrames := parent.Proc.as.Fork()
	for _, f := range sharedFrames {
		k.frames.IncRef(pgalloc.FrameID(f))
	}

	child := &Process{
		PID: pid, PPID: parent.Proc.PID, PGID: parent.Proc.PGID, SID: parent.Proc.SID,
		as:      childAS,
		hnd:     parent.Proc.Handlers().Clone(),
		cwd:     parent.Proc.Cwd(),
		caps:    credsPtr(parent.Proc.Credentials().Clone()),
		threads: make(map[int32]*Task),
		fdTable: parent.Proc.fdTable.Fork(),
	}
	childTask := newTask(pid, k, child)
	child.threads[pid] = childTask

	k.mu.Lock()
	k.procs[pid] = child
	k.tasks[pid] = childTask
	k.mu.Unlock()
	return childTask
}

func credsPtr(c Credentials) *Credentials { return &c }

// CloneThread implements clone(2)'s CLONE_THREAD case: a new Task sharing
// the parent's Process (address space, handler table, fd table) but with
// its own tid and its own per-thread signal.State.
func (k *Kernel) CloneThread(parent *Task) *Task {
	k.mu.Lock()
	tid := k.allocIDLocked()
	t := newTask(tid, k, parent.Proc)
	parent.Proc.mu.Lock()
	parent.Proc.threads[tid] = t
	parent.Proc.mu.Unlock()
	k.tasks[tid] = t
	k.mu.Unlock()
	return t
}

// exitThread finalizes a single thread's exit and, if it was the last
// thread in its process, marks the process a zombie, wakes wait4/waitid
// callers, and runs the process-exit SHM cleanup.
func (k *Kernel) exitThread(t *Task, status int) {
	p := t.Proc
	p.mu.Lock()
	delete(p.threads, t.TID)
	last := len(p.threads) == 0
	if last {
		p.zombie = true
		p.exitCode = status
		p.notifyWaitersLocked()
	}
	p.mu.Unlock()

	if k.sched != nil {
		k.sched.Remove(t.TID)
	}
	timer.ForgetTask(t.TID)

	if last {
		k.shm.OnProcessExit(p.PID, p.as)
	}
}

// OnTimerTick bumps the tick counter and hands off to the external
// scheduler collaborator to pick the frame to resume, if any. The counter
// itself only needs to be observably monotonic, not synchronized with any
// other state, so a relaxed atomic add is enough.
func (k *Kernel) OnTimerTick(cpu int) *trap.Frame {
	k.ticks.Add(1)
	if k.sched != nil {
		return k.sched.OnTimerTick(cpu)
	}
	return nil
}

// Ticks returns the current tick count.
func (k *Kernel) Ticks() uint64 { return k.ticks.Load() }

// ScheduleAdd registers tid as runnable with its saved frame, so a later
// timer tick can hand it back out as a preemption target. Callers that
// don't wire a real sched.Scheduler (most tests) get a no-op here.
func (k *Kernel) ScheduleAdd(tid int32, f *trap.Frame) {
	if k.sched != nil {
		k.sched.Add(tid, f)
	}
}

// ScheduleRemove drops tid from the runnable set, e.g. because it blocked.
func (k *Kernel) ScheduleRemove(tid int32) {
	if k.sched != nil {
		k.sched.Remove(tid)
	}
}

func (k *Kernel) klogStop(tid int32)     { klog.Task(tid).Debug("task stopped by signal default action") }
func (k *Kernel) klogContinue(tid int32) { klog.Task(tid).Debug("task continued by signal default action") }

// handleTimerTick is trap.Handler wired for VectorIRQTimer. It forwards to
// OnTimerTick and, if the scheduler handed back a different thread's frame,
// returns it so Dispatch resumes that thread instead of the one that took
// the tick. A rate-limited log line records ticks that actually preempt,
// since every tick logging unconditionally would flood klog at any
// reasonable tick rate.
func (k *Kernel) handleTimerTick(cpu int, f *trap.Frame) *trap.Frame {
	resume := k.OnTimerTick(cpu)
	if resume != nil && resume != f && timer.TickLimiter.Allow() {
		klog.CPU(cpu).Debugf("timer tick preempted onto a different frame")
	}
	return resume
}

// handlePageFaultTrap is trap.Handler wired for VectorPageFault. The real
// decode of cr2/error-code happens on the platform side: ptrace reads the
// host SIGSEGV siginfo, stashes cr2 in GPRegs.RDI and si_code in Error, and
// percpu.Block.SetCurrent records which tid is running on cpu so this
// handler can resolve a *Task without a parameter threading one through —
// trap.Handler's signature only carries cpu, so the current task has to
// come from the per-CPU block instead.
func (k *Kernel) handlePageFaultTrap(cpu int, f *trap.Frame) *trap.Frame {
	tid := percpu.Get(cpu).Current()
	t, ok := k.LookupTask(tid)
	if !ok {
		klog.CPU(cpu).Warnf("page fault on cpu %d with no task scheduled (tid=%d)", cpu, tid)
		return nil
	}

	// si_code only distinguishes SEGV_MAPERR (no mapping) from SEGV_ACCERR
	// (mapped but access denied); it carries no read/write/fetch bit the
	// way a real page-fault error code would. An ACCERR on a CoW-downgraded
	// private mapping is always the write that triggered the downgrade, so
	// treating every ACCERR as a write and every MAPERR as a plain read is
	// exact for the two cases this core's VMAs produce.
	present := f.Error == uint64(signal.SEGV_ACCERR)
	write := present
	addr := hostarch.Addr(f.GPRegs.RDI)
	outcome := pagefault.Handle(t, f.InUserMode(), addr, write, present, false)
	if outcome == pagefault.Signaled && timer.AllowFaultLog(tid) {
		klog.Task(tid).Warnf("page fault at %#x signaled (write=%v present=%v)", addr, write, present)
	}
	return nil
}

// handleNMI is trap.Handler wired for VectorNMI. trap.ClassifyNMI always
// resolves to NMIIPIBroadcast; this handler just logs that and resumes.
// smp.Broadcast delivers its IPIs to registered smp.Receivers directly,
// not through this vector.
func (k *Kernel) handleNMI(cpu int, f *trap.Frame) *trap.Frame {
	klog.CPU(cpu).Debugf("NMI: %v", trap.ClassifyNMI(f))
	return nil
}

func unixNow() int64 { return time.Now().Unix() }
