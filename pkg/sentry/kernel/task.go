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

	"github.com/ionkernel/sentry/pkg/sentry/kernel/signal"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

// Task is one schedulable thread: a tid, the Process (thread group) it
// belongs to, its own signal.State (pending/blocked are per-thread, never
// shared across threads in the same group), its own FS base for TLS, and
// the last Siginfo synthesized for each signal number (populated by
// pagefault.Handle, read back by signal.Process.Siginfo). It implements
// both signal.Process (the signal core's view of a task) and
// pagefault.Faulter (the fault path's view), exactly the two narrow
// interfaces those leaf packages define to avoid importing kernel
// themselves.
type Task struct {
	TID int32
	Kernel *Kernel
	Proc   *Process

	mu       sync.Mutex
	state    *signal.State
	fsBase   uint64
	exited   bool
	exitCode int
	siginfos map[signal.Num]signal.Siginfo

	// AltStack is sigaltstack(2)'s registered alternate signal stack, if
	// any. This core's signal-frame construction builds on the normal
	// stack only, so this is tracked for get/set round-tripping without
	// yet being consulted by BuildFrame.
	AltStack AltStack
}

// AltStack mirrors stack_t.
type AltStack struct {
	SP    uint64
	Flags int32
	Size  uint64
}

func newTask(tid int32, k *Kernel, p *Process) *Task {
	return &Task{
		TID:      tid,
		Kernel:   k,
		Proc:     p,
		state:    &signal.State{},
		siginfos: make(map[signal.Num]signal.Siginfo),
	}
}

// Handlers implements signal.Process: the process-wide handler table.
func (t *Task) Handlers() *signal.Handlers { return t.Proc.Handlers() }

// State implements signal.Process: this thread's own pending/blocked bitmaps.
func (t *Task) State() *signal.State { return t.state }

// AddressSpace implements signal.Process and pagefault.Faulter.
func (t *Task) AddressSpace() *mm.AddressSpace { return t.Proc.AddressSpace() }

// Frames implements signal.Process and pagefault.Faulter: the kernel-wide
// physical frame allocator every process shares.
func (t *Task) Frames() *pgalloc.FrameTable { return t.Kernel.frames }

// Siginfo implements signal.Process: the most recent Siginfo recorded for
// n, or a zero value if none was ever set (e.g. a kill(2)-delivered signal
// with no fault context).
func (t *Task) Siginfo(n signal.Num) signal.Siginfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.siginfos[n]
}

// SetSiginfo implements pagefault.Faulter: stash the Siginfo a synthesized
// fault signal carries so the eventual handler sees a populated si_addr/
// si_code.
func (t *Task) SetSiginfo(n signal.Num, info signal.Siginfo) {
	t.mu.Lock()
	t.siginfos[n] = info
	t.mu.Unlock()
}

// FSBase returns the thread-local-storage base arch_prctl programmed,
// preserved across every syscall.
func (t *Task) FSBase() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fsBase
}

// SetFSBase implements arch_prctl(ARCH_SET_FS, ...).
func (t *Task) SetFSBase(v uint64) {
	t.mu.Lock()
	t.fsBase = v
	t.mu.Unlock()
}

// Exit implements signal.Process: mark this thread exited with status,
// and if it was the last thread in the group, the process too.
func (t *Task) Exit(status int) {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	t.exitCode = status
	t.mu.Unlock()
	t.Kernel.exitThread(t, status)
}

// StopTask implements signal.Process's Stop default action. This core
// models "stopped" as a no-op marker rather than a real scheduler
// suspension; job-control semantics beyond that are out of scope.
func (t *Task) StopTask() {
	t.Kernel.klogStop(t.TID)
}

// ContinueTask implements signal.Process's Continue default action.
func (t *Task) ContinueTask() {
	t.Kernel.klogContinue(t.TID)
}

// Exited reports whether this thread has exited, and with what status.
func (t *Task) Exited() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited, t.exitCode
}
