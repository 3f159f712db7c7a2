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

// Package kernel is the process-wide core: the task table, the per-process
// and per-thread state signal and pagefault need, and the rax-keyed
// syscall dispatcher. It is the one package allowed to import trap, signal,
// mm, pgalloc, percpu, and shm together, because it is the thing that
// actually owns a task's worth of all six.
package kernel

import (
	"sync"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/signal"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
)

// defaultBrkBase is where this core's brk(2) implementation plants a
// process's heap VMA on first use, well clear of the mmap floor
// mm.AddressSpace.FindFreeRange picks from.
const defaultBrkBase = hostarch.Addr(0x550000000000)

// Process is the thread-group-wide state POSIX says is shared by every
// thread in a process: the address space, the signal handler table, and
// working-directory/file-table state. Thread-group-shared state lives here,
// separate from Task's per-thread state, so it's clear from the type alone
// which mutex protects which field.
type Process struct {
	mu sync.Mutex

	PID  int32
	PPID int32
	PGID int32
	SID  int32

	as   *mm.AddressSpace
	hnd  *signal.Handlers
	cwd  string
	caps *Credentials

	threads   map[int32]*Task
	zombie    bool
	exitCode  int
	waiters   []chan struct{}

	fdTable *FDTable

	brkBase hostarch.Addr // 0 until the first brk(2) call
	brkCur  hostarch.Addr
}

func newProcess(pid, ppid, pgid, sid int32, creds Credentials) *Process {
	return &Process{
		PID: pid, PPID: ppid, PGID: pgid, SID: sid,
		as:      mm.NewAddressSpace(),
		hnd:     signal.NewHandlers(),
		cwd:     "/",
		caps:    &creds,
		threads: make(map[int32]*Task),
		fdTable: NewFDTable(),
	}
}

// AddressSpace returns the process's single shared address space.
func (p *Process) AddressSpace() *mm.AddressSpace { return p.as }

// Handlers returns the process-wide signal action table.
func (p *Process) Handlers() *signal.Handlers { return p.hnd }

// FDTable returns the process-wide open file descriptor table.
func (p *Process) FDTable() *FDTable { return p.fdTable }

// Credentials returns the process's current credential set.
func (p *Process) Credentials() Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.caps
}

// SetCredentials overwrites the process's credential set, e.g. from setuid.
func (p *Process) SetCredentials(c Credentials) {
	p.mu.Lock()
	*p.caps = c
	p.mu.Unlock()
}

// Cwd returns the process's current working directory.
func (p *Process) Cwd() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// SetCwd updates the process's current working directory.
func (p *Process) SetCwd(path string) {
	p.mu.Lock()
	p.cwd = path
	p.mu.Unlock()
}

// Threads returns a snapshot of every thread currently in this group, for
// kill(2)'s "signal the group" semantics.
func (p *Process) Threads() []*Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := make([]*Task, 0, len(p.threads))
	for _, t := range p.threads {
		ts = append(ts, t)
	}
	return ts
}

// Zombie reports whether every thread in the group has exited.
func (p *Process) Zombie() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.zombie, p.exitCode
}

// notifyWaitersLocked wakes every wait4/waitid caller blocked on this
// process. Callers must hold p.mu.
func (p *Process) notifyWaitersLocked() {
	for _, ch := range p.waiters {
		close(ch)
	}
	p.waiters = nil
}

// addWaiter registers a channel that's closed when the process becomes a
// zombie; used by wait4/waitid's blocking path.
func (p *Process) addWaiter() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.zombie {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	return ch
}

// Brk implements brk(2): newBrk==0 queries the current break without
// moving it; otherwise the heap VMA is grown or shrunk to end at newBrk,
// page-rounded. The first call lazily plants the heap at defaultBrkBase.
// Like the rest of this core's mmap family, no frames are allocated here —
// growing the break only reserves address space; demand paging backs it on
// first touch.
func (p *Process) Brk(newBrk hostarch.Addr) hostarch.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.brkBase == 0 {
		p.brkBase = defaultBrkBase
		p.brkCur = defaultBrkBase
	}
	if newBrk == 0 || newBrk == p.brkCur {
		return p.brkCur
	}

	target := hostarch.Addr(hostarch.MustPageRoundUp(uint64(newBrk)))
	if p.brkCur > p.brkBase {
		p.as.Remove(hostarch.AddrRange{Start: p.brkBase, End: p.brkCur})
	}
	if target <= p.brkBase {
		p.brkCur = p.brkBase
		return p.brkCur
	}
	if err := p.as.Insert(&mm.VMA{
		Range: hostarch.AddrRange{Start: p.brkBase, End: target},
		Perms: hostarch.AccessType{Read: true, Write: true},
		Flags: mm.VMAFlags{Private: true},
		Name:  "heap",
	}); err != nil {
		// Requested break collides with an existing mapping; leave it where
		// it was rather than silently reserving a smaller range.
		p.as.Insert(&mm.VMA{
			Range: hostarch.AddrRange{Start: p.brkBase, End: p.brkCur},
			Perms: hostarch.AccessType{Read: true, Write: true},
			Flags: mm.VMAFlags{Private: true},
			Name:  "heap",
		})
		return p.brkCur
	}
	p.brkCur = target
	return p.brkCur
}
