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

// Package pgalloc is the process-wide physical frame allocator: every frame
// backing a demand-paged, copy-on-write, or SysV shared memory mapping is
// issued from here and tracked by refcount so the page-fault CoW path and
// shm's destroy-on-last-detach path both know when a frame can actually be
// freed.
//
// Allocation follows an allocate-zero-and-roll-back-on-failure pattern, and
// the type is named FrameTable/pgalloc after the same convention gVisor's
// own pgalloc.MemoryFile uses for its physical frame pool.
package pgalloc

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ionkernel/sentry/pkg/hostarch"
)

// FrameID names one page-sized physical frame by allocation index. It is
// not a real physical address: this core runs as a traced user process, so
// "physical" frames are just host-backed byte slices indexed by FrameID.
type FrameID uint64

type frame struct {
	data    []byte
	refs    int32
	onFreeL func()
}

// FrameTable is the singleton allocator. MaxFrames bounds total allocation
// so a runaway demand-paging loop can't exhaust host memory; admission is
// gated by a weighted semaphore rather than the mutex itself, so Alloc can
// fail admission without ever taking the lock that protects the allocation
// bookkeeping. Callers must never hold a page-table lock across a
// FrameTable call.
type FrameTable struct {
	mu     sync.Mutex
	frames map[FrameID]*frame
	next   FrameID
	sem    *semaphore.Weighted
}

// DefaultMaxFrames is 2GiB worth of 4KiB frames, a generous default for a
// user-space kernel core; cmd/kcored's boot config can override it.
const DefaultMaxFrames = (2 << 30) / hostarch.PageSize

// NewFrameTable constructs an allocator admitting at most maxFrames
// concurrent allocations.
func NewFrameTable(maxFrames int64) *FrameTable {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &FrameTable{
		frames: make(map[FrameID]*frame),
		sem:    semaphore.NewWeighted(maxFrames),
	}
}

// Alloc allocates and zeros a single page-sized frame with an initial
// refcount of 1.
func (ft *FrameTable) Alloc() (FrameID, error) {
	if !ft.sem.TryAcquire(1) {
		return 0, fmt.Errorf("pgalloc: frame table exhausted")
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	id := ft.next
	ft.next++
	ft.frames[id] = &frame{data: make([]byte, hostarch.PageSize), refs: 1}
	return id, nil
}

// Free releases the allocator's own release of a frame (distinct from
// DecRef): used only on the rollback path when a multi-frame allocation
// (shmget's) fails partway and must undo the frames it
// already committed.
func (ft *FrameTable) Free(id FrameID) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if _, ok := ft.frames[id]; ok {
		delete(ft.frames, id)
		ft.sem.Release(1)
	}
}

// IncRef bumps a frame's reference count; called when a second mapping
// (fork, shmat) starts sharing an existing frame.
func (ft *FrameTable) IncRef(id FrameID) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.frames[id]
	if !ok {
		panic(fmt.Sprintf("pgalloc: IncRef on freed frame %d", id))
	}
	f.refs++
}

// DecRef drops a reference, freeing the frame and its admission slot when
// the count reaches zero. Returns the refcount after the decrement.
func (ft *FrameTable) DecRef(id FrameID) int32 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.frames[id]
	if !ok {
		panic(fmt.Sprintf("pgalloc: DecRef on freed frame %d", id))
	}
	f.refs--
	remaining := f.refs
	if remaining <= 0 {
		delete(ft.frames, id)
		ft.sem.Release(1)
	}
	return remaining
}

// RefCount returns a frame's current reference count; used by the CoW
// fault path to choose between an in-place upgrade and a copy.
func (ft *FrameTable) RefCount(id FrameID) int32 {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.frames[id]
	if !ok {
		return 0
	}
	return f.refs
}

// Data returns the frame's backing bytes. The slice is shared by every
// mapping referencing id; callers needing a private copy (the CoW refcount
// ≥ 2 path) must Alloc a new frame and copy explicitly.
func (ft *FrameTable) Data(id FrameID) []byte {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.frames[id]
	if !ok {
		panic(fmt.Sprintf("pgalloc: Data on freed frame %d", id))
	}
	return f.data
}

// CopyOnWrite allocates a new frame, copies src's contents into it, and
// decrements src's refcount: the branch the page-fault handler takes when a
// write lands on a private mapping whose frame is still shared (refcount
// >= 2).
func (ft *FrameTable) CopyOnWrite(src FrameID) (FrameID, error) {
	dst, err := ft.Alloc()
	if err != nil {
		return 0, err
	}
	copy(ft.Data(dst), ft.Data(src))
	ft.DecRef(src)
	return dst, nil
}
