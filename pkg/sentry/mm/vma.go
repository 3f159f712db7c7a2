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

// Package mm is the per-process virtual memory manager: the VMA set a page
// fault or shmat/shmdt consults to learn what, if anything, backs a given
// address range, and the page-table-equivalent mapping of virtual pages to
// pgalloc frames that the page-fault and CoW paths mutate.
//
// gVisor's own mm package (pkg/sentry/mm/special_mappable.go,
// pkg/sentry/mm/metadata.go) keeps the equivalent structure in an augmented
// interval tree generated from pkg/segment, which isn't part of this
// retrieval pack. This core uses google/btree's ordered tree directly
// instead of hand-rolling an interval tree: VMAs never overlap (enforced on
// insert), so a plain ordered-by-start-address tree plus a predecessor scan
// answers "what VMA contains this address" exactly as well as a dedicated
// interval tree would.
package mm

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/ionkernel/sentry/pkg/hostarch"
)

// VMAFlags describes the mapping-wide properties of a VMA that aren't pure
// access permissions: whether writes are copy-on-write, and whether the
// range is shared (SysV shm, MAP_SHARED) or private (MAP_PRIVATE).
type VMAFlags struct {
	Private bool // MAP_PRIVATE: CoW applies on write
	Shared  bool // MAP_SHARED: writes go straight to the backing frames
}

// VMA is one virtual memory area: a contiguous range of a process's address
// space with uniform permissions and backing.
type VMA struct {
	Range  hostarch.AddrRange
	Perms  hostarch.AccessType
	Flags  VMAFlags
	// Name identifies the backing for diagnostics (e.g. "anon", "shm:7").
	Name string
}

func (v *VMA) less(start hostarch.Addr) bool { return v.Range.Start < start }

// item adapts *VMA to btree.Item, ordering purely by start address. VMAs
// are maintained non-overlapping by AddressSpace, so start-address order is
// sufficient to binary search for containment.
type item struct{ vma *VMA }

func (a item) Less(than btree.Item) bool {
	return a.vma.Range.Start < than.(item).vma.Range.Start
}

// AddressSpace is one process's virtual memory: its VMA set plus the
// virtual-page-to-frame mapping the page-fault and CoW paths populate and
// mutate. A process owns exactly one AddressSpace; fork() clones it
// (sharing frames, marking them CoW) rather than allocating fresh frames.
type AddressSpace struct {
	mu   sync.Mutex
	vmas *btree.BTree

	// pages maps a page-aligned virtual address to the frame backing it and
	// the permissions currently installed in the "page table" (which may be
	// narrower than the VMA's permissions, e.g. read-only pending CoW).
	pages map[hostarch.Addr]mapping
}

type mapping struct {
	frame   uint64 // pgalloc.FrameID, untyped here to avoid an import cycle with pgalloc
	perms   hostarch.AccessType
	private bool // true if this page is CoW (frame may be shared with another AddressSpace)
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		vmas:  btree.New(32),
		pages: make(map[hostarch.Addr]mapping),
	}
}

// Insert adds a new, non-overlapping VMA. It returns an error if the range
// overlaps an existing VMA.
func (as *AddressSpace) Insert(v *VMA) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.overlapsLocked(v.Range) {
		return fmt.Errorf("mm: range %#x-%#x overlaps an existing VMA", v.Range.Start, v.Range.End)
	}
	as.vmas.ReplaceOrInsert(item{v})
	return nil
}

func (as *AddressSpace) overlapsLocked(r hostarch.AddrRange) bool {
	overlap := false
	as.vmas.Ascend(func(i btree.Item) bool {
		v := i.(item).vma
		if v.Range.Overlaps(r) {
			overlap = true
			return false
		}
		return v.Range.Start < r.End
	})
	return overlap
}

// Find returns the VMA containing addr, if any.
func (as *AddressSpace) Find(addr hostarch.Addr) *VMA {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.findLocked(addr)
}

func (as *AddressSpace) findLocked(addr hostarch.Addr) *VMA {
	var found *VMA
	// AscendLessOrEqual over a synthetic probe finds the VMA with the
	// largest start address <= addr; Contains then confirms addr actually
	// falls within it rather than past its end.
	probe := item{&VMA{Range: hostarch.AddrRange{Start: addr}}}
	as.vmas.DescendLessOrEqual(probe, func(i btree.Item) bool {
		v := i.(item).vma
		if v.Range.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// Remove deletes the VMA exactly matching r, returning it, or nil if none
// matches exactly. Used by munmap and shmdt, both of which operate on
// whole previously-inserted ranges.
func (as *AddressSpace) Remove(r hostarch.AddrRange) *VMA {
	as.mu.Lock()
	defer as.mu.Unlock()
	probe := item{&VMA{Range: r}}
	old := as.vmas.Delete(probe)
	if old == nil {
		return nil
	}
	v := old.(item).vma
	if v.Range != r {
		// Not an exact match: put it back and report failure.
		as.vmas.ReplaceOrInsert(item{v})
		return nil
	}
	for addr := r.Start; addr < r.End; addr += hostarch.PageSize {
		delete(as.pages, addr)
	}
	return v
}

// FindFreeRange returns an unused range of length bytes starting at or
// after hint (or anywhere above a default floor if hint is 0), used by
// mmap(addr=NULL, ...) and shmat(addr=0, ...).
func (as *AddressSpace) FindFreeRange(hint hostarch.Addr, length uint64) hostarch.Addr {
	as.mu.Lock()
	defer as.mu.Unlock()

	const defaultFloor = hostarch.Addr(0x7f0000000000) // well below the canonical-address ceiling
	candidate := hint
	if candidate == 0 {
		candidate = defaultFloor
	}
	for {
		r := hostarch.AddrRange{Start: candidate, End: candidate + hostarch.Addr(length)}
		if !as.overlapsLocked(r) {
			return candidate
		}
		// Walk past the overlapping VMA's end and retry.
		next := candidate
		as.vmas.AscendGreaterOrEqual(item{&VMA{Range: hostarch.AddrRange{Start: candidate}}}, func(i btree.Item) bool {
			v := i.(item).vma
			if v.Range.Overlaps(r) {
				next = v.Range.End
				return false
			}
			return true
		})
		if next <= candidate {
			next = candidate + hostarch.PageSize
		}
		candidate = next
	}
}

// MapPage installs addr -> frame in the page-table map with the given
// permissions. Called by demand paging, CoW resolution, and shmat.
func (as *AddressSpace) MapPage(addr hostarch.Addr, frame uint64, perms hostarch.AccessType, private bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.pages[addr.PageRoundDown()] = mapping{frame: frame, perms: perms, private: private}
}

// UnmapPage removes addr's page-table entry, if any, returning the frame
// that was mapped there and whether one was found.
func (as *AddressSpace) UnmapPage(addr hostarch.Addr) (uint64, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	key := addr.PageRoundDown()
	m, ok := as.pages[key]
	if !ok {
		return 0, false
	}
	delete(as.pages, key)
	return m.frame, true
}

// Translate returns the frame and installed permissions backing addr's
// page, or ok=false if the page isn't currently mapped (demand paging not
// yet resolved, or genuinely unmapped).
func (as *AddressSpace) Translate(addr hostarch.Addr) (frame uint64, perms hostarch.AccessType, private bool, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	m, ok := as.pages[addr.PageRoundDown()]
	return m.frame, m.perms, m.private, ok
}

// Invalidate flushes any cached translation for addr on this AddressSpace.
// This port has no actual TLB to flush: as.pages is a plain Go map, so a
// MapPage/UnmapPage mutation is visible to every subsequent Translate call
// the instant it returns, on any goroutine. Invalidate is still called
// everywhere a real kernel would flush (CoW resolution, munmap, mprotect)
// so the call site reads the same as a platform where that isn't true, and
// so a future platform backed by an actual page table only needs to give
// this method a body.
func (as *AddressSpace) Invalidate(addr hostarch.Addr) {}

// Fork returns a copy of as for a child process: every VMA is duplicated,
// and every private mapping's permissions are downgraded to read-only so
// the first write after fork takes the copy-on-write path. Shared mappings
// (SysV shm, MAP_SHARED) are copied as-is since they are never CoW. Frame
// refcounting (bumping the shared frame's count) is the caller's
// responsibility, since AddressSpace has no pgalloc reference of its own.
func (as *AddressSpace) Fork() (*AddressSpace, []uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := NewAddressSpace()
	as.vmas.Ascend(func(i btree.Item) bool {
		v := *i.(item).vma
		child.vmas.ReplaceOrInsert(item{&v})
		return true
	})

	var sharedFrames []uint64
	for addr, m := range as.pages {
		cm := m
		if m.private {
			cm.perms = hostarch.AccessType{Read: true, Execute: m.perms.Execute}
			as.pages[addr] = cm // downgrade the parent's own mapping too
			sharedFrames = append(sharedFrames, m.frame)
		} else if m.frame != 0 {
			sharedFrames = append(sharedFrames, m.frame)
		}
		child.pages[addr] = cm
	}
	return child, sharedFrames
}
