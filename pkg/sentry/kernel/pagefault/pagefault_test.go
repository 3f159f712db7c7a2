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

package pagefault

import (
	"testing"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/signal"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

// fakeFaulter is a minimal Faulter, lighter than a full kernel.Task, for
// exercising Handle's classification in isolation.
type fakeFaulter struct {
	as     *mm.AddressSpace
	frames *pgalloc.FrameTable
	state  signal.State
	info   map[signal.Num]signal.Siginfo
}

func newFakeFaulter() *fakeFaulter {
	return &fakeFaulter{
		as:     mm.NewAddressSpace(),
		frames: pgalloc.NewFrameTable(64),
		info:   make(map[signal.Num]signal.Siginfo),
	}
}

func (f *fakeFaulter) AddressSpace() *mm.AddressSpace    { return f.as }
func (f *fakeFaulter) Frames() *pgalloc.FrameTable       { return f.frames }
func (f *fakeFaulter) State() *signal.State              { return &f.state }
func (f *fakeFaulter) SetSiginfo(n signal.Num, info signal.Siginfo) { f.info[n] = info }

const page = hostarch.Addr(0x400000)

func TestHandleKernelModeIsFatal(t *testing.T) {
	f := newFakeFaulter()
	if got := Handle(f, false, page, false, false, false); got != Fatal {
		t.Fatalf("Handle(kernel-mode) = %v, want Fatal", got)
	}
}

func TestHandleNotPresentNoVMASignals(t *testing.T) {
	f := newFakeFaulter()
	if got := Handle(f, true, page, false, false, false); got != Signaled {
		t.Fatalf("Handle(no VMA) = %v, want Signaled", got)
	}
	if info := f.info[signal.SIGSEGV]; info.Code != signal.SEGV_MAPERR {
		t.Fatalf("si_code = %d, want SEGV_MAPERR", info.Code)
	}
	wantBit := uint64(1) << uint(signal.SIGSEGV-1)
	if f.state.Pending()&wantBit == 0 {
		t.Fatalf("SIGSEGV should be pending after an unmapped-address fault")
	}
}

func TestHandleNotPresentInsufficientPermsSignals(t *testing.T) {
	f := newFakeFaulter()
	f.as.Insert(&mm.VMA{
		Range: hostarch.AddrRange{Start: page, End: page + hostarch.PageSize},
		Perms: hostarch.AccessType{Read: true},
	})
	// Faulting write against a read-only VMA.
	if got := Handle(f, true, page, true, false, false); got != Signaled {
		t.Fatalf("Handle(write against RO vma) = %v, want Signaled", got)
	}
	if info := f.info[signal.SIGSEGV]; info.Code != signal.SEGV_ACCERR {
		t.Fatalf("si_code = %d, want SEGV_ACCERR", info.Code)
	}
}

func TestHandleNotPresentResolvesDemandPage(t *testing.T) {
	f := newFakeFaulter()
	f.as.Insert(&mm.VMA{
		Range: hostarch.AddrRange{Start: page, End: page + hostarch.PageSize},
		Perms: hostarch.AccessType{Read: true, Write: true},
		Flags: mm.VMAFlags{Private: true},
	})
	if got := Handle(f, true, page, false, false, false); got != Resolved {
		t.Fatalf("Handle(demand page) = %v, want Resolved", got)
	}
	if _, perms, _, ok := f.as.Translate(page); !ok || !perms.Read {
		t.Fatalf("page should be mapped and readable after Resolved")
	}
}

// primeCoWPage maps page through a private VMA, shares its frame between
// two fake faulters (as kernel.Fork would), and returns the frame id.
func primeCoWPage(t *testing.T) (parent, child *fakeFaulter, frame uint64) {
	t.Helper()
	parent = newFakeFaulter()
	vma := &mm.VMA{
		Range: hostarch.AddrRange{Start: page, End: page + hostarch.PageSize},
		Perms: hostarch.AccessType{Read: true, Write: true},
		Flags: mm.VMAFlags{Private: true},
	}
	parent.as.Insert(vma)
	if got := Handle(parent, true, page, false, false, false); got != Resolved {
		t.Fatalf("priming fault: got %v, want Resolved", got)
	}
	frame, _, _, _ = parent.as.Translate(page)

	parent.frames.IncRef(pgalloc.FrameID(frame))
	parent.as.MapPage(page, frame, hostarch.AccessType{Read: true}, true) // downgrade, as Fork would

	child = newFakeFaulter()
	child.as.Insert(&mm.VMA{
		Range: hostarch.AddrRange{Start: page, End: page + hostarch.PageSize},
		Perms: hostarch.AccessType{Read: true, Write: true},
		Flags: mm.VMAFlags{Private: true},
	})
	child.frames = parent.frames // the allocator is process-wide (kernel-level), shared here for the test
	child.as.MapPage(page, frame, hostarch.AccessType{Read: true}, true)
	return parent, child, frame
}

func TestHandleCoWCopiesWhenSharedByMultiple(t *testing.T) {
	parent, _, frame := primeCoWPage(t)
	if rc := parent.frames.RefCount(pgalloc.FrameID(frame)); rc != 2 {
		t.Fatalf("setup: refcount = %d, want 2", rc)
	}

	if got := Handle(parent, true, page, true, true, false); got != Resolved {
		t.Fatalf("Handle(CoW write, shared) = %v, want Resolved", got)
	}
	newFrame, perms, _, ok := parent.as.Translate(page)
	if !ok || !perms.Write {
		t.Fatalf("page should be writable after CoW resolution")
	}
	if newFrame == frame {
		t.Fatalf("a shared frame's CoW fault should copy to a new frame, not upgrade in place")
	}
	if rc := parent.frames.RefCount(pgalloc.FrameID(frame)); rc != 1 {
		t.Fatalf("original frame refcount after CoW copy = %d, want 1", rc)
	}
}

func TestHandleCoWUpgradesInPlaceWhenSoleOwner(t *testing.T) {
	f := newFakeFaulter()
	f.as.Insert(&mm.VMA{
		Range: hostarch.AddrRange{Start: page, End: page + hostarch.PageSize},
		Perms: hostarch.AccessType{Read: true, Write: true},
		Flags: mm.VMAFlags{Private: true},
	})
	if got := Handle(f, true, page, false, false, false); got != Resolved {
		t.Fatalf("priming fault: got %v, want Resolved", got)
	}
	frame, _, _, _ := f.as.Translate(page)
	f.as.MapPage(page, frame, hostarch.AccessType{Read: true}, true) // downgrade without sharing

	if got := Handle(f, true, page, true, true, false); got != Resolved {
		t.Fatalf("Handle(CoW write, sole owner) = %v, want Resolved", got)
	}
	newFrame, perms, _, ok := f.as.Translate(page)
	if !ok || !perms.Write {
		t.Fatalf("page should be writable after in-place upgrade")
	}
	if newFrame != frame {
		t.Fatalf("a sole-owner CoW fault should upgrade in place, not allocate a new frame")
	}
}

func TestHandlePresentNonCoWWriteIsProtectionViolation(t *testing.T) {
	f := newFakeFaulter()
	f.as.Insert(&mm.VMA{
		Range: hostarch.AddrRange{Start: page, End: page + hostarch.PageSize},
		Perms: hostarch.AccessType{Read: true},
		Flags: mm.VMAFlags{Shared: true},
	})
	frame, err := f.frames.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	f.as.MapPage(page, uint64(frame), hostarch.AccessType{Read: true}, false)

	if got := Handle(f, true, page, true, true, false); got != Signaled {
		t.Fatalf("Handle(write to read-only shared mapping) = %v, want Signaled", got)
	}
	if info := f.info[signal.SIGSEGV]; info.Code != signal.SEGV_ACCERR {
		t.Fatalf("si_code = %d, want SEGV_ACCERR", info.Code)
	}
}
