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

package syscalls

import (
	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/smp"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4

	mapShared    = 0x01
	mapPrivate   = 0x02
	mapFixed     = 0x10
	mapAnonymous = 0x20
)

// registerMM installs mmap/mprotect/munmap/brk. This core has no file-backed
// paging, so mmap rejects any request that isn't MAP_ANONYMOUS|MAP_PRIVATE
// — the one case the demand-paging and CoW paths actually exercise.
func registerMM(k *kernel.Kernel) {
	k.RegisterSyscall(SysMmap, PartiallySupported("mmap", sysMmap,
		"only MAP_PRIVATE|MAP_ANONYMOUS is supported; file-backed mappings return EINVAL"))
	k.RegisterSyscall(SysMprotect, Supported("mprotect", sysMprotect))
	k.RegisterSyscall(SysMunmap, Supported("munmap", sysMunmap))
	k.RegisterSyscall(SysBrk, Supported("brk", sysBrk))
}

func accessTypeFromProt(prot uint32) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    prot&protRead != 0,
		Write:   prot&protWrite != 0,
		Execute: prot&protExec != 0,
	}
}

func sysMmap(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	addr := hostarch.Addr(args[0].Pointer())
	length := args[1].SizeT()
	prot := args[2].Uint()
	flags := args[3].Uint()
	fd := args[4].Int()

	if flags&mapAnonymous == 0 || fd != -1 {
		return 0, nil, errno.Errorf("mmap: file-backed mappings are not supported")
	}
	if flags&mapShared != 0 {
		return 0, nil, errno.EINVAL
	}

	as := t.Proc.AddressSpace()
	size := hostarch.MustPageRoundUp(uint64(length))
	virt := addr
	if flags&mapFixed == 0 || virt == 0 {
		virt = as.FindFreeRange(addr, size)
	}
	vma := &mm.VMA{
		Range: hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)},
		Perms: accessTypeFromProt(prot),
		Flags: mm.VMAFlags{Private: true},
		Name:  "anon",
	}
	if err := as.Insert(vma); err != nil {
		return 0, nil, errno.ENOMEM
	}
	return uintptr(virt), nil, nil
}

func sysMprotect(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	addr := hostarch.Addr(args[0].Pointer())
	length := args[1].SizeT()
	prot := args[2].Uint()

	as := t.Proc.AddressSpace()
	size := hostarch.MustPageRoundUp(uint64(length))
	v := as.Find(addr)
	if v == nil {
		return 0, nil, errno.ENOMEM
	}
	// Re-insert with the new permissions over exactly the requested range;
	// AddressSpace has no dedicated "change perms in place" op, so remove
	// and reinsert mirrors how munmap/mmap already manipulate the VMA set.
	old := as.Remove(v.Range)
	if old == nil {
		return 0, nil, errno.ENOMEM
	}
	newVMA := *old
	newVMA.Range = hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	newVMA.Perms = accessTypeFromProt(prot)
	if err := as.Insert(&newVMA); err != nil {
		as.Insert(old)
		return 0, nil, errno.ENOMEM
	}
	for off := uint64(0); off < size; off += hostarch.PageSize {
		as.Invalidate(addr + hostarch.Addr(off))
	}
	if err := smp.TLBShootdown(uint64(addr)); err != nil {
		klog.Warnf("mprotect: TLB shootdown for %#x failed: %v", addr, err)
	}
	return 0, nil, nil
}

func sysMunmap(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	addr := hostarch.Addr(args[0].Pointer())
	length := args[1].SizeT()
	size := hostarch.MustPageRoundUp(uint64(length))

	as := t.Proc.AddressSpace()
	frames := t.Kernel.Frames()
	for off := uint64(0); off < size; off += hostarch.PageSize {
		page := addr + hostarch.Addr(off)
		if frame, ok := as.UnmapPage(page); ok {
			frames.DecRef(pgalloc.FrameID(frame))
		}
		as.Invalidate(page)
	}
	as.Remove(hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)})
	if err := smp.TLBShootdown(uint64(addr)); err != nil {
		klog.Warnf("munmap: TLB shootdown for %#x failed: %v", addr, err)
	}
	return 0, nil, nil
}

func sysBrk(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	newBrk := hostarch.Addr(args[0].Pointer())
	cur := t.Proc.Brk(newBrk)
	return uintptr(cur), nil, nil
}
