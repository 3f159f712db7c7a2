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
	"encoding/binary"
	"fmt"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

// MContext is the complete pre-handler GPR snapshot plus the segment/flags
// words a signal handler's ucontext_t needs to see and rt_sigreturn needs
// to restore.
type MContext struct {
	GPRs   [16]uint64 // arch.GPRegs.Snapshot() order: r15..rax, pad
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
	CS     uint64
	GS     uint64
	FS     uint64
}

const mcontextSize = 16*8 + 8*6

// UContext carries the MContext plus the pre-handler signal mask, the
// frame's contract with rt_sigreturn.
type UContext struct {
	MC   MContext
	Mask uint64
}

const ucontextSize = mcontextSize + 8

// SignalFrame is the exact on-stack layout the rt_sigreturn ABI fixes: an
// 8-byte trampoline return address, a Siginfo, and a UContext.
type SignalFrame struct {
	Trampoline uint64
	Info       Siginfo
	Ctx        UContext
}

const siginfoSize = 4*3 + 4 + 8 + 4 + 4 // Signo,Code,Errno,pad,Addr,PID,UID

// FrameSize is sizeof(SignalFrame) as written to the user stack.
const FrameSize = 8 + siginfoSize + ucontextSize

// stackAlign is the ABI-mandated alignment of the signal frame base.
const stackAlign = 16

// sanityFloor is the lowest address BuildFrame will ever write to; a
// would-be frame below this is refused rather than silently corrupting
// whatever lives at a near-null address. Page zero is this core's choice
// of floor.
const sanityFloor = hostarch.Addr(hostarch.PageSize)

// pageWriter abstracts the byte-level access BuildFrame/RestoreFrame need
// into an AddressSpace backed by pgalloc frames, so this package doesn't
// need to know how a given virtual page resolves to bytes beyond "look it
// up, then index into the frame".
type pageWriter struct {
	as     *mm.AddressSpace
	frames *pgalloc.FrameTable
}

func (w pageWriter) write(addr hostarch.Addr, buf []byte) error {
	for len(buf) > 0 {
		frame, _, _, ok := w.as.Translate(addr)
		if !ok {
			return fmt.Errorf("signal: %#x is not a mapped user page", addr)
		}
		data := w.frames.Data(pgalloc.FrameID(frame))
		off := int(addr.PageOffset())
		n := copy(data[off:], buf)
		buf = buf[n:]
		addr += hostarch.Addr(n)
	}
	return nil
}

func (w pageWriter) read(addr hostarch.Addr, n int) ([]byte, error) {
	out := make([]byte, n)
	rest := out
	cur := addr
	for len(rest) > 0 {
		frame, _, _, ok := w.as.Translate(cur)
		if !ok {
			return nil, fmt.Errorf("signal: %#x is not a mapped user page", cur)
		}
		data := w.frames.Data(pgalloc.FrameID(frame))
		off := int(cur.PageOffset())
		c := copy(rest, data[off:])
		rest = rest[c:]
		cur += hostarch.Addr(c)
	}
	return out, nil
}

// BuildFrame lays out a SignalFrame below rsp for delivery of n, and
// returns the new stack pointer the handler should run with: subtract,
// align, floor check, then write trampoline/Siginfo/UContext.
func BuildFrame(as *mm.AddressSpace, frames *pgalloc.FrameTable, n Num, info Siginfo, regs *arch.GPRegs, rip, rsp, rflags uint64, savedMask uint64, act Action) (newSP uint64, err error) {
	sp := hostarch.Addr(rsp) - hostarch.Addr(FrameSize)
	sp &^= (stackAlign - 1)
	if sp < sanityFloor {
		return 0, fmt.Errorf("signal: frame for signal %d would fall below sanity floor (sp=%#x)", n, sp)
	}

	info.Signo = int32(n)
	mc := MContext{
		GPRs:   regs.Snapshot(),
		RIP:    rip,
		RSP:    rsp,
		RFLAGS: rflags,
		CS:     0x3,
	}

	buf := make([]byte, 0, FrameSize)
	buf = appendU64(buf, act.Restorer)
	buf = appendSiginfo(buf, info)
	buf = appendU64Array(buf, mc.GPRs[:])
	buf = appendU64(buf, mc.RIP)
	buf = appendU64(buf, mc.RSP)
	buf = appendU64(buf, mc.RFLAGS)
	buf = appendU64(buf, mc.CS)
	buf = appendU64(buf, mc.GS)
	buf = appendU64(buf, mc.FS)
	buf = appendU64(buf, savedMask)

	w := pageWriter{as: as, frames: frames}
	if err := w.write(sp, buf); err != nil {
		return 0, err
	}
	return uint64(sp), nil
}

// RestoreFrame is rt_sigreturn's implementation: read the UContext back
// from the user stack at sp (the address the trampoline's rsp points at
// when it issues the rt_sigreturn syscall) and return the pre-handler
// state to restore into the resuming frame. RestoreFrame trusts the memory
// layout but not the values in it — it does not validate the restored
// RIP/RSP/RFLAGS are sane, only that sp itself resolves to mapped user
// memory.
func RestoreFrame(as *mm.AddressSpace, frames *pgalloc.FrameTable, sp uint64) (regs arch.GPRegs, rip, rsp, rflags, mask uint64, err error) {
	w := pageWriter{as: as, frames: frames}
	buf, err := w.read(hostarch.Addr(sp), FrameSize)
	if err != nil {
		return arch.GPRegs{}, 0, 0, 0, 0, err
	}

	off := 8 + siginfoSize
	var gprs [16]uint64
	for i := range gprs {
		gprs[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	rip = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	rsp = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	rflags = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	off += 8 // cs
	off += 8 // gs
	off += 8 // fs
	mask = binary.LittleEndian.Uint64(buf[off:])

	regs.RestoreSnapshot(gprs)
	return regs, rip, rsp, rflags, mask, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64Array(buf []byte, vs []uint64) []byte {
	for _, v := range vs {
		buf = appendU64(buf, v)
	}
	return buf
}

func appendSiginfo(buf []byte, info Siginfo) []byte {
	var tmp [4]byte
	put32 := func(v int32) {
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		buf = append(buf, tmp[:]...)
	}
	put32(info.Signo)
	put32(info.Code)
	put32(info.Errno)
	put32(0)
	buf = appendU64(buf, info.Addr)
	put32(info.PID)
	put32(info.UID)
	return buf
}
