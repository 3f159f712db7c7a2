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

// Package trap is the interrupt and syscall entry/dispatch core: the vector
// table, the two frame shapes a trap can arrive with, and the dispatcher
// that turns a raw frame into a handler call plus a pending-signal check on
// the way back out. The frames below carry exactly the register state a
// real "iretq" or "sysretq" would restore, and Dispatch occupies the seam
// where that restore happens — the one place register state can still be
// rewritten to redirect control flow into a signal handler, or hand off to
// a different thread's frame entirely, instead of resuming the interrupted
// instruction unchanged.
package trap

import "github.com/ionkernel/sentry/pkg/sentry/arch"

// Vector identifies the interrupt or exception that produced a Frame.
type Vector uint64

// The subset of the x86-64 exception vectors this core inspects by number;
// everything else is routed generically through the vector table.
const (
	VectorDivideError     Vector = 0
	VectorDebug           Vector = 1
	VectorNMI             Vector = 2
	VectorBreakpoint      Vector = 3
	VectorOverflow        Vector = 4
	VectorBoundRange      Vector = 5
	VectorInvalidOpcode   Vector = 6
	VectorDeviceNotAvail  Vector = 7
	VectorDoubleFault     Vector = 8
	VectorInvalidTSS      Vector = 10
	VectorSegmentNotPres  Vector = 11
	VectorStackFault      Vector = 12
	VectorGeneralProtect  Vector = 13
	VectorPageFault       Vector = 14
	VectorFPUError        Vector = 16
	VectorAlignmentCheck  Vector = 17
	VectorMachineCheck    Vector = 18
	VectorSIMDFPException Vector = 19
)

// FirstExternalVector is the first vector number available for
// externally-routed (IRQ/IPI) interrupts, below which every vector is a CPU
// exception with fixed semantics.
const FirstExternalVector = 32

// VectorIRQTimer is the one external interrupt this core actually routes
// through the vector table: the periodic timer tick that drives
// Kernel.OnTimerTick. IRQ/IPI numbering above this point is otherwise
// unallocated; kernel/smp's IPI vectors (240-244) live in that package's
// own numbering space and never pass through this table, since cross-CPU
// signals in this port are delivered directly to a registered receiver
// rather than routed through Dispatch.
const VectorIRQTimer Vector = FirstExternalVector

// Frame is the register and CPU-delivered state present on every interrupt
// or exception entry: the 15 GPRs this core always saves, the vector and
// (for vectors that carry one) hardware error code pushed before the stub
// runs, and the four/five words the CPU itself pushes on any privilege
// change: rip, cs, rflags, rsp, ss.
type Frame struct {
	GPRegs arch.GPRegs

	Vector Vector
	Error  uint64

	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64
}

// InUserMode reports whether the trapped context was running at CPL 3. CS's
// low two bits carry the privilege level on entry into any exception or
// interrupt handler.
func (f *Frame) InUserMode() bool {
	return f.CS&0x3 == 0x3
}

// SyscallFrame is the register state present on SYSCALL entry. Unlike
// Frame, the CPU pushes nothing: SYSCALL stores the return RIP into rcx and
// the caller's RFLAGS into r11 instead, so those two GPRegs fields do
// double duty as the return-state words. RSP is tracked separately rather
// than folded into GPRegs because SYSCALL leaves it untouched in the
// hardware register file — a real entry stub would stash it in the per-CPU
// UserRSPTmp scratch slot before switching onto a kernel stack; the caller
// here reads it straight off the traced thread's register set and hands it
// back, so this field plays the same role that scratch slot would.
type SyscallFrame struct {
	GPRegs arch.GPRegs
	RSP    uint64
}

// ReturnRIP is the address SYSRET will resume at, carried in rcx per the
// SYSCALL/SYSRET ABI.
func (sf *SyscallFrame) ReturnRIP() uint64 { return sf.GPRegs.RCX }

// SetReturnRIP overrides the resume address, used to redirect a returning
// syscall into a signal handler trampoline instead of back to the caller.
func (sf *SyscallFrame) SetReturnRIP(rip uint64) { sf.GPRegs.RCX = rip }

// ReturnRFLAGS is the flags word SYSRET will restore, carried in r11.
func (sf *SyscallFrame) ReturnRFLAGS() uint64 { return sf.GPRegs.R11 }

// SetReturnRFLAGS overrides the flags SYSRET will restore.
func (sf *SyscallFrame) SetReturnRFLAGS(flags uint64) { sf.GPRegs.R11 = flags }
