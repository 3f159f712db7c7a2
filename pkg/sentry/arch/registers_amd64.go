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

package arch

// GPRegs is the set of 15 general-purpose registers saved on every trap
// into this core, in the ptrace PTRACE_GETREGS/PTRACE_SETREGS field set.
// Both trap.Frame and trap.SyscallFrame embed this same set; what differs
// between the two entry paths is only which of these fields double as the
// CPU-delivered return state (SyscallFrame.RCX is the return RIP,
// SyscallFrame.R11 is the return RFLAGS — see trap.SyscallFrame).
type GPRegs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// SyscallArgs returns the six Linux x86-64 syscall argument registers in
// ABI order: rdi, rsi, rdx, r10, r8, r9.
func (g *GPRegs) SyscallArgs() SyscallArguments {
	return SyscallArguments{
		{Value: uintptr(g.RDI)},
		{Value: uintptr(g.RSI)},
		{Value: uintptr(g.RDX)},
		{Value: uintptr(g.R10)},
		{Value: uintptr(g.R8)},
		{Value: uintptr(g.R9)},
	}
}

// SyscallNo returns the syscall number, carried in rax at entry.
func (g *GPRegs) SyscallNo() uintptr { return uintptr(g.RAX) }

// SetReturn sets the syscall return value, carried in rax at exit.
func (g *GPRegs) SetReturn(v uint64) { g.RAX = v }

// Snapshot returns the 16-word ordering signal-frame construction uses for
// mcontext population: r15..rax, with a trailing zero pad slot reserved for
// a future fpstate pointer.
func (g *GPRegs) Snapshot() [16]uint64 {
	return [16]uint64{
		g.R15, g.R14, g.R13, g.R12, g.R11, g.R10, g.R9, g.R8,
		g.RBP, g.RDI, g.RSI, g.RDX, g.RCX, g.RBX, g.RAX, 0,
	}
}

// RestoreSnapshot is the inverse of Snapshot.
func (g *GPRegs) RestoreSnapshot(regs [16]uint64) {
	g.R15, g.R14, g.R13, g.R12 = regs[0], regs[1], regs[2], regs[3]
	g.R11, g.R10, g.R9, g.R8 = regs[4], regs[5], regs[6], regs[7]
	g.RBP, g.RDI, g.RSI, g.RDX = regs[8], regs[9], regs[10], regs[11]
	g.RCX, g.RBX, g.RAX = regs[12], regs[13], regs[14]
}
