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

// Package arch provides the x86-64 register layout shared by the trap and
// syscall frames, and the syscall-argument accessor helpers that convert
// raw register values to typed C-equivalent Go values.
package arch

// SyscallArgument is a single argument to a syscall, accessed through a
// named accessor method rather than directly so that the conversion
// between the native register width and the target Go type (size and
// signedness) only happens in one place.
type SyscallArgument struct {
	Value uintptr
}

// SyscallArguments is the set of up to six arguments passed to a syscall,
// in rdi, rsi, rdx, r10, r8, r9 order.
type SyscallArguments [6]SyscallArgument

// Int returns the int32 representation of a 32-bit signed argument.
func (a SyscallArgument) Int() int32 { return int32(a.Value) }

// Uint returns the uint32 representation of a 32-bit unsigned argument.
func (a SyscallArgument) Uint() uint32 { return uint32(a.Value) }

// Int64 returns the int64 representation of a 64-bit signed argument.
func (a SyscallArgument) Int64() int64 { return int64(a.Value) }

// Uint64 returns the uint64 representation of a 64-bit unsigned argument.
func (a SyscallArgument) Uint64() uint64 { return uint64(a.Value) }

// SizeT returns the uint representation of a size_t argument.
func (a SyscallArgument) SizeT() uint { return uint(a.Value) }

// ModeT returns the mode_t representation of an argument.
func (a SyscallArgument) ModeT() uint { return uint(uint16(a.Value)) }

// Pointer returns the argument reinterpreted as a user-space address.
func (a SyscallArgument) Pointer() uintptr { return a.Value }
