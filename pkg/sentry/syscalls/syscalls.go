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

// Package syscalls holds the constructor helpers used to build
// kernel.Syscall dispatch-table entries, and the per-family syscall
// implementations (sys_*.go) registered against a *kernel.Kernel at boot.
//
// The stubs here may merely provide the interface, not the actual
// implementation, which keeps registering an unimplemented-but-recognized
// syscall number as easy as registering a fully modeled one.
package syscalls

import (
	"context"
	"fmt"

	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
	"github.com/ionkernel/sentry/pkg/sentry/unimpl"
)

// Supported returns a syscall entry that is fully implemented.
func Supported(name string, fn kernel.SyscallFn) kernel.Syscall {
	return kernel.Syscall{
		Name:         name,
		Fn:           fn,
		SupportLevel: kernel.SupportFull,
		Note:         "Fully supported.",
	}
}

// PartiallySupported returns a syscall entry that implements only the
// common case; note should say what's missing.
func PartiallySupported(name string, fn kernel.SyscallFn, note string) kernel.Syscall {
	return kernel.Syscall{
		Name:         name,
		Fn:           fn,
		SupportLevel: kernel.SupportPartial,
		Note:         note,
	}
}

// Error returns a syscall entry that always fails with err, without
// reporting an unimplemented-syscall event — used for syscall numbers this
// core deliberately refuses (e.g. a Non-goal'd mechanism), as distinct from
// one it simply hasn't gotten to yet.
func Error(name string, err error, note string) kernel.Syscall {
	return kernel.Syscall{
		Name: name,
		Fn: func(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
			return 0, nil, err
		},
		SupportLevel: kernel.SupportNone,
		Note:         fmt.Sprintf("%s Always returns %q.", note, err),
	}
}

// ErrorWithEvent is Error plus an unimplemented-syscall event report, for a
// syscall number real applications are expected to probe for.
func ErrorWithEvent(name string, err error, note string) kernel.Syscall {
	s := Error(name, err, note)
	s.Fn = func(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
		unimpl.EmitUnimplementedEvent(context.Background(), sysno)
		return 0, nil, err
	}
	return s
}

// CapError returns a syscall entry that checks capability c: -EPERM if the
// calling task's credentials lack it, -ENOSYS (looking, to an unprivileged
// caller, exactly like a syscall that was never implemented) otherwise.
func CapError(name string, c kernel.Capability, note string) kernel.Syscall {
	return kernel.Syscall{
		Name: name,
		Fn: func(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
			if !t.Proc.Credentials().HasCapability(c) {
				return 0, nil, errno.EPERM
			}
			return 0, nil, errno.ENOSYS
		},
		SupportLevel: kernel.SupportNone,
		Note:         fmt.Sprintf("%s Returns EPERM without %s, ENOSYS otherwise.", note, c),
	}
}
