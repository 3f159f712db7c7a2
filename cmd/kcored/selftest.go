// Copyright 2020 The gVisor Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/bootconfig"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/sched"
	"github.com/ionkernel/sentry/pkg/sentry/syscalls"
)

// selftestCmd drives the dispatch table directly, with no traced stub: a
// way to confirm the syscall table, memory syscalls and shm manager are
// wired together correctly in environments (containers without
// CAP_SYS_PTRACE, CI) where boot's ptrace(2) requirement can't run.
type selftestCmd struct{}

func (*selftestCmd) Name() string     { return "selftest" }
func (*selftestCmd) Synopsis() string { return "exercise the dispatch table without tracing a stub" }
func (*selftestCmd) Usage() string {
	return "selftest - run brk/mmap/shm/getpid through Kernel.Dispatch directly\n"
}
func (*selftestCmd) SetFlags(*flag.FlagSet) {}

func (*selftestCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	k := kernel.New(bootconfig.Default(), sched.NewRoundRobin())
	syscalls.RegisterAll(k)
	t, _ := k.CreateInitProcess()

	check := func(name string, sysno uintptr, args arch.SyscallArguments) int64 {
		rv, ctrl := k.Dispatch(t, sysno, args)
		if ctrl != nil && ctrl.Exit {
			fmt.Printf("%-12s -> exit(%d)\n", name, ctrl.ExitStatus)
		} else {
			fmt.Printf("%-12s -> %d\n", name, rv)
		}
		return rv
	}

	check("getpid", syscalls.SysGetpid, arch.SyscallArguments{})
	check("brk(0)", syscalls.SysBrk, arch.SyscallArguments{})

	const mapAnonymous, mapPrivate, protRW = 0x20, 0x2, 0x3
	mapRV := check("mmap", syscalls.SysMmap, arch.SyscallArguments{
		{Value: 0}, {Value: 4096}, {Value: protRW}, {Value: mapPrivate | mapAnonymous}, {Value: ^uintptr(0)}, {Value: 0},
	})

	check("munmap", syscalls.SysMunmap, arch.SyscallArguments{{Value: uintptr(mapRV)}, {Value: 4096}})

	const ipcCreat = 0o1000
	shmID := check("shmget", syscalls.SysShmget, arch.SyscallArguments{{Value: 0}, {Value: 4096}, {Value: ipcCreat | 0o600}})
	if shmID >= 0 {
		shmAddr := check("shmat", syscalls.SysShmat, arch.SyscallArguments{{Value: uintptr(shmID)}, {Value: 0}, {Value: 0}})
		check("shmdt", syscalls.SysShmdt, arch.SyscallArguments{{Value: uintptr(shmAddr)}})
	}

	fmt.Println("selftest: dispatch table wired end to end")
	return subcommands.ExitSuccess
}
