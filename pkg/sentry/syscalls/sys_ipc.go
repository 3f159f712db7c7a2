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
	"context"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/arch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/shm"
)

// registerIPC installs the SysV shared memory family fully against
// kernel.Kernel.Shm, plus the message-queue and eventfd numbers as
// recognized stubs: this core implements SysV shared memory but no
// message-queue or notification-fd mechanism.
func registerIPC(k *kernel.Kernel) {
	k.RegisterSyscall(SysShmget, Supported("shmget", sysShmget))
	k.RegisterSyscall(SysShmat, Supported("shmat", sysShmat))
	k.RegisterSyscall(SysShmctl, Supported("shmctl", sysShmctl))
	k.RegisterSyscall(SysShmdt, Supported("shmdt", sysShmdt))
	k.RegisterSyscall(SysMsgget, Error("msgget", errno.ENOSYS, "no SysV message queue support"))
	k.RegisterSyscall(SysMsgsnd, Error("msgsnd", errno.ENOSYS, "no SysV message queue support"))
	k.RegisterSyscall(SysMsgrcv, Error("msgrcv", errno.ENOSYS, "no SysV message queue support"))
	k.RegisterSyscall(SysMsgctl, Error("msgctl", errno.ENOSYS, "no SysV message queue support"))
	k.RegisterSyscall(SysEventfd, Error("eventfd", errno.ENOSYS, "no notification-fd type"))
	k.RegisterSyscall(SysEventfd2, Error("eventfd2", errno.ENOSYS, "no notification-fd type"))
}

func sysShmget(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	key := args[0].Int()
	size := args[1].Uint64()
	flags := args[2].Uint()
	creat := flags&shm.IPCCreat != 0
	excl := flags&shm.IPCExcl != 0
	mode := flags &^ uint32(shm.IPCCreat|shm.IPCExcl)

	creds := t.Proc.Credentials()
	id, err := t.Kernel.Shm().Get(context.Background(), t.Proc.PID, creds.EUID, creds.EGID, key, size, mode, creat, excl)
	if err != nil {
		return 0, nil, err
	}
	return uintptr(id), nil, nil
}

func sysShmat(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	id := args[0].Uint()
	addr := hostarch.Addr(args[1].Pointer())
	flags := args[2].Uint()
	readOnly := flags&shm.SHMRDOnly != 0

	creds := t.Proc.Credentials()
	virt, err := t.Kernel.Shm().Attach(context.Background(), t.Proc.PID, creds.EUID, creds.EGID, id, addr, readOnly, t.Proc.AddressSpace())
	if err != nil {
		return 0, nil, err
	}
	return uintptr(virt), nil, nil
}

func sysShmdt(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	addr := hostarch.Addr(args[0].Pointer())
	if err := t.Kernel.Shm().Detach(t.Proc.PID, addr, t.Proc.AddressSpace()); err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}

func sysShmctl(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	id := args[0].Uint()
	cmd := args[1].Int()
	creds := t.Proc.Credentials()
	_, _, err := t.Kernel.Shm().Ctl(t.Proc.PID, creds.EUID, creds.EGID, id, int(cmd), nil)
	if err != nil {
		return 0, nil, err
	}
	return 0, nil, nil
}
