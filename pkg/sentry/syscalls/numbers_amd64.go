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

//go:build amd64
// +build amd64

package syscalls

// Linux x86-64 syscall numbers for every family this core recognizes.
// Values match the upstream kernel's arch/x86/entry/syscalls/syscall_64.tbl;
// this core registers at least a stub for each number listed here even
// where the underlying mechanism (a real socket stack, a real filesystem)
// is out of scope — the -ENOSYS-for-unknown-number fallback in
// Kernel.Dispatch only applies to numbers outside this list.
const (
	SysRead       = 0
	SysWrite      = 1
	SysOpen       = 2
	SysClose      = 3
	SysStat       = 4
	SysFstat      = 5
	SysLstat      = 6
	SysPoll       = 7
	SysLseek      = 8
	SysMmap       = 9
	SysMprotect   = 10
	SysMunmap     = 11
	SysBrk        = 12
	SysRtSigaction   = 13
	SysRtSigprocmask = 14
	SysRtSigreturn   = 15
	SysIoctl      = 16
	SysPipe       = 22
	SysAccess     = 21
	SysSelect     = 23
	SysSchedYield = 24
	SysDup        = 32
	SysDup2       = 33
	SysNanosleep  = 35
	SysGetpid     = 39
	SysSocket     = 41
	SysConnect    = 42
	SysAccept     = 43
	SysSendto     = 44
	SysRecvfrom   = 45
	SysShutdown   = 48
	SysBind       = 49
	SysListen     = 50
	SysGetsockname = 51
	SysGetpeername = 52
	SysSetsockopt = 54
	SysGetsockopt = 55
	SysClone      = 56
	SysFork       = 57
	SysExecve     = 59
	SysExit       = 60
	SysWait4      = 61
	SysKill       = 62
	SysUname      = 63
	SysFcntl      = 72
	SysFsync      = 74
	SysFdatasync  = 75
	SysTruncate   = 76
	SysFtruncate  = 77
	SysGetcwd     = 79
	SysChdir      = 80
	SysRename     = 82
	SysMkdir      = 83
	SysRmdir      = 84
	SysUnlink     = 87
	SysSymlink    = 88
	SysReadlink   = 89
	SysChmod      = 90
	SysFchmod     = 91
	SysChown      = 92
	SysFchown     = 93
	SysLchown     = 94
	SysGettimeofday = 96
	SysGetrlimit  = 97
	SysGetuid     = 102
	SysGetgid     = 104
	SysSetuid     = 105
	SysSetgid     = 106
	SysGeteuid    = 107
	SysGetegid    = 108
	SysSetpgid    = 109
	SysGetppid    = 110
	SysGetpgrp    = 111
	SysSetsid     = 112
	SysSetreuid   = 113
	SysSetregid   = 114
	SysGetgroups  = 115
	SysSetgroups  = 116
	SysSetresuid  = 117
	SysGetresuid  = 118
	SysSetresgid  = 119
	SysGetresgid  = 120
	SysGetpgid    = 121
	SysGetsid     = 124
	SysRtSigpending  = 127
	SysRtSigsuspend  = 130
	SysSigaltstack   = 131
	SysMknod      = 133
	SysSetrlimit  = 160
	SysSettimeofday = 164
	SysReboot     = 169
	SysPrctl      = 157
	SysArchPrctl  = 158
	SysGettid     = 186
	SysTkill      = 200
	SysFutex      = 202
	SysSchedSetaffinity = 203
	SysSchedGetaffinity = 204
	SysGetdents64 = 217
	SysSetTidAddress = 218
	SysClockGettime = 228
	SysClockGetres  = 229
	SysExitGroup  = 231
	SysTgkill     = 234
	SysWaitid     = 247
	SysMknodat    = 259
	SysFaccessat  = 269
	SysPselect6   = 270
	SysPpoll      = 271
	SysPrlimit64  = 302
	SysEventfd    = 284
	SysEventfd2   = 290
	SysShmget     = 29
	SysShmat      = 30
	SysShmctl     = 31
	SysShmdt      = 67
	SysMsgget     = 68
	SysMsgsnd     = 69
	SysMsgrcv     = 70
	SysMsgctl     = 71
)
