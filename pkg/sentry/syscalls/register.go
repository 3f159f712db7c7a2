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

// Package syscalls builds the rax-indexed dispatch table kernel.Kernel
// holds, one family file per group of related syscall numbers (process,
// signal, memory, file, filesystem, credentials, IPC, misc) rather than one
// giant switch.
//
// This package imports kernel (it needs kernel.Task/kernel.Kernel to call
// into) and so cannot itself be imported by kernel; RegisterAll is called
// from outside both packages (cmd/kcored's boot path, or a test's harness
// setup) once a *kernel.Kernel exists.
package syscalls

import "github.com/ionkernel/sentry/pkg/sentry/kernel"

// RegisterAll installs every syscall family this core implements into k's
// dispatch table. Call once, immediately after kernel.New.
func RegisterAll(k *kernel.Kernel) {
	registerProcess(k)
	registerSignal(k)
	registerMM(k)
	registerFile(k)
	registerFS(k)
	registerCreds(k)
	registerIPC(k)
	registerMisc(k)
}
