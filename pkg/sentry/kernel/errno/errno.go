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

// Package errno provides the small, flat set of errno sentinels the
// syscall dispatcher and fault paths need, adapted from gVisor's
// pkg/errors/linuxerr for this core: a single package of typed sentinel
// errors with an associated negative syscall-return value.
package errno

import "fmt"

// Errno is a Linux errno value usable both as a Go error and, negated, as
// a syscall return value.
type Errno struct {
	name  string
	value int64
}

func (e *Errno) Error() string { return e.name }

// Negated returns the value a syscall handler returns on this error, i.e.
// -errno.
func (e *Errno) Negated() int64 { return -e.value }

func newErrno(name string, value int64) *Errno {
	return &Errno{name: name, value: value}
}

// The subset of errno values this core's syscall table and fault paths
// return. Numeric values match Linux x86-64.
var (
	EPERM  = newErrno("EPERM", 1)
	ENOENT = newErrno("ENOENT", 2)
	EINTR  = newErrno("EINTR", 4)
	EIO    = newErrno("EIO", 5)
	EBADF  = newErrno("EBADF", 9)
	ECHILD = newErrno("ECHILD", 10)
	ENOMEM = newErrno("ENOMEM", 12)
	EACCES = newErrno("EACCES", 13)
	EFAULT = newErrno("EFAULT", 14)
	EEXIST = newErrno("EEXIST", 17)
	EINVAL = newErrno("EINVAL", 22)
	ESRCH  = newErrno("ESRCH", 3)
	ENOSYS = newErrno("ENOSYS", 38)
	EIDRM  = newErrno("EIDRM", 43)
)

// FromError converts a generic error into its negative-errno return value,
// defaulting to -EINVAL for errors this package didn't originate.
func FromError(err error) int64 {
	if err == nil {
		return 0
	}
	if e, ok := err.(*Errno); ok {
		return e.Negated()
	}
	return EINVAL.Negated()
}

// Errorf builds an ad hoc error (not an Errno) for diagnostics that never
// cross the syscall-return boundary.
func Errorf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
