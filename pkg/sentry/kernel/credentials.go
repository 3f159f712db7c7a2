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

package kernel

// Credentials is the credential set a task carries: real/effective/saved
// UID and GID plus the supplementary group list, enough to back the
// getuid/setuid/geteuid/setreuid/setresuid (and gid counterparts) and
// getgroups/setgroups syscall families.
type Credentials struct {
	UID, EUID, SUID, FSUID uint32
	GID, EGID, SGID, FSGID uint32
	Groups                 []uint32
	Caps                   CapabilitySet
}

// RootCredentials returns the credential set the kernel's bootstrap task
// starts with: uid/gid 0, every capability this core recognizes.
func RootCredentials() Credentials {
	return Credentials{Caps: FullCapabilitySet}
}

// HasCapability reports whether the credential set grants c: either a
// direct bit, or the Linux legacy shortcut of euid==0 granting everything.
func (c Credentials) HasCapability(cap Capability) bool {
	if c.EUID == 0 {
		return true
	}
	return c.Caps.Has(cap)
}

// Clone returns a deep copy suitable for a forked child: POSIX credentials
// are inherited verbatim across fork (only exec's set-UID/set-GID bit
// handling, out of this core's scope, would change them).
func (c Credentials) Clone() Credentials {
	out := c
	out.Groups = append([]uint32(nil), c.Groups...)
	return out
}
