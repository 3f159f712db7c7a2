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

import (
	"os"
	"sync"
)

// FileDescription is the open-file state a file descriptor number resolves
// to. This core backs every fd with a host *os.File directly — no VFS
// layer, since file I/O and filesystem syscalls only need a real number and
// a plausible host-backed implementation, not a full virtual filesystem.
type FileDescription struct {
	File     *os.File
	CloseExe bool // O_CLOEXEC
}

// FDTable is one process's open file descriptor table, shared by every
// thread in the group per POSIX.
type FDTable struct {
	mu   sync.Mutex
	next int32
	open map[int32]*FileDescription
}

// NewFDTable returns an empty table with the conventional stdin/stdout/
// stderr descriptors wired to the host's own standard streams.
func NewFDTable() *FDTable {
	t := &FDTable{open: make(map[int32]*FileDescription), next: 3}
	t.open[0] = &FileDescription{File: os.Stdin}
	t.open[1] = &FileDescription{File: os.Stdout}
	t.open[2] = &FileDescription{File: os.Stderr}
	return t
}

// Install adds f at the lowest unused descriptor number at or above floor,
// returning that number.
func (t *FDTable) Install(f *FileDescription, floor int32) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := floor
	for {
		if _, used := t.open[fd]; !used {
			break
		}
		fd++
	}
	t.open[fd] = f
	if fd >= t.next {
		t.next = fd + 1
	}
	return fd
}

// Get returns the descriptor's FileDescription, or ok=false if fd isn't
// open.
func (t *FDTable) Get(fd int32) (*FileDescription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.open[fd]
	return f, ok
}

// Remove closes and removes fd from the table, returning ok=false if it
// wasn't open.
func (t *FDTable) Remove(fd int32) bool {
	t.mu.Lock()
	f, ok := t.open[fd]
	if ok {
		delete(t.open, fd)
	}
	t.mu.Unlock()
	if ok && f.File != nil {
		f.File.Close()
	}
	return ok
}

// Dup installs a second table entry referencing the same FileDescription as
// oldfd, at the lowest free descriptor number at or above floor.
func (t *FDTable) Dup(oldfd, floor int32) (int32, bool) {
	t.mu.Lock()
	f, ok := t.open[oldfd]
	t.mu.Unlock()
	if !ok {
		return 0, false
	}
	return t.Install(f, floor), true
}

// DupTo installs oldfd's FileDescription at exactly newfd (dup2/dup3
// semantics), closing whatever newfd previously held.
func (t *FDTable) DupTo(oldfd, newfd int32) bool {
	t.mu.Lock()
	f, ok := t.open[oldfd]
	if !ok {
		t.mu.Unlock()
		return false
	}
	old := t.open[newfd]
	t.open[newfd] = f
	t.mu.Unlock()
	if old != nil && old.File != nil && newfd != oldfd {
		old.File.Close()
	}
	return true
}

// Fork returns a shallow copy sharing every FileDescription (fork(2) leaves
// fds aliased between parent and child, unlike the address space).
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &FDTable{open: make(map[int32]*FileDescription, len(t.open)), next: t.next}
	for fd, f := range t.open {
		c.open[fd] = f
	}
	return c
}
