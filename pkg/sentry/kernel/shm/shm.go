// Copyright 2023 The gVisor Authors.
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

// Package shm implements System V shared memory: keyed segments with
// attach/detach into a process's address space and reference-counted
// frames. The segment table is partitioned by an optional namespace ID
// (see CtxDeviceID in context.go) so a future IPC-namespace-aware caller
// could run more than one SysV IPC universe without this package changing
// — though namespace isolation itself isn't implemented here, just the
// key space it would need.
package shm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

// IPC object-creation flags and shmctl commands, numbered per Linux.
const (
	IPCPrivate int32 = 0

	IPCCreat = 0o1000
	IPCExcl  = 0o2000

	IPCRMID = 0
	IPCSet  = 1
	IPCStat = 2

	SHMRDOnly = 0o10000
)

// Permission is a segment's permission record: key, owning credentials,
// and the owner/group/other mode bits shmget's caller supplied.
type Permission struct {
	Key            int32
	UID, GID       uint32
	CUID, CGID     uint32 // creator credentials, fixed at creation
	Mode           uint32
}

// read/write bit positions within Mode's owner/group/other triads.
const (
	modeRead  = 0o4
	modeWrite = 0o2
)

// permits reports whether a caller with the given uid/gid has at least
// `access` (modeRead and/or modeWrite, OR'd) against this permission
// record. Root (uid==0) always passes; any other caller is checked against
// the owner, group or other triad of Mode.
func (p Permission) permits(uid, gid uint32, access uint32) bool {
	if uid == 0 {
		return true
	}
	var bits uint32
	switch {
	case uid == p.UID:
		bits = (p.Mode >> 6) & 0o7
	case gid == p.GID:
		bits = (p.Mode >> 3) & 0o7
	default:
		bits = p.Mode & 0o7
	}
	return bits&access == access
}

// Stat is the statistics block shmctl(IPC_STAT) reports.
type Stat struct {
	Segsz            uint64
	CreatorPID       int32
	LastOpPID        int32
	NAttach          int32
	AttachTimeUnix   int64
	DetachTimeUnix   int64
	ChangeTimeUnix   int64
}

// Segment is one SysV shared memory segment: a kernel-assigned ID, its
// permission and statistics records, the physical frames backing it, and
// the "marked for removal" flag IPC_RMID sets — a segment is actually
// destroyed only once that flag is set and its last attachment is gone.
type Segment struct {
	ID     uint32
	Perm   Permission
	Stat   Stat
	Frames []pgalloc.FrameID

	markedForRemoval bool
}

// Attachment records which process mapped which segment at which address,
// read-only or not.
type Attachment struct {
	PID      int32
	Addr     hostarch.Addr
	ReadOnly bool
}

// Manager is the process-wide shared-memory registry: atomic ID allocator,
// ID and key indices, and the ID->attachments map. Segment carries no back
// pointer to its attachments; Manager owns both and relates them by ID,
// avoiding a reference cycle between the two types.
type Manager struct {
	mu sync.Mutex

	frames *pgalloc.FrameTable

	nextID   uint32
	segments map[uint32]*Segment
	keys     map[uint32]map[int32]uint32 // namespace -> key -> id
	attach   map[uint32][]Attachment     // segment id -> attachments

	nowUnix func() int64
}

// NewManager returns an empty manager backed by frames for physical page
// allocation. nowUnix supplies the wall-clock seconds stamped into Stat;
// tests can override it, production wires time.Now().Unix.
func NewManager(frames *pgalloc.FrameTable, nowUnix func() int64) *Manager {
	if nowUnix == nil {
		nowUnix = func() int64 { return 0 }
	}
	return &Manager{
		frames:   frames,
		segments: make(map[uint32]*Segment),
		keys:     make(map[uint32]map[int32]uint32),
		attach:   make(map[uint32][]Attachment),
		nowUnix:  nowUnix,
	}
}

func namespaceOf(ctx context.Context) uint32 {
	if ns, ok := deviceIDFromContext(ctx); ok {
		return ns
	}
	return 0
}

// Get implements shmget(2): look up key if it names an existing segment
// (enforcing IPC_CREAT|IPC_EXCL collision rejection and read permission),
// otherwise allocate ceil(size/PAGE) zeroed frames and a fresh segment.
func (m *Manager) Get(ctx context.Context, callerPID int32, uid, gid uint32, key int32, size uint64, mode uint32, creat, excl bool) (uint32, error) {
	ns := namespaceOf(ctx)

	m.mu.Lock()
	if key != IPCPrivate {
		if ks, ok := m.keys[ns]; ok {
			if id, ok := ks[key]; ok {
				seg := m.segments[id]
				if creat && excl {
					m.mu.Unlock()
					return 0, errno.EEXIST
				}
				if !seg.Perm.permits(uid, gid, modeRead) {
					m.mu.Unlock()
					return 0, errno.EACCES
				}
				m.mu.Unlock()
				return id, nil
			}
		}
		if !creat {
			m.mu.Unlock()
			return 0, errno.ENOENT
		}
	}
	m.mu.Unlock()

	npages := hostarch.MustPageRoundUp(size) / hostarch.PageSize
	if npages == 0 {
		npages = 1
	}
	frames := make([]pgalloc.FrameID, 0, npages)
	for i := uint64(0); i < npages; i++ {
		f, err := m.frames.Alloc()
		if err != nil {
			for _, fr := range frames {
				m.frames.Free(fr)
			}
			return 0, errno.ENOMEM
		}
		frames = append(frames, f)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	seg := &Segment{
		ID:     id,
		Perm:   Permission{Key: key, UID: uid, GID: gid, CUID: uid, CGID: gid, Mode: mode},
		Stat:   Stat{Segsz: size, CreatorPID: callerPID, LastOpPID: callerPID, ChangeTimeUnix: m.nowUnix()},
		Frames: frames,
	}
	m.segments[id] = seg
	if key != IPCPrivate {
		if m.keys[ns] == nil {
			m.keys[ns] = make(map[int32]uint32)
		}
		m.keys[ns][key] = id
	}
	return id, nil
}

// Attach implements shmat(2): permission check, VMA reservation via as,
// per-frame mapping with USER + (W unless read-only) + NX, and an
// Attachment row. The mapping loop cannot fail, so there is no partial
// mapping to unwind.
func (m *Manager) Attach(ctx context.Context, pid int32, uid, gid uint32, id uint32, addr hostarch.Addr, readOnly bool, as *mm.AddressSpace) (hostarch.Addr, error) {
	m.mu.Lock()
	seg, ok := m.segments[id]
	if !ok {
		m.mu.Unlock()
		return 0, errno.EINVAL
	}
	if seg.markedForRemoval && seg.Stat.NAttach == 0 {
		m.mu.Unlock()
		return 0, errno.EINVAL
	}
	needed := uint32(modeRead)
	if !readOnly {
		needed |= modeWrite
	}
	if !seg.Perm.permits(uid, gid, needed) {
		m.mu.Unlock()
		return 0, errno.EACCES
	}
	size := uint64(len(seg.Frames)) * hostarch.PageSize
	frames := append([]pgalloc.FrameID(nil), seg.Frames...)
	m.mu.Unlock()

	perms := hostarch.AccessType{Read: true, Write: !readOnly}
	virt := addr
	if virt == 0 {
		virt = as.FindFreeRange(0, size)
	}
	vma := &mm.VMA{
		Range: hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)},
		Perms: perms,
		Flags: mm.VMAFlags{Shared: true},
		Name:  fmt.Sprintf("shm:%d", id),
	}
	if err := as.Insert(vma); err != nil {
		return 0, errno.EINVAL
	}

	// Every iteration below always succeeds in this port (MapPage cannot
	// fail), so there is no partial prefix to unwind here; the rollback path
	// is exercised on the shmget frame-allocation path instead.
	for i, f := range frames {
		pageAddr := virt + hostarch.Addr(i)*hostarch.PageSize
		as.MapPage(pageAddr, uint64(f), perms, false)
		m.frames.IncRef(f)
	}

	m.mu.Lock()
	seg.Stat.NAttach++
	seg.Stat.LastOpPID = pid
	seg.Stat.AttachTimeUnix = m.nowUnix()
	m.attach[id] = append(m.attach[id], Attachment{PID: pid, Addr: virt, ReadOnly: readOnly})
	m.mu.Unlock()

	return virt, nil
}

// Detach implements shmdt(2): find the caller's attachment at exactly addr
// (refusing otherwise), unmap each page without freeing the frame, drop
// the VMA and attachment row, and destroy the segment if it was marked for
// removal and this was the last attachment.
func (m *Manager) Detach(pid int32, addr hostarch.Addr, as *mm.AddressSpace) error {
	m.mu.Lock()
	var id uint32
	var idx = -1
	var found bool
	for segID, rows := range m.attach {
		for i, a := range rows {
			if a.PID == pid && a.Addr == addr {
				id, idx, found = segID, i, true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		m.mu.Unlock()
		return errno.EINVAL
	}
	seg := m.segments[id]
	nframes := len(seg.Frames)
	m.mu.Unlock()

	for i := 0; i < nframes; i++ {
		pageAddr := addr + hostarch.Addr(i)*hostarch.PageSize
		if frame, ok := as.UnmapPage(pageAddr); ok {
			m.frames.DecRef(pgalloc.FrameID(frame))
		}
	}
	as.Remove(hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(nframes)*hostarch.PageSize})

	m.mu.Lock()
	rows := m.attach[id]
	rows = append(rows[:idx], rows[idx+1:]...)
	m.attach[id] = rows
	seg.Stat.NAttach--
	seg.Stat.LastOpPID = pid
	seg.Stat.DetachTimeUnix = m.nowUnix()
	destroy := seg.markedForRemoval && seg.Stat.NAttach == 0
	m.mu.Unlock()

	if destroy {
		m.destroy(id)
	}
	return nil
}

// destroy frees a segment's frames exactly once and removes it from every
// index. Called with no locks held.
func (m *Manager) destroy(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	if !ok {
		return
	}
	for _, f := range seg.Frames {
		m.frames.DecRef(f)
	}
	delete(m.segments, id)
	delete(m.attach, id)
	for _, ks := range m.keys {
		if ks[seg.Perm.Key] == id {
			delete(ks, seg.Perm.Key)
		}
	}
}

// Ctl implements shmctl(2)'s three commands.
func (m *Manager) Ctl(pid int32, uid, gid uint32, id uint32, cmd int, set *Permission) (Stat, Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	if !ok {
		return Stat{}, Permission{}, errno.EINVAL
	}

	switch cmd {
	case IPCStat:
		if !seg.Perm.permits(uid, gid, modeRead) {
			return Stat{}, Permission{}, errno.EACCES
		}
		return seg.Stat, seg.Perm, nil

	case IPCSet:
		if uid != 0 && uid != seg.Perm.CUID {
			return Stat{}, Permission{}, errno.EPERM
		}
		if set != nil {
			seg.Perm.UID, seg.Perm.GID, seg.Perm.Mode = set.UID, set.GID, set.Mode
		}
		seg.Stat.ChangeTimeUnix = m.nowUnix()
		seg.Stat.LastOpPID = pid
		return seg.Stat, seg.Perm, nil

	case IPCRMID:
		if uid != 0 && uid != seg.Perm.CUID {
			return Stat{}, Permission{}, errno.EPERM
		}
		seg.markedForRemoval = true
		for _, ks := range m.keys {
			if ks[seg.Perm.Key] == id {
				delete(ks, seg.Perm.Key)
			}
		}
		immediate := seg.Stat.NAttach == 0
		stat, perm := seg.Stat, seg.Perm
		if immediate {
			m.mu.Unlock()
			m.destroy(id)
			m.mu.Lock()
		}
		return stat, perm, nil

	default:
		return Stat{}, Permission{}, errno.EINVAL
	}
}

// AttachmentsOf returns a snapshot of pid's current attachments, for
// process-exit cleanup to walk.
func (m *Manager) AttachmentsOf(pid int32) []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attachment
	for _, rows := range m.attach {
		for _, a := range rows {
			if a.PID == pid {
				out = append(out, a)
			}
		}
	}
	return out
}

// OnProcessExit detaches every attachment the dying pid holds, which
// re-evaluates each segment's destroy condition as a side effect of
// Detach.
func (m *Manager) OnProcessExit(pid int32, as *mm.AddressSpace) {
	for _, a := range m.AttachmentsOf(pid) {
		m.Detach(pid, a.Addr, as)
	}
}
