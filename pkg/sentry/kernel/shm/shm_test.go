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

package shm

import (
	"context"
	"testing"

	"github.com/ionkernel/sentry/pkg/hostarch"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/errno"
	"github.com/ionkernel/sentry/pkg/sentry/mm"
	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

func newTestManager() (*Manager, *pgalloc.FrameTable) {
	frames := pgalloc.NewFrameTable(64)
	return NewManager(frames, func() int64 { return 1000 }), frames
}

func TestGetCreatesAndReattachesByKey(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	id1, err := m.Get(ctx, 1, 100, 100, 42, 4096, 0o600, true, false)
	if err != nil {
		t.Fatalf("Get (create): %v", err)
	}
	id2, err := m.Get(ctx, 1, 100, 100, 42, 4096, 0o600, false, false)
	if err != nil {
		t.Fatalf("Get (lookup by key): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("a second Get with the same key should return the same segment id: %d != %d", id1, id2)
	}
}

func TestGetCreatExclCollision(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.Get(ctx, 1, 100, 100, 7, 4096, 0o600, true, false); err != nil {
		t.Fatalf("initial Get: %v", err)
	}
	_, err := m.Get(ctx, 1, 100, 100, 7, 4096, 0o600, true, true)
	if err != errno.EEXIST {
		t.Fatalf("Get(IPC_CREAT|IPC_EXCL) on an existing key = %v, want EEXIST", err)
	}
}

func TestGetNoCreateMissingKeyIsENOENT(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Get(context.Background(), 1, 100, 100, 99, 4096, 0o600, false, false)
	if err != errno.ENOENT {
		t.Fatalf("Get(no create, unknown key) = %v, want ENOENT", err)
	}
}

func TestAttachIsEagerAndDetachUnmaps(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	as := mm.NewAddressSpace()

	id, err := m.Get(ctx, 1, 100, 100, IPCPrivate, 8192, 0o600, true, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	addr, err := m.Attach(ctx, 1, 100, 100, id, 0, false, as)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if addr == 0 {
		t.Fatalf("Attach returned a zero address")
	}
	if _, perms, _, ok := as.Translate(addr); !ok || !perms.Write {
		t.Fatalf("attached page should be immediately mapped read-write, unlike mmap's demand paging")
	}
	if _, _, _, ok := as.Translate(addr + hostarch.PageSize); !ok {
		t.Fatalf("second page of a two-page segment should also be eagerly mapped")
	}

	if err := m.Detach(1, addr, as); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, _, _, ok := as.Translate(addr); ok {
		t.Fatalf("page still mapped after Detach")
	}
}

func TestAttachPermissionDenied(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	as := mm.NewAddressSpace()

	id, err := m.Get(ctx, 1, 100, 100, IPCPrivate, 4096, 0o600, true, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	_, err = m.Attach(ctx, 2, 200, 200, id, 0, false, as)
	if err != errno.EACCES {
		t.Fatalf("Attach as an unrelated uid/gid = %v, want EACCES", err)
	}
}

func TestCtlRMIDDeferredUntilLastDetach(t *testing.T) {
	m, frames := newTestManager()
	ctx := context.Background()
	as := mm.NewAddressSpace()

	id, err := m.Get(ctx, 1, 100, 100, IPCPrivate, 4096, 0o600, true, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	addr, err := m.Attach(ctx, 1, 100, 100, id, 0, false, as)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	frame, _, _, _ := as.Translate(addr)

	if _, _, err := m.Ctl(1, 100, 100, id, IPCRMID, nil); err != nil {
		t.Fatalf("Ctl(IPC_RMID): %v", err)
	}
	if rc := frames.RefCount(pgalloc.FrameID(frame)); rc == 0 {
		t.Fatalf("segment should not be destroyed while an attachment is still open")
	}
	if _, _, err := m.Ctl(1, 100, 100, id, IPCStat, nil); err != nil {
		t.Fatalf("segment should still answer IPC_STAT before its last detach: %v", err)
	}

	if err := m.Detach(1, addr, as); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if _, _, err := m.Ctl(1, 100, 100, id, IPCStat, nil); err != errno.EINVAL {
		t.Fatalf("segment should be gone after IPC_RMID's last detach, got err=%v", err)
	}
}

func TestOnProcessExitDetachesEverything(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	as := mm.NewAddressSpace()

	id, err := m.Get(ctx, 1, 100, 100, IPCPrivate, 4096, 0o600, true, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	addr, err := m.Attach(ctx, 1, 100, 100, id, 0, false, as)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	m.OnProcessExit(1, as)

	if _, _, _, ok := as.Translate(addr); ok {
		t.Fatalf("page still mapped after OnProcessExit")
	}
	if got := m.AttachmentsOf(1); len(got) != 0 {
		t.Fatalf("AttachmentsOf(1) after exit = %v, want empty", got)
	}
}
