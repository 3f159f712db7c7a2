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
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// WaitForLastDetach blocks, retrying with backoff, until id's segment has
// no attachments left (or it no longer exists, having already been
// destroyed). It is the polling counterpart to the synchronous path in
// Detach/Ctl, which destroys immediately once nattch reaches zero under
// the manager lock; this entry point is for a caller that marked a segment
// for removal while attachments were still outstanding and wants to block
// until cleanup has definitely happened, mirroring
// runsc/sandbox/sandbox.go's backoff.Retry wait-for-exit loop one layer up
// the stack.
func (m *Manager) WaitForLastDetach(id uint32, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	return backoff.Retry(func() error {
		m.mu.Lock()
		seg, ok := m.segments[id]
		m.mu.Unlock()
		if !ok {
			return nil // already destroyed
		}
		if seg.Stat.NAttach == 0 {
			return nil
		}
		return fmt.Errorf("shm: segment %d still has %d attachment(s)", id, seg.Stat.NAttach)
	}, b)
}
