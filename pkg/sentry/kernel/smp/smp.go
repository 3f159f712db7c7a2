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

// Package smp implements inter-processor interrupts: vectors 240-244
// (reschedule, TLB shootdown, call-function, stop, panic) and the
// cross-CPU fan-out that drives them — multi-CPU TLB shootdown on a
// shared-page mapping change, in particular. A real kernel dispatches IPIs
// by writing the local APIC's ICR per destination CPU; this port has no
// APIC, so Broadcast fans the same logical action out to every registered
// logical-CPU goroutine concurrently via errgroup, a bounded
// concurrent-fan-out idiom also used for sandbox teardown elsewhere in this
// codebase's lineage.
//
// Vector's own numbering space (240-244) is separate from trap.Vector: an
// IPI is delivered straight to a registered Receiver, never routed through
// trap.Dispatch, so the two never collide despite sharing a package that
// imports trap only for the PreemptFrame payload type.
package smp

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ionkernel/sentry/pkg/sentry/percpu"
	"github.com/ionkernel/sentry/pkg/sentry/trap"
)

// Vector names one of the IPI actions this subsystem delivers.
type Vector int

const (
	IPIReschedule Vector = 240 + iota
	IPITLBShootdown
	IPICallFunction
	IPIStop
	IPIPanic
)

// Receiver handles an IPI delivered to one logical CPU.
type Receiver func(cpu int, v Vector)

var (
	mu        sync.RWMutex
	receivers = map[int]Receiver{}
)

// RegisterReceiver installs cpu's IPI handler, replacing any previous one.
func RegisterReceiver(cpu int, r Receiver) {
	mu.Lock()
	receivers[cpu] = r
	mu.Unlock()
}

// Broadcast delivers v to every registered logical CPU concurrently and
// waits for all of them to acknowledge by returning from their Receiver. A
// CPU with no registered receiver silently acknowledges, the same way an
// unmapped trap.Vector resumes unchanged instead of faulting.
func Broadcast(v Vector) error {
	g, _ := errgroup.WithContext(context.Background())
	for _, cpu := range percpu.All() {
		cpu := cpu
		g.Go(func() error {
			mu.RLock()
			r := receivers[cpu]
			mu.RUnlock()
			if r != nil {
				r(cpu, v)
			}
			return nil
		})
	}
	return g.Wait()
}

// TLBShootdown broadcasts an invalidation request for addr to every
// registered CPU, the caller's included, after a local mapping change to a page that might be shared. Callers
// in kernel/pagefault and the mmap-family syscalls call this right after
// mm.AddressSpace.Invalidate on the local CPU.
func TLBShootdown(addr uint64) error {
	_ = addr // this port tracks no per-CPU TLB cache to invalidate; the
	// broadcast exists so callers exercise the same cross-CPU seam a real
	// shootdown would use.
	return Broadcast(IPITLBShootdown)
}

// Reschedule asks every registered CPU (the caller's included) to re-evaluate its run queue on its next
// opportunity, used when a wakeup makes a thread runnable on a CPU other
// than the one handling the wakeup.
func Reschedule() error { return Broadcast(IPIReschedule) }

// PreemptFrame is the payload a reschedule IPI receiver consults: which
// trap.Frame, if any, the target CPU should switch to. Left as a type here
// (rather than a bare *trap.Frame parameter on Receiver) so a future
// richer payload (e.g. priority) doesn't change the Receiver signature.
type PreemptFrame struct {
	Frame *trap.Frame
}
