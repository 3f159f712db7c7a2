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

package trap

// NMIReason classifies why vector 2 fired. A real kernel distinguishes NMI
// sources by reading APIC/MSR state, which has no meaning in a
// ptrace-traced process. Nothing in this core raises vector 2 (smp.Broadcast
// calls its Receivers directly, not through Dispatch), so classification
// resolves by construction rather than by inspecting any hardware state.
type NMIReason int

const (
	// NMIUnknown is a defensive default; ClassifyNMI never returns it.
	NMIUnknown NMIReason = iota
	// NMIIPIBroadcast is the reason ClassifyNMI always reports: a cross-CPU
	// preemption or TLB-shootdown request.
	NMIIPIBroadcast
)

// ClassifyNMI returns the reason for the NMI carried in f. There is
// currently exactly one source, so this never inspects f; the signature
// still takes it so a future second source (e.g. a genuine hardware NMI on
// a non-traced platform) can be added without changing callers.
func ClassifyNMI(f *Frame) NMIReason {
	return NMIIPIBroadcast
}
