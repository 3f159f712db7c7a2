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

import "github.com/ionkernel/sentry/pkg/sentry/trap"

// Bind returns the trap.SyscallFrame-shaped dispatcher platform/ptrace.Stub
// needs, closing over k so that package trap (and platform/ptrace, which
// only knows trap's types) never has to import kernel directly: turning a
// raw SyscallFrame's registers into a Dispatch call and, for the ordinary
// case, writing the return value back into rax; rt_sigreturn is the one
// handler that instead asks for the whole frame to be replaced.
func (k *Kernel) Bind() func(cpu int, tid int32, sf *trap.SyscallFrame) {
	return func(cpu int, tid int32, sf *trap.SyscallFrame) {
		t, ok := k.LookupTask(tid)
		if !ok {
			return
		}
		sysno := sf.GPRegs.SyscallNo()
		args := sf.GPRegs.SyscallArgs()
		rv, ctrl := k.Dispatch(t, sysno, args)

		if ctrl != nil && ctrl.SigReturn != nil {
			sr := ctrl.SigReturn
			sf.GPRegs = sr.Regs
			sf.SetReturnRIP(sr.RIP)
			sf.SetReturnRFLAGS(sr.RFLAGS)
			sf.RSP = sr.RSP
			k.scheduleResumeState(tid, sf)
			return
		}
		sf.GPRegs.SetReturn(uint64(rv))
		k.scheduleResumeState(tid, sf)
	}
}

// scheduleResumeState records tid's post-syscall register state with the
// scheduler, so a later timer tick on another CPU can hand this thread's
// frame back out as the one to resume onto. Skipped once the task has
// exited: exitThread already called ScheduleRemove, and resuming into a
// dead task's stale registers would be worse than not tracking it at all.
func (k *Kernel) scheduleResumeState(tid int32, sf *trap.SyscallFrame) {
	t, ok := k.LookupTask(tid)
	if !ok {
		return
	}
	if exited, _ := t.Exited(); exited {
		return
	}
	k.ScheduleAdd(tid, &trap.Frame{
		GPRegs: sf.GPRegs,
		CS:     0x3,
		RIP:    sf.ReturnRIP(),
		RFLAGS: sf.ReturnRFLAGS(),
		RSP:    sf.RSP,
	})
}
