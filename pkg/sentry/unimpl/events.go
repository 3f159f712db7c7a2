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

// Package unimpl carries events about unimplemented syscalls from the
// dispatch table to whatever is watching (normally just klog; a future
// metrics sink can subscribe the same way).
package unimpl

import (
	"context"

	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
)

type contextID int

const (
	// CtxEvents is a Context.Value key for an Events implementation.
	CtxEvents contextID = iota
)

// Events receives unimplemented-syscall notifications.
type Events interface {
	EmitUnimplementedEvent(ctx context.Context, sysno uintptr)
}

// EmitUnimplementedEvent reports sysno as unimplemented to whatever Events
// implementation, if any, is attached to ctx.
func EmitUnimplementedEvent(ctx context.Context, sysno uintptr) {
	e := ctx.Value(CtxEvents)
	if e == nil {
		klog.Warnf("unimplemented syscall %d reported with no Events sink attached", sysno)
		return
	}
	e.(Events).EmitUnimplementedEvent(ctx, sysno)
}
