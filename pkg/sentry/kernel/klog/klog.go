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

// Package klog is the core's structured log facade. The full gVisor tree
// carries its own pkg/log; that package isn't part of the retrieved pack,
// so this core uses logrus directly instead of hand-rolling a leveled
// logger, the same library the sysbox-fs ptrace tracer in the wider
// example pack reaches for to annotate traced syscalls.
package klog

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	base *logrus.Logger
)

func logger() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetLevel adjusts the minimum emitted level; used by cmd/kcored's -v flag.
func SetLevel(level logrus.Level) {
	logger().SetLevel(level)
}

// CPU returns an entry tagged with the logical CPU number, for messages
// emitted from the interrupt and syscall dispatch paths.
func CPU(n int) *logrus.Entry {
	return logger().WithField("cpu", n)
}

// Task returns an entry tagged with a task/thread ID.
func Task(tid int32) *logrus.Entry {
	return logger().WithField("tid", tid)
}

// Warnf logs at warning level with no extra fields, e.g. unmapped vectors.
func Warnf(format string, args ...any) {
	logger().Warnf(format, args...)
}

// Errorf logs at error level, e.g. a terminal fault report before halt.
func Errorf(format string, args ...any) {
	logger().Errorf(format, args...)
}

// Fatalf logs at error level and panics; used on the small number of paths
// this core treats as terminal (double fault, kernel-mode page fault).
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger().Error(msg)
	panic(msg)
}
