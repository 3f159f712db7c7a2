// Copyright 2020 The gVisor Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"sync"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/ionkernel/sentry/pkg/sentry/kernel"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/bootconfig"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/klog"
	"github.com/ionkernel/sentry/pkg/sentry/kernel/sched"
	"github.com/ionkernel/sentry/pkg/sentry/platform/ptrace"
	"github.com/ionkernel/sentry/pkg/sentry/syscalls"
)

type bootCmd struct {
	configPath string
	verbose    bool
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot the core, tracing one stub process per CPU" }
func (*bootCmd) Usage() string {
	return "boot [flags] <stub-binary> [stub-args...] - trace a stub process under the syscall/signal/fault core\n"
}

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a bootconfig TOML file (defaults to bootconfig.Default())")
	f.BoolVar(&c.verbose, "v", false, "enable debug-level logging")
}

func (c *bootCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.verbose {
		klog.SetLevel(logrus.DebugLevel)
	}
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := bootconfig.Load(c.configPath)
	if err != nil {
		fmt.Println(err)
		return subcommands.ExitFailure
	}

	k := kernel.New(cfg, sched.NewRoundRobin())
	syscalls.RegisterAll(k)
	initTask, _ := k.CreateInitProcess()

	argv := f.Args()
	var wg sync.WaitGroup
	// CreateInitProcess bootstraps a single thread; every traced CPU's
	// syscalls resolve through that one tid until clone(2)/fork(2) grows
	// the task table, so a multi-CPU boot here means "N stubs sharing
	// pid 1's task", not real SMP fan-out.
	for cpu := 0; cpu < cfg.NumCPU; cpu++ {
		stub, err := ptrace.Start(initTask.TID, cpu, argv)
		if err != nil {
			klog.CPU(cpu).Errorf("starting stub: %v", err)
			return subcommands.ExitFailure
		}
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			if err := stub.Run(k.Bind()); err != nil {
				klog.CPU(cpu).Errorf("trace loop: %v", err)
			}
		}(cpu)
	}
	wg.Wait()
	return subcommands.ExitSuccess
}
