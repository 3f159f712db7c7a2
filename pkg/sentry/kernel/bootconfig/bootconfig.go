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

// Package bootconfig loads the boot-time tunables this core needs before
// any CPU starts: logical CPU count, the physical frame ceiling, the
// signal-frame sanity floor, and the demand-paging batch size. It loads
// that data from a TOML file via github.com/BurntSushi/toml, leaving
// command-line overrides to cmd/kcored's own flag set.
package bootconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ionkernel/sentry/pkg/sentry/pgalloc"
)

// Config is the boot-time tunable set.
type Config struct {
	NumCPU            int   `toml:"num_cpu"`
	MaxFrames         int64 `toml:"max_frames"`
	SignalStackFloor  uint64 `toml:"signal_stack_floor"`
	DemandPagingBatch int   `toml:"demand_paging_batch"`
	LogLevel          string `toml:"log_level"`
}

// Default returns the tunables this core boots with absent a config file:
// a single logical CPU, pgalloc's default frame ceiling, a one-page
// signal-stack floor (matching signal.sanityFloor), and no batching.
func Default() Config {
	return Config{
		NumCPU:            1,
		MaxFrames:         pgalloc.DefaultMaxFrames,
		SignalStackFloor:  4096,
		DemandPagingBatch: 1,
		LogLevel:          "info",
	}
}

// Load reads path as TOML into a Config seeded with Default()'s values, so
// a config file only needs to name the tunables it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("bootconfig: %w", err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootconfig: decoding %s: %w", path, err)
	}
	return cfg, nil
}
