// Copyright 2026 The ktrap Authors.
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

// Package config holds the configuration of a simulated machine and the
// scenarios it runs.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
)

// Log formats.
const (
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatLogrus = "logrus"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the configuration of a simulated machine.
type Config struct {
	// Cores is the number of cores brought up.
	Cores int `toml:"cores"`

	// StackTops are the kernel stack tops, by core.
	StackTops []Addr `toml:"stack_tops"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level"`

	// LogFormat is one of "text", "json" or "logrus".
	LogFormat string `toml:"log_format"`

	// BacktraceInterval rate limits trap path backtraces of user
	// escalations.
	BacktraceInterval Duration `toml:"backtrace_interval"`

	// AdvanceAfterEmulation skips an extra instruction after a successful
	// FP emulation.
	AdvanceAfterEmulation bool `toml:"advance_after_emulation"`

	// FPOpcodes are the major opcodes the FP emulator handles. Empty means
	// every floating point opcode.
	FPOpcodes []uint32 `toml:"fp_opcodes"`

	// MaxSyscallBatch bounds the syscalls accepted per trap.
	MaxSyscallBatch int `toml:"max_syscall_batch"`

	// PreemptEvery preempts the running process every so many timer ticks
	// on a core. Zero disables preemption.
	PreemptEvery uint64 `toml:"preempt_every"`

	// Regions are the resumable kernel regions.
	Regions []Region `toml:"region"`

	// Processes are started at boot, in order.
	Processes []Process `toml:"process"`
}

// Region is a resumable kernel region.
type Region struct {
	Name  string `toml:"name"`
	Start Addr   `toml:"start"`
	End   Addr   `toml:"end"`

	// ResumeAt is where an interrupted region resumes. Zero resumes at the
	// region's caller.
	ResumeAt Addr `toml:"resume_at"`
}

// Process is a process started at boot.
type Process struct {
	Name     string    `toml:"name"`
	Entry    Addr      `toml:"entry"`
	Stack    Addr      `toml:"stack"`
	Mappings []Mapping `toml:"mapping"`
	Text     []Insn    `toml:"text"`
}

// Mapping is a memory area of a process.
type Mapping struct {
	Name  string `toml:"name"`
	Start Addr   `toml:"start"`
	End   Addr   `toml:"end"`

	// Perms are in "rwx" notation.
	Perms string `toml:"perms"`
}

// Insn is an instruction word at an address.
type Insn struct {
	Addr Addr   `toml:"addr"`
	Word uint32 `toml:"word"`
}

// IdleRegion is the default resumable region: the idle loop.
var IdleRegion = Region{Name: "idle", Start: 0xffffffc000200000, End: 0xffffffc000200040}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Cores:             2,
		LogLevel:          "info",
		LogFormat:         LogFormatText,
		BacktraceInterval: Duration(time.Second),
		MaxSyscallBatch:   64,
		Regions:           []Region{IdleRegion},
	}
}

// base is Default without the default regions, which a file replaces
// rather than merges with.
func base() *Config {
	c := Default()
	c.Regions = nil
	return c
}

// decode finishes decoding a file into c.
func (c *Config) decode(md toml.MetaData, err error) error {
	if err != nil {
		return err
	}
	if !md.IsDefined("region") {
		c.Regions = []Region{IdleRegion}
	}
	if err := undecoded(md); err != nil {
		return err
	}
	return c.Validate()
}

// Load reads a configuration file over the defaults.
func Load(path string) (*Config, error) {
	c := base()
	if err := c.decode(toml.DecodeFile(path, c)); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// Decode parses a configuration over the defaults.
func Decode(data string) (*Config, error) {
	c := base()
	if err := c.decode(toml.Decode(data, c)); err != nil {
		return nil, err
	}
	return c, nil
}

func undecoded(md toml.MetaData) error {
	keys := md.Undecoded()
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.String())
	}
	return fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(names, ", "))
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.Info
	}
	return l
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if c.Cores < 1 || c.Cores > ring0.MaxCPUs {
		return fmt.Errorf("%w: cores = %d, must be in [1, %d]", ErrInvalid, c.Cores, ring0.MaxCPUs)
	}
	if len(c.StackTops) > c.Cores {
		return fmt.Errorf("%w: %d stack tops for %d cores", ErrInvalid, len(c.StackTops), c.Cores)
	}
	for i, top := range c.StackTops {
		if !hostarch.Addr(top).IsPageAligned() {
			return fmt.Errorf("%w: stack top %v of core %d is not page aligned", ErrInvalid, top, i)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatLogrus:
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.LogFormat)
	}
	if c.BacktraceInterval < 0 {
		return fmt.Errorf("%w: negative backtrace interval", ErrInvalid)
	}
	for _, op := range c.FPOpcodes {
		if op > 0x7f {
			return fmt.Errorf("%w: FP opcode %#x is not a major opcode", ErrInvalid, op)
		}
	}
	for _, r := range c.Regions {
		if r.Start >= r.End {
			return fmt.Errorf("%w: region %q is empty", ErrInvalid, r.Name)
		}
	}
	for _, p := range c.Processes {
		if p.Name == "" {
			return fmt.Errorf("%w: process without a name", ErrInvalid)
		}
		for _, m := range p.Mappings {
			if strings.Trim(m.Perms, "rwx-") != "" {
				return fmt.Errorf("%w: process %q mapping %q: permissions %q", ErrInvalid, p.Name, m.Name, m.Perms)
			}
		}
	}
	return nil
}
