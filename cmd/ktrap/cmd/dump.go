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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"
	"ktrap.dev/ktrap/pkg/config"
	"ktrap.dev/ktrap/pkg/ring0"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	core   uint
	cause  string
	kernel bool
	sr     config.Addr
	pc     config.Addr
	va     config.Addr
	insn   uint
	regs   regFlags
}

// regFlags collects repeated "-reg name=value" flags.
type regFlags map[int]uint64

// String implements flag.Value.
func (r regFlags) String() string {
	var s []string
	for i := 0; i < ring0.NumGPRs; i++ {
		if v, ok := r[i]; ok {
			s = append(s, fmt.Sprintf("%s=%#x", ring0.RegName(i), v))
		}
	}
	return strings.Join(s, ",")
}

// Set implements flag.Value.
func (r regFlags) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("invalid register %q, want name=value", s)
	}
	var v config.Addr
	if err := v.UnmarshalText([]byte(value)); err != nil {
		return err
	}
	for i := 0; i < ring0.NumGPRs; i++ {
		if ring0.RegName(i) == name {
			r[i] = uint64(v)
			return nil
		}
	}
	return fmt.Errorf("unknown register %q", name)
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "format a trapframe as the trap path prints it"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - format the trapframe given by flags.

Example:
  ktrap dump -cause store_page_fault -pc 0x400100 -va 0x7fff0000 -reg sp=0x7ffef000
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	d.regs = make(regFlags)
	f.UintVar(&d.core, "core", 0, "core that took the trap.")
	f.StringVar(&d.cause, "cause", "illegal_instruction", "cause name or raw cause register value.")
	f.BoolVar(&d.kernel, "kernel", false, "trap taken in kernel context.")
	f.TextVar(&d.sr, "sr", config.Addr(0), "status register. Derived from -kernel if unset.")
	f.TextVar(&d.pc, "pc", config.Addr(0), "program counter.")
	f.TextVar(&d.va, "va", config.Addr(0), "faulting address.")
	f.UintVar(&d.insn, "insn", ring0.InsnUnknown, "instruction word at the program counter.")
	f.Var(d.regs, "reg", "register as name=value, may be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	cause, err := ring0.ParseCause(d.cause)
	if err != nil {
		Fatalf("%v", err)
	}
	tf := ring0.TrapFrame{
		SR:       uint64(d.sr),
		EPC:      uint64(d.pc),
		BadVAddr: uint64(d.va),
		Cause:    cause,
	}
	if tf.SR == 0 {
		tf.SR = ring0.StatusPEI | ring0.StatusU64
		if d.kernel {
			tf.SR = ring0.StatusS | ring0.StatusPS | ring0.StatusS64
		}
	}
	for i, v := range d.regs {
		tf.GPR[i] = v
	}
	if _, err := ring0.FormatTrapFrame(os.Stdout, &tf, ring0.CoreID(d.core), uint32(d.insn)); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}
