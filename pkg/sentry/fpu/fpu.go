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

// Package fpu emulates floating point instructions for cores without an
// FPU.
package fpu

import (
	"errors"
	"fmt"
	"sync/atomic"

	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/trap"
)

// Major opcodes of the floating point instructions.
const (
	OpLoadFP  = 0x07
	OpStoreFP = 0x27
	OpFMAdd   = 0x43
	OpFMSub   = 0x47
	OpFNMSub  = 0x4b
	OpFNMAdd  = 0x4f
	OpFP      = 0x53

	opcodeMask = 0x7f
)

// DefaultOpcodes are the major opcodes emulated by default.
var DefaultOpcodes = []uint32{OpLoadFP, OpStoreFP, OpFMAdd, OpFMSub, OpFNMSub, OpFNMAdd, OpFP}

var (
	// ErrUnreadable is returned when the instruction cannot be read.
	ErrUnreadable = errors.New("instruction not readable")

	// ErrNotFP is returned for instructions the emulator does not handle.
	ErrNotFP = errors.New("not a floating point instruction")
)

// fpUser is implemented by processes that track floating point use.
type fpUser interface {
	SetFPDirty()
}

// Emulator emulates the instructions whose major opcode is in its set.
type Emulator struct {
	mem     trap.InstructionReader
	opcodes map[uint32]bool

	emulated atomic.Uint64
}

var _ trap.FPUEmulator = (*Emulator)(nil)

// New returns an Emulator that reads instructions through mem. If opcodes is
// empty, DefaultOpcodes are used.
func New(mem trap.InstructionReader, opcodes []uint32) *Emulator {
	if len(opcodes) == 0 {
		opcodes = DefaultOpcodes
	}
	e := &Emulator{mem: mem, opcodes: make(map[uint32]bool)}
	for _, op := range opcodes {
		e.opcodes[op&opcodeMask] = true
	}
	return e
}

// Emulate implements trap.FPUEmulator.Emulate.
func (e *Emulator) Emulate(p trap.Process, tf *ring0.TrapFrame) error {
	pc := tf.PC() - ring0.InstructionWidth
	insn, ok := e.mem.ReadInstruction(p, pc)
	if !ok {
		return fmt.Errorf("pid %d at %v: %w", p.PID(), pc, ErrUnreadable)
	}
	if !e.opcodes[insn&opcodeMask] {
		return fmt.Errorf("pid %d at %v: %#08x: %w", p.PID(), pc, insn, ErrNotFP)
	}
	if u, ok := p.(fpUser); ok {
		u.SetFPDirty()
	}
	e.emulated.Add(1)
	return nil
}

// Emulated returns the number of emulated instructions.
func (e *Emulator) Emulated() uint64 {
	return e.emulated.Load()
}
