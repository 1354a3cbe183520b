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

package ring0

import (
	"fmt"
	"sync/atomic"

	"ktrap.dev/ktrap/pkg/hostarch"
)

// CoreID identifies a core. Values are only minted by Kernel.CoreID, which
// bounds them to the cores that kernel brought up.
type CoreID uint16

// CPU is the per-core trap state.
//
// Every field is owned by the core itself. Other cores may only observe it
// through State, which is safe to call concurrently.
type CPU struct {
	id CoreID

	// stackTop is the top of the stack the core switches to when it traps
	// from user mode.
	stackTop atomic.Uint64

	// current is the installed current trapframe.
	current CurrentFrame

	// irqDepth is the interrupt nesting depth.
	irqDepth atomic.Int32

	// ktrapDepth is the nesting depth of traps taken in kernel mode.
	ktrapDepth atomic.Int32

	// irqEnabled reflects the interrupt enable bit of the core.
	irqEnabled atomic.Bool

	// pending is a bitmask of raised interrupts, by Interrupt number.
	pending atomic.Uint32
}

// ID returns the core identity.
func (c *CPU) ID() CoreID {
	return c.id
}

// SetStackTop records the stack the core uses when entering the kernel from
// user mode.
func (c *CPU) SetStackTop(addr hostarch.Addr) {
	c.stackTop.Store(uint64(addr))
}

// StackTop returns the recorded stack top.
func (c *CPU) StackTop() hostarch.Addr {
	return hostarch.Addr(c.stackTop.Load())
}

// CheckStackTop validates that sp lies in the top page of the recorded
// stack.
func (c *CPU) CheckStackTop(sp hostarch.Addr) error {
	top := c.StackTop()
	ceil, ok := sp.RoundUp()
	if !ok || ceil != top {
		return fmt.Errorf("core %d: stack pointer %v is not in the top page of stack %v", c.id, sp, top)
	}
	return nil
}

// InterruptsEnabled returns true if the core accepts interrupts.
func (c *CPU) InterruptsEnabled() bool {
	return c.irqEnabled.Load()
}

// EnableInterrupts unmasks interrupts on the core.
func (c *CPU) EnableInterrupts() {
	c.irqEnabled.Store(true)
}

// DisableInterrupts masks interrupts on the core and returns whether they
// were enabled.
func (c *CPU) DisableInterrupts() bool {
	return c.irqEnabled.Swap(false)
}

// IRQDepth returns the interrupt nesting depth.
func (c *CPU) IRQDepth() int32 {
	return c.irqDepth.Load()
}

// IncIRQDepth increments the interrupt nesting depth.
func (c *CPU) IncIRQDepth() int32 {
	return c.irqDepth.Add(1)
}

// DecIRQDepth decrements the interrupt nesting depth.
func (c *CPU) DecIRQDepth() int32 {
	return c.irqDepth.Add(-1)
}

// KTrapDepth returns the kernel trap nesting depth.
func (c *CPU) KTrapDepth() int32 {
	return c.ktrapDepth.Load()
}

// IncKTrapDepth increments the kernel trap nesting depth.
func (c *CPU) IncKTrapDepth() int32 {
	return c.ktrapDepth.Add(1)
}

// DecKTrapDepth decrements the kernel trap nesting depth.
func (c *CPU) DecKTrapDepth() int32 {
	return c.ktrapDepth.Add(-1)
}

// Raise marks the interrupt as pending on the core. It may be called from
// any core.
func (c *CPU) Raise(irq Interrupt) {
	c.pending.Or(1 << irq)
}

// Clear acknowledges a pending interrupt.
func (c *CPU) Clear(irq Interrupt) {
	c.pending.And(^uint32(1 << irq))
}

// IsPending returns true if the interrupt is pending.
func (c *CPU) IsPending(irq Interrupt) bool {
	return c.pending.Load()&(1<<irq) != 0
}

// NextPending returns the lowest numbered pending interrupt.
func (c *CPU) NextPending() (Interrupt, bool) {
	p := c.pending.Load()
	for i := Interrupt(0); i < NumInterrupts; i++ {
		if p&(1<<i) != 0 {
			return i, true
		}
	}
	return 0, false
}

// InstallCurrentFrame installs tf as the current trapframe.
func (c *CPU) InstallCurrentFrame(tf *TrapFrame) error {
	return c.current.Install(tf)
}

// TakeCurrentFrame consumes the current trapframe.
func (c *CPU) TakeCurrentFrame() (TrapFrame, bool) {
	return c.current.Take()
}

// CurrentFrame returns a copy of the current trapframe.
func (c *CPU) CurrentFrame() (TrapFrame, bool) {
	return c.current.Peek()
}

// UpdateCurrentFrame modifies the installed frame in place.
func (c *CPU) UpdateCurrentFrame(fn func(tf *TrapFrame)) bool {
	return c.current.Update(fn)
}

// CPUState is a snapshot of a core's trap state.
type CPUState struct {
	ID                CoreID
	StackTop          hostarch.Addr
	IRQDepth          int32
	KTrapDepth        int32
	InterruptsEnabled bool
	Pending           uint32
	HasCurrent        bool
	Current           TrapFrame
}

// State returns a snapshot of the core.
func (c *CPU) State() CPUState {
	tf, ok := c.current.Peek()
	return CPUState{
		ID:                c.id,
		StackTop:          c.StackTop(),
		IRQDepth:          c.IRQDepth(),
		KTrapDepth:        c.KTrapDepth(),
		InterruptsEnabled: c.InterruptsEnabled(),
		Pending:           c.pending.Load(),
		HasCurrent:        ok,
		Current:           tf,
	}
}
