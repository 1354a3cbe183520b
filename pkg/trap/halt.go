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

package trap

import (
	"fmt"

	"ktrap.dev/ktrap/pkg/ring0"
)

// HaltError describes a machine halt. It is the value a halting core panics
// with.
type HaltError struct {
	// Core is the core that raised the halt.
	Core ring0.CoreID

	// Reason is the panic message.
	Reason string
}

// Error implements error.Error.
func (e *HaltError) Error() string {
	return fmt.Sprintf("kernel panic at core %d: %s", e.Core, e.Reason)
}

// halt stops the machine. It does not return.
//
// Only the first halt is reported; a core halting after it re-raises the
// first halt so every core observes the same reason.
func (d *Dispatcher) halt(c *ring0.CPU, format string, v ...any) {
	h := &HaltError{Core: c.ID(), Reason: fmt.Sprintf(format, v...)}
	if !d.halted.CompareAndSwap(nil, h) {
		panic(d.halted.Load())
	}
	haltCount.Increment()
	d.log.Warningf("%v", h)
	fmt.Fprintf(d.opts.Console, "%v\n", h)
	if d.opts.OnHalt != nil {
		d.opts.OnHalt(h)
	}
	panic(h)
}

// assertf halts the machine on a violated kernel invariant.
func (d *Dispatcher) assertf(c *ring0.CPU, format string, v ...any) {
	d.halt(c, "assertion failed: "+format, v...)
}

// current returns the process scheduled on c. A trap from user mode always
// has one.
func (d *Dispatcher) current(c *ring0.CPU) Process {
	p := d.opts.Scheduler.Current(c.ID())
	if p == nil {
		d.assertf(c, "no current process on core %d", c.ID())
	}
	return p
}

// installCurrentFrame makes tf the frame the scheduler resumes c's user
// context from.
func (d *Dispatcher) installCurrentFrame(c *ring0.CPU, tf *ring0.TrapFrame) {
	if c.InterruptsEnabled() {
		irqEnabledInstalls.Increment()
		d.log.Warningf("Installing the current trapframe on core %d with interrupts enabled", c.ID())
	}
	if err := c.InstallCurrentFrame(tf); err != nil {
		d.assertf(c, "core %d: %v", c.ID(), err)
	}
}
