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
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/ring0"
)

// handleSyscall queues the syscalls the process described in a0 (address)
// and a1 (count). The process resumes after the trapping instruction.
func (d *Dispatcher) handleSyscall(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	if tf.InKernel() {
		d.assertf(c, "syscall from kernel context at %v", tf.PC())
	}
	args, count := tf.SyscallArgs()
	tf.AdvancePC()
	d.installCurrentFrame(c, tf)
	p := d.current(c)
	c.EnableInterrupts()
	d.opts.Syscalls.Prepare(p, hostarch.Addr(args), int(count))
	return restart
}

// handleBreakpoint enters the monitor with the instruction already skipped,
// so leaving the monitor continues after the breakpoint.
func (d *Dispatcher) handleBreakpoint(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	tf.AdvancePC()
	d.opts.Monitor.Enter(c.ID(), tf)
	return popFrame
}

func (d *Dispatcher) handleIPI(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	c.Clear(ring0.InterruptIPI)
	d.interruptedContext(c, tf)
	d.opts.Console.PollInput()
	d.opts.Messages.DeliverPending(c.ID(), tf, 0)
	return restart
}

func (d *Dispatcher) handleTimer(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	c.Clear(ring0.InterruptTimer)
	d.interruptedContext(c, tf)
	d.opts.Timer.OnTick(c.ID(), tf)
	return restart
}

// interruptedContext records what an interrupt interrupted. A user context
// is saved for the scheduler. Kernel code inside a resumable region is
// moved to the region's resume point, so it does not resume mid-region.
func (d *Dispatcher) interruptedContext(c *ring0.CPU, tf *ring0.TrapFrame) {
	if !tf.InKernel() {
		d.installCurrentFrame(c, tf)
		return
	}
	if d.opts.Regions != nil {
		if r, ok := d.opts.Regions.Exit(tf); ok {
			d.log.Debugf("Core %d: exited region %q to %#x", c.ID(), r.Name, tf.EPC)
		}
	}
}
