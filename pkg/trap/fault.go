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

func (d *Dispatcher) handleFaultFetch(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	return d.pageFault(c, tf, "Instruction Page Fault", hostarch.Execute)
}

func (d *Dispatcher) handleFaultLoad(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	return d.pageFault(c, tf, "Load Page Fault", hostarch.Read)
}

func (d *Dispatcher) handleFaultStore(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	return d.pageFault(c, tf, "Store Page Fault", hostarch.Write)
}

// pageFault handles a page fault requiring access at tf.FaultAddr(). A
// kernel fault halts the machine. A user fault is handed to the memory
// manager; the faulting instruction is retried once the scheduler restarts
// the process, or the process is terminated if the fault cannot be
// resolved.
func (d *Dispatcher) pageFault(c *ring0.CPU, tf *ring0.TrapFrame, kind string, at hostarch.AccessType) disposition {
	addr := tf.FaultAddr()
	if tf.InKernel() {
		d.PrintTrapFrame(c, tf)
		d.halt(c, "%s in the Kernel at %v!", kind, addr)
	}

	d.installCurrentFrame(c, tf)
	p := d.current(c)
	if err := d.opts.Memory.ResolveFault(p, addr, at); err != nil {
		pageFaultCount.Increment("unresolved")
		d.log.Debugf("Unresolved %s by pid %d at %v (%v): %v", kind, p.PID(), addr, at, err)
		d.unhandledTrap(c, tf, kind)
		return restart
	}
	pageFaultCount.Increment("resolved")
	return restart
}

func (d *Dispatcher) handleMisalignedFetch(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	d.unhandledTrap(c, tf, "Misaligned Fetch")
	return restart
}

func (d *Dispatcher) handleMisalignedLoad(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	d.unhandledTrap(c, tf, "Misaligned Load")
	return restart
}

func (d *Dispatcher) handleMisalignedStore(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	d.unhandledTrap(c, tf, "Misaligned Store")
	return restart
}

// handleIllegalInstruction handles illegal and privileged instructions.
// From user mode the instruction is skipped and offered to the FP emulator,
// so an emulated instruction resumes at the next one.
func (d *Dispatcher) handleIllegalInstruction(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	if tf.InKernel() {
		d.PrintTrapFrame(c, tf)
		d.halt(c, "Illegal Instruction in the Kernel at %v!", tf.PC())
	}

	tf.AdvancePC()
	d.installCurrentFrame(c, tf)
	if d.opts.FPU != nil {
		p := d.current(c)
		var err error
		c.UpdateCurrentFrame(func(cur *ring0.TrapFrame) {
			if err = d.opts.FPU.Emulate(p, cur); err == nil && d.opts.AdvanceAfterEmulation {
				cur.AdvancePC()
			}
		})
		if err == nil {
			fpEmulationCount.Increment("emulated")
			return restart
		}
		fpEmulationCount.Increment("failed")
		d.log.Debugf("FP emulation failed for pid %d at %v: %v", p.PID(), tf.PC()-ring0.InstructionWidth, err)
	}
	d.unhandledTrap(c, tf, "Illegal Instruction")
	return restart
}

// handleFPDisabled turns the FPU on for the user process and resumes it at
// the same instruction.
func (d *Dispatcher) handleFPDisabled(c *ring0.CPU, tf *ring0.TrapFrame) disposition {
	if tf.InKernel() {
		d.PrintTrapFrame(c, tf)
		d.halt(c, "kernel executed an FP instruction!")
	}
	tf.SR |= ring0.StatusEF
	return popFrame
}
