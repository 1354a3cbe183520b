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
	"bytes"
	"io"
	"runtime"

	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
)

// signalFor returns the signal recorded when a process is terminated for a
// trap with the given cause.
func signalFor(cause ring0.Cause) unix.Signal {
	e, ok := cause.Exception()
	if !ok {
		return unix.SIGKILL
	}
	switch e {
	case ring0.FaultFetch, ring0.FaultLoad, ring0.FaultStore:
		return unix.SIGSEGV
	case ring0.MisalignedFetch, ring0.MisalignedLoad, ring0.MisalignedStore:
		return unix.SIGBUS
	case ring0.IllegalInstruction, ring0.PrivilegedInstruction:
		return unix.SIGILL
	default:
		return unix.SIGKILL
	}
}

// unhandledTrap reports a trap nothing could handle. In kernel context the
// frame is dumped and the machine halts with the escalation lock held, so
// no other core's report follows. In user context the report is logged and
// the process is terminated.
func (d *Dispatcher) unhandledTrap(c *ring0.CPU, tf *ring0.TrapFrame, kind string) {
	if !d.lockUnlessHalted() {
		panic(d.halted.Load())
	}
	if tf.InKernel() {
		unhandledCount.Increment("kernel")
		d.PrintTrapFrame(c, tf)
		d.halt(c, "Unhandled trap in kernel!\nTrap type: %s", kind)
	}

	unhandledCount.Increment("user")
	var buf bytes.Buffer
	d.Dump(&buf, c, tf)
	d.log.Warningf("Unhandled trap in user!\nTrap type: %s\n%s", kind, buf.String())
	if d.traceLog.IsLogging(log.Debug) {
		d.traceLog.Debugf("Trap path stack:\n%s", log.Stacks(false))
	}
	d.mu.Unlock()

	p := d.current(c)
	c.EnableInterrupts()
	d.opts.Scheduler.Terminate(p, signalFor(tf.Cause))
}

// lockUnlessHalted acquires d.mu. It gives up and returns false once the
// machine halts, since a kernel halt never releases d.mu.
func (d *Dispatcher) lockUnlessHalted() bool {
	for !d.mu.TryLock() {
		if d.halted.Load() != nil {
			return false
		}
		runtime.Gosched()
	}
	return true
}

// Dump writes the diagnostic rendering of tf, taken on c, to w. The
// faulting instruction is read from the process scheduled on c when an
// InstructionReader is configured.
func (d *Dispatcher) Dump(w io.Writer, c *ring0.CPU, tf *ring0.TrapFrame) error {
	_, err := ring0.FormatTrapFrame(w, tf, c.ID(), d.instruction(c, tf))
	return err
}

// PrintTrapFrame dumps tf, taken on c, to the console.
func (d *Dispatcher) PrintTrapFrame(c *ring0.CPU, tf *ring0.TrapFrame) {
	if err := d.Dump(d.opts.Console, c, tf); err != nil {
		d.log.Warningf("Dumping trapframe of core %d: %v", c.ID(), err)
	}
}

func (d *Dispatcher) instruction(c *ring0.CPU, tf *ring0.TrapFrame) uint32 {
	if d.opts.Instructions == nil || tf.InKernel() {
		return ring0.InsnUnknown
	}
	p := d.opts.Scheduler.Current(c.ID())
	if p == nil {
		return ring0.InsnUnknown
	}
	insn, ok := d.opts.Instructions.ReadInstruction(p, tf.PC())
	if !ok {
		return ring0.InsnUnknown
	}
	return insn
}
