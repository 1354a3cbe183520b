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
	"io"

	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/ring0"
)

// Process is the entity a core was running when it trapped from user mode.
// Its lifecycle belongs to the Scheduler.
type Process interface {
	// PID identifies the process in diagnostics.
	PID() int32
}

// MemoryManager resolves user memory faults.
type MemoryManager interface {
	// ResolveFault makes addr accessible to p with the given access, by
	// demand paging, copy-on-write or growth. A nil error means the
	// faulting instruction can be retried as is.
	ResolveFault(p Process, addr hostarch.Addr, at hostarch.AccessType) error
}

// InstructionReader reads instruction words from a process for diagnostics.
type InstructionReader interface {
	// ReadInstruction returns the instruction word at pc, if it is mapped.
	ReadInstruction(p Process, pc hostarch.Addr) (uint32, bool)
}

// Scheduler owns processes and decides what a core runs next.
type Scheduler interface {
	// Current returns the process scheduled on the core, or nil.
	Current(core ring0.CoreID) Process

	// Terminate destroys p. sig records why.
	Terminate(p Process, sig unix.Signal)

	// RestartCore consumes the core's current trapframe and resumes a
	// runnable process on it, which need not be the process that trapped.
	// On hardware this call does not return; in this implementation it
	// returns once the core has been handed to a process.
	RestartCore(c *ring0.CPU)
}

// SyscallPreparer accepts system calls from user mode.
type SyscallPreparer interface {
	// Prepare queues count syscalls described at args in p's memory.
	Prepare(p Process, args hostarch.Addr, count int)
}

// Monitor is the kernel debug monitor.
type Monitor interface {
	// Enter runs the monitor on the given core. It returns when the
	// monitor is done with tf.
	Enter(core ring0.CoreID, tf *ring0.TrapFrame)
}

// FPUEmulator emulates floating point instructions on cores without an FPU.
type FPUEmulator interface {
	// Emulate applies the instruction preceding tf.EPC to tf and p. The
	// program counter has already been advanced past the instruction and
	// must be left alone.
	Emulate(p Process, tf *ring0.TrapFrame) error
}

// MessageDeliverer runs kernel messages sent to a core.
type MessageDeliverer interface {
	// DeliverPending runs every message pending for the core.
	DeliverPending(core ring0.CoreID, tf *ring0.TrapFrame, flags uint32)
}

// Console is the kernel console. Writes carry diagnostic dumps.
type Console interface {
	io.Writer

	// PollInput drains pending keyboard input.
	PollInput()
}

// Timer receives timer ticks.
type Timer interface {
	// OnTick handles a tick on the given core.
	OnTick(core ring0.CoreID, tf *ring0.TrapFrame)
}
