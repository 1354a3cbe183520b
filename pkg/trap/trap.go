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

// Package trap dispatches processor traps to their handlers.
//
// Every trap taken by a core, whether a synchronous exception or an
// asynchronous interrupt, enters through Dispatcher.HandleTrap with the
// trapframe the entry glue saved. The dispatcher classifies the trap, runs
// the handler registered for its cause and decides how the core resumes:
// back into the kernel code that was interrupted, straight back into the
// user process that trapped, or through the scheduler.
//
// Conditions the kernel cannot survive, such as a page fault in kernel
// context, halt the machine. A halt is delivered as a panic carrying a
// *HaltError; the core that raised it never returns into the trap path.
package trap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
)

// ResumeKind says how a core leaves the trap path.
type ResumeKind int

const (
	// ResumeKernel pops the frame back into the interrupted kernel code.
	ResumeKernel ResumeKind = iota

	// ResumeUser pops the frame straight back into the user process.
	ResumeUser

	// RestartCore hands the core to the scheduler, which consumes the
	// core's current trapframe.
	RestartCore
)

func (k ResumeKind) String() string {
	switch k {
	case ResumeKernel:
		return "resume-kernel"
	case ResumeUser:
		return "resume-user"
	case RestartCore:
		return "restart-core"
	default:
		return fmt.Sprintf("ResumeKind(%d)", int(k))
	}
}

// Resumption is the outcome of a trap.
type Resumption struct {
	Kind ResumeKind

	// Frame is the frame to pop for ResumeKernel and ResumeUser. It
	// reflects every modification the handler made.
	Frame ring0.TrapFrame
}

// Opts configures a Dispatcher.
type Opts struct {
	// Memory resolves user page faults. Required.
	Memory MemoryManager

	// Scheduler owns processes and restarts cores. Required.
	Scheduler Scheduler

	// Syscalls accepts system calls. Required.
	Syscalls SyscallPreparer

	// Monitor is entered on breakpoints. Required.
	Monitor Monitor

	// Messages delivers kernel messages on IPIs. Required.
	Messages MessageDeliverer

	// Console is polled on IPIs and receives trapframe dumps. Required.
	Console Console

	// Timer receives timer interrupts. Required.
	Timer Timer

	// FPU emulates floating point instructions on illegal instruction
	// traps. If nil, every user illegal instruction is unhandled.
	FPU FPUEmulator

	// Instructions reads the faulting instruction for dumps. If nil, dumps
	// show ring0.InsnUnknown.
	Instructions InstructionReader

	// AdvanceAfterEmulation advances the program counter a second time
	// after a successful FP emulation. By default an emulated instruction
	// advances it once, like any skipped instruction.
	AdvanceAfterEmulation bool

	// Regions holds the resumable kernel regions exited on interrupts. If
	// nil, no region is ever exited.
	Regions *RegionSet

	// Logger receives warnings. Defaults to the global logger.
	Logger log.Logger

	// BacktraceInterval limits how often the trap path stack of a user
	// escalation is logged. Defaults to one second.
	BacktraceInterval time.Duration

	// OnHalt, if set, is called once with the first halt.
	OnHalt func(*HaltError)
}

// ErrMissingCollaborator is returned by New when a required collaborator is
// nil.
var ErrMissingCollaborator = errors.New("missing collaborator")

// Dispatcher dispatches the traps of every core of one kernel.
type Dispatcher struct {
	kernel *ring0.Kernel
	opts   Opts
	log    log.Logger

	// traceLog rate limits trap path backtraces, which a crashing workload
	// can produce on every trap.
	traceLog log.Logger

	// mu serializes unhandled trap reports across cores. A kernel halt
	// keeps it held.
	mu sync.Mutex

	// halted is the first halt raised, if any.
	halted atomic.Pointer[HaltError]
}

// New returns a Dispatcher for the cores of k.
func New(k *ring0.Kernel, opts Opts) (*Dispatcher, error) {
	for _, c := range []struct {
		name string
		nil  bool
	}{
		{"Memory", opts.Memory == nil},
		{"Scheduler", opts.Scheduler == nil},
		{"Syscalls", opts.Syscalls == nil},
		{"Monitor", opts.Monitor == nil},
		{"Messages", opts.Messages == nil},
		{"Console", opts.Console == nil},
		{"Timer", opts.Timer == nil},
	} {
		if c.nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingCollaborator, c.name)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	if opts.BacktraceInterval <= 0 {
		opts.BacktraceInterval = time.Second
	}
	return &Dispatcher{
		kernel:   k,
		opts:     opts,
		log:      opts.Logger,
		traceLog: log.RateLimitedLogger(opts.Logger, opts.BacktraceInterval),
	}, nil
}

// Kernel returns the kernel whose cores d dispatches.
func (d *Dispatcher) Kernel() *ring0.Kernel {
	return d.kernel
}

// Halted returns the halt that stopped the machine, or nil.
func (d *Dispatcher) Halted() *HaltError {
	return d.halted.Load()
}

// HandleTrap dispatches the trap described by tf, taken on c, and returns
// how c resumes. tf is the dispatcher's private copy; handlers modify it in
// place.
//
// Interrupts are disabled on entry, as the hardware does. Handlers that
// need them re-enable them explicitly.
func (d *Dispatcher) HandleTrap(c *ring0.CPU, tf *ring0.TrapFrame) Resumption {
	if h := d.halted.Load(); h != nil {
		panic(h)
	}
	c.DisableInterrupts()

	var disp disposition
	if tf.Cause.IsInterrupt() {
		irq, ok := tf.Cause.Interrupt()
		if !ok || interruptHandlers[irq] == nil {
			d.assertf(c, "no handler for interrupt %v (cause %#x)", tf.Cause, uint64(tf.Cause))
		}
		trapCount.Increment(ring0.CauseName(tf.Cause))
		c.IncIRQDepth()
		disp = interruptHandlers[irq](d, c, tf)
		c.DecIRQDepth()
	} else {
		exc, ok := tf.Cause.Exception()
		if !ok || exceptionHandlers[exc] == nil {
			d.assertf(c, "no handler for exception %v (cause %#x)", tf.Cause, uint64(tf.Cause))
		}
		trapCount.Increment(ring0.CauseName(tf.Cause))
		inKernel := tf.InKernel()
		if inKernel {
			c.IncKTrapDepth()
		}
		disp = exceptionHandlers[exc](d, c, tf)
		if inKernel {
			c.DecKTrapDepth()
		}
	}

	switch {
	case tf.InKernel():
		return Resumption{Kind: ResumeKernel, Frame: *tf}
	case disp == popFrame:
		return Resumption{Kind: ResumeUser, Frame: *tf}
	default:
		return Resumption{Kind: RestartCore}
	}
}

// Return leaves the trap path on c as r says. A kernel resumption restores
// the interrupt state saved in the frame; user code always runs with
// interrupts enabled. RestartCore is delegated to the scheduler.
func (d *Dispatcher) Return(c *ring0.CPU, r Resumption) {
	switch r.Kind {
	case ResumeKernel:
		if r.Frame.SR&ring0.StatusPEI != 0 {
			c.EnableInterrupts()
		}
	case ResumeUser:
		c.EnableInterrupts()
	case RestartCore:
		d.opts.Scheduler.RestartCore(c)
	default:
		d.assertf(c, "invalid resumption %v", r.Kind)
	}
}

// Entry is the full trap path: it dispatches tf, taken on c, and leaves the
// trap path accordingly. The entry glue's frame is copied first so that
// nested traps cannot alias it.
func (d *Dispatcher) Entry(c *ring0.CPU, tf ring0.TrapFrame) Resumption {
	r := d.HandleTrap(c, &tf)
	d.Return(c, r)
	return r
}

// StackTop returns the top of c's kernel stack. sp is the stack pointer of
// the caller, which must run on that stack.
func (d *Dispatcher) StackTop(c *ring0.CPU, sp hostarch.Addr) hostarch.Addr {
	if err := c.CheckStackTop(sp); err != nil {
		d.assertf(c, "%v", err)
	}
	return c.StackTop()
}

// InspectCore returns a snapshot of the trap state of the given core.
func (d *Dispatcher) InspectCore(id ring0.CoreID) ring0.CPUState {
	c := d.kernel.CPU(id)
	if !d.lockUnlessHalted() {
		return c.State()
	}
	defer d.mu.Unlock()
	return c.State()
}
