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

// Package machine assembles a simulated multicore machine around the trap
// dispatcher and runs scenarios of traps on it.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"ktrap.dev/ktrap/pkg/config"
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/sentry/console"
	"ktrap.dev/ktrap/pkg/sentry/fpu"
	"ktrap.dev/ktrap/pkg/sentry/kernel"
	"ktrap.dev/ktrap/pkg/sentry/kmsg"
	"ktrap.dev/ktrap/pkg/sentry/mm"
	"ktrap.dev/ktrap/pkg/sentry/monitor"
	"ktrap.dev/ktrap/pkg/sentry/syscalls"
	"ktrap.dev/ktrap/pkg/sentry/timer"
	"ktrap.dev/ktrap/pkg/trap"
)

// DefaultKernelPC is where kernel traps are taken unless a step says
// otherwise.
const DefaultKernelPC = 0xffffffc000201000

// userStatus is the status of a process entering user mode.
const userStatus = ring0.StatusPEI | ring0.StatusU64

// Machine is a simulated machine.
type Machine struct {
	Config     *config.Config
	Kernel     *ring0.Kernel
	Dispatcher *trap.Dispatcher
	Regions    *trap.RegionSet
	Memory     *mm.Manager
	Scheduler  *kernel.Scheduler
	Syscalls   *syscalls.Queue
	FPU        *fpu.Emulator
	Messages   *kmsg.Router
	Console    *console.Console
	Monitor    *monitor.Monitor
	Timer      *timer.Timer

	// stats is indexed by core. Each entry is only written by the goroutine
	// running that core.
	stats []coreStats
}

type coreStats struct {
	traps   int
	resumes map[trap.ResumeKind]int
	skipped int
}

// New builds a machine from cfg and boots its processes. Console output
// goes to out. Trap path warnings go to logger, or to the global logger if
// logger is nil.
func New(cfg *config.Config, out io.Writer, logger log.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Log()
	}

	tops := make([]hostarch.Addr, len(cfg.StackTops))
	for i, top := range cfg.StackTops {
		tops[i] = hostarch.Addr(top)
	}
	k, err := ring0.New(ring0.KernelOpts{NumCPUs: cfg.Cores, StackTops: tops})
	if err != nil {
		return nil, err
	}

	regions := trap.NewRegionSet()
	for _, r := range cfg.Regions {
		resume := trap.ReturnToCaller()
		if r.ResumeAt != 0 {
			resume = trap.ResumeAt(hostarch.Addr(r.ResumeAt))
		}
		ar := hostarch.AddrRange{Start: hostarch.Addr(r.Start), End: hostarch.Addr(r.End)}
		if err := regions.Register(trap.Region{Name: r.Name, Range: ar, Resume: resume}); err != nil {
			return nil, err
		}
	}

	m := &Machine{
		Config:   cfg,
		Kernel:   k,
		Regions:  regions,
		Memory:   mm.NewManager(),
		Console:  console.New(out),
		Messages: kmsg.NewRouter(k),
		Syscalls: syscalls.NewQueue(cfg.MaxSyscallBatch),
		stats:    make([]coreStats, cfg.Cores),
	}
	m.Scheduler = kernel.NewScheduler(cfg.Cores)
	m.FPU = fpu.New(m.Memory, cfg.FPOpcodes)
	m.Monitor = monitor.New(m.Console)
	m.Timer = timer.New(cfg.Cores, m.Scheduler, cfg.PreemptEvery)
	for i := range m.stats {
		m.stats[i].resumes = make(map[trap.ResumeKind]int)
	}

	if err := m.startProcesses(); err != nil {
		return nil, err
	}

	m.Dispatcher, err = trap.New(k, trap.Opts{
		Memory:                m.Memory,
		Scheduler:             m.Scheduler,
		Syscalls:              m.Syscalls,
		Monitor:               m.Monitor,
		Messages:              m.Messages,
		Console:               m.Console,
		Timer:                 m.Timer,
		FPU:                   m.FPU,
		Instructions:          m.Memory,
		Regions:               regions,
		Logger:                logger,
		BacktraceInterval:     time.Duration(cfg.BacktraceInterval),
		AdvanceAfterEmulation: cfg.AdvanceAfterEmulation,
	})
	if err != nil {
		return nil, err
	}

	for _, c := range k.CPUs() {
		if p := m.Scheduler.Schedule(c.ID()); p != nil {
			c.EnableInterrupts()
		}
	}
	return m, nil
}

func (m *Machine) startProcesses() error {
	for _, pc := range m.Config.Processes {
		var entry ring0.TrapFrame
		entry.SR = userStatus
		entry.EPC = uint64(pc.Entry)
		entry.GPR[ring0.RegSP] = uint64(pc.Stack)
		p := m.Scheduler.NewProcess(pc.Name, entry)

		as, err := m.Memory.NewAddressSpace(p.PID())
		if err != nil {
			return err
		}
		for _, mc := range pc.Mappings {
			v := mm.VMA{
				Name:  mc.Name,
				Range: hostarch.AddrRange{Start: hostarch.Addr(mc.Start), End: hostarch.Addr(mc.End)},
				Perms: hostarch.ParseAccessType(mc.Perms),
			}
			if err := as.Map(v); err != nil {
				return fmt.Errorf("process %q: %w", pc.Name, err)
			}
		}
		for _, insn := range pc.Text {
			as.SetInstruction(hostarch.Addr(insn.Addr), insn.Word)
		}
	}
	return nil
}

// Run takes the traps of sc. Each core runs its steps in order on its own
// goroutine. A halt stops every core and is recorded in the report; it is
// not an error.
func (m *Machine) Run(ctx context.Context, sc *config.Scenario) (*Report, error) {
	if err := sc.Validate(m.Kernel.NumCPUs()); err != nil {
		return nil, err
	}
	perCore := make([][]config.Step, m.Kernel.NumCPUs())
	for _, s := range sc.Steps {
		perCore[s.Core] = append(perCore[s.Core], s)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range m.Kernel.CPUs() {
		steps := perCore[c.ID()]
		g.Go(func() error {
			return m.runCore(ctx, c, steps)
		})
	}
	err := g.Wait()

	var halt *trap.HaltError
	if err != nil && !errors.As(err, &halt) {
		return nil, err
	}
	r := m.report()
	r.Scenario = sc.Name
	r.Halt = halt
	return r, nil
}

func (m *Machine) runCore(ctx context.Context, c *ring0.CPU, steps []config.Step) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.step(c, &steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// step takes one trap on c. A halt is returned as a *trap.HaltError.
func (m *Machine) step(c *ring0.CPU, s *config.Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h, ok := r.(*trap.HaltError)
			if !ok {
				panic(r)
			}
			err = h
		}
	}()

	cause, err := s.ParsedCause()
	if err != nil {
		return err
	}
	if s.Input != "" {
		m.Console.Type([]byte(s.Input))
	}
	if irq, ok := cause.Interrupt(); ok {
		if err := m.raise(c, irq, s); err != nil {
			return err
		}
	}

	tf, ok := m.frame(c, s, cause)
	if !ok {
		m.stats[c.ID()].skipped++
		return nil
	}
	st := &m.stats[c.ID()]
	st.traps++
	r := m.Dispatcher.Entry(c, tf)
	st.resumes[r.Kind]++
	if r.Kind == trap.ResumeUser {
		m.Scheduler.SaveContext(c.ID(), r.Frame)
	}
	return nil
}

// raise makes irq pending on c, as its source would.
func (m *Machine) raise(c *ring0.CPU, irq ring0.Interrupt, s *config.Step) error {
	if irq == ring0.InterruptIPI && s.Message != "" {
		name := s.Message
		return m.Messages.Send(c.ID(), kmsg.Message{
			Name:   name,
			Source: ring0.CoreID(s.From),
			Fn: func(core ring0.CoreID, tf *ring0.TrapFrame) {
				log.Infof("Core %d: kernel message %q", core, name)
			},
		})
	}
	c.Raise(irq)
	return nil
}

// frame builds the trapframe the entry glue would save for s. ok is false
// if s is a user trap on a core without a process.
func (m *Machine) frame(c *ring0.CPU, s *config.Step, cause ring0.Cause) (ring0.TrapFrame, bool) {
	var tf ring0.TrapFrame
	if s.Kernel {
		tf.SR = ring0.StatusS | ring0.StatusPS | ring0.StatusS64
		if s.InterruptsOn {
			tf.SR |= ring0.StatusPEI
		}
		tf.EPC = DefaultKernelPC
	} else {
		p := m.Scheduler.CurrentProcess(c.ID())
		if p == nil {
			log.Warningf("Core %d: skipping %v, no process is running", c.ID(), cause)
			return tf, false
		}
		tf = p.Context()
		tf.SR = tf.SR&^ring0.StatusPS | userStatus
	}
	if s.PC != 0 {
		tf.EPC = uint64(s.PC)
	}
	if s.RA != 0 {
		tf.GPR[ring0.RegRA] = uint64(s.RA)
	}
	if s.A0 != 0 {
		tf.GPR[ring0.RegA0] = uint64(s.A0)
	}
	if s.A1 != 0 {
		tf.GPR[ring0.RegA1] = s.A1
	}
	tf.BadVAddr = uint64(s.Addr)
	tf.Cause = cause
	return tf, true
}
