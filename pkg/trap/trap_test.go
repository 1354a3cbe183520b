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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/ring0"
)

func TestNewMissingCollaborator(t *testing.T) {
	k, err := ring0.New(ring0.KernelOpts{NumCPUs: 1})
	if err != nil {
		t.Fatalf("ring0.New failed: %v", err)
	}
	env := &testEnv{}
	_, err = New(k, Opts{Memory: env, Scheduler: env, Syscalls: env, Monitor: env, Messages: env, Console: env})
	if !errors.Is(err, ErrMissingCollaborator) {
		t.Fatalf("New got err %v, want %v", err, ErrMissingCollaborator)
	}
	if !strings.Contains(err.Error(), "Timer") {
		t.Errorf("New error %q does not name the missing collaborator", err)
	}
}

func TestTable(t *testing.T) {
	unhandled := map[ring0.Cause]bool{
		ring0.AcceleratorDisabled.Cause(): true,
		ring0.InterruptHost.Cause():       true,
	}
	for _, e := range Table() {
		if got, want := e.Handled, !unhandled[e.Cause]; got != want {
			t.Errorf("%v: handled = %t, want %t", e.Cause, got, want)
		}
		if got, want := e.Interrupt, e.Cause.IsInterrupt(); got != want {
			t.Errorf("%v: interrupt = %t, want %t", e.Cause, got, want)
		}
	}
	if got, want := len(Table()), len(ring0.Exceptions())+len(ring0.Interrupts()); got != want {
		t.Errorf("len(Table()) = %d, want %d", got, want)
	}
}

// TestDispatchInvokesHandlerOnce swaps every table entry for a counting
// handler and checks that each cause reaches exactly its own.
func TestDispatchInvokesHandlerOnce(t *testing.T) {
	savedExc, savedIRQ := exceptionHandlers, interruptHandlers
	defer func() {
		exceptionHandlers, interruptHandlers = savedExc, savedIRQ
	}()

	calls := make(map[ring0.Cause]int)
	counting := func(cause ring0.Cause) trapHandler {
		return func(d *Dispatcher, c *ring0.CPU, tf *ring0.TrapFrame) disposition {
			calls[cause]++
			return restart
		}
	}
	var causes []ring0.Cause
	for e, h := range exceptionHandlers {
		if h != nil {
			cause := ring0.Exception(e).Cause()
			exceptionHandlers[e] = counting(cause)
			causes = append(causes, cause)
		}
	}
	for i, h := range interruptHandlers {
		if h != nil {
			cause := ring0.Interrupt(i).Cause()
			interruptHandlers[i] = counting(cause)
			causes = append(causes, cause)
		}
	}

	h := newHarness(t, nil)
	for _, cause := range causes {
		tf := kernelFrame(cause)
		h.d.HandleTrap(h.cpu(0), &tf)
		want := map[ring0.Cause]int{cause: 1}
		if diff := cmp.Diff(want, calls); diff != "" {
			t.Errorf("dispatching %v: handler calls mismatch (-want +got):\n%s", cause, diff)
		}
		clear(calls)
	}
}

func TestUnknownCauseAsserts(t *testing.T) {
	for _, cause := range []ring0.Cause{
		ring0.AcceleratorDisabled.Cause(),
		ring0.InterruptHost.Cause(),
		ring0.Cause(5),
		ring0.Cause(ring0.NumExceptions),
		ring0.Cause(0x7f),
		ring0.Interrupt(3).Cause(),
		ring0.Interrupt(0xff).Cause(),
	} {
		t.Run(cause.String(), func(t *testing.T) {
			h := newHarness(t, nil)
			tf := userFrame(cause)
			halt := expectHalt(t, func() { h.d.HandleTrap(h.cpu(0), &tf) })
			if !strings.Contains(halt.Reason, "assertion failed") {
				t.Errorf("halt reason %q, want an assertion failure", halt.Reason)
			}
			if len(h.env.terminations) != 0 {
				t.Errorf("got terminations %v, want none", h.env.terminations)
			}
		})
	}
}

func TestStackTop(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(1)
	top := hostarch.Addr(0xffffffc000404000)
	c.SetStackTop(top)
	if got := h.d.StackTop(c, top-0x80); got != top {
		t.Errorf("StackTop = %v, want %v", got, top)
	}
	halt := expectHalt(t, func() { h.d.StackTop(c, top+hostarch.PageSize) })
	if halt.Core != 1 {
		t.Errorf("halt on core %d, want 1", halt.Core)
	}
}

func TestDoubleInstallHalts(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(0)
	first := userFrame(ring0.FaultLoad.Cause())
	if err := c.InstallCurrentFrame(&first); err != nil {
		t.Fatalf("InstallCurrentFrame failed: %v", err)
	}

	tf := userFrame(ring0.InterruptTimer.Cause())
	tf.EPC = 0x500000
	halt := expectHalt(t, func() { h.d.HandleTrap(c, &tf) })
	if !strings.Contains(halt.Reason, ring0.ErrFrameInstalled.Error()) {
		t.Errorf("halt reason %q, want it to mention %q", halt.Reason, ring0.ErrFrameInstalled)
	}
	got, ok := c.CurrentFrame()
	if !ok {
		t.Fatalf("current trapframe cleared")
	}
	if diff := cmp.Diff(first, got); diff != "" {
		t.Errorf("current trapframe overwritten (-want +got):\n%s", diff)
	}
}

func TestPageFaultResolved(t *testing.T) {
	for _, tc := range []struct {
		exc    ring0.Exception
		addr   hostarch.Addr
		access hostarch.AccessType
	}{
		{ring0.FaultFetch, userPC, hostarch.Execute},
		{ring0.FaultLoad, userBadVA, hostarch.Read},
		{ring0.FaultStore, userBadVA, hostarch.Write},
	} {
		t.Run(tc.exc.String(), func(t *testing.T) {
			h := newHarness(t, nil)
			c := h.cpu(0)
			tf := userFrame(tc.exc.Cause())
			orig := tf
			before := pageFaultCount.Value("resolved")

			r := h.d.Entry(c, tf)
			if r.Kind != RestartCore {
				t.Errorf("resumption = %v, want %v", r.Kind, RestartCore)
			}
			if diff := cmp.Diff([]fault{{42, tc.addr, tc.access}}, h.env.faults); diff != "" {
				t.Errorf("faults mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]ring0.TrapFrame{orig}, h.env.restarted); diff != "" {
				t.Errorf("restarted frame mismatch (-want +got):\n%s", diff)
			}
			if len(h.env.terminations) != 0 {
				t.Errorf("got terminations %v, want none", h.env.terminations)
			}
			if got := pageFaultCount.Value("resolved") - before; got != 1 {
				t.Errorf("resolved page faults increased by %d, want 1", got)
			}
		})
	}
}

func TestPageFaultUnresolved(t *testing.T) {
	h := newHarness(t, func(o *Opts) {
		o.Memory = &testEnv{resolveErr: errors.New("unmapped")}
	})
	c := h.cpu(0)
	tf := userFrame(ring0.FaultStore.Cause())
	before := unhandledCount.Value("user")

	r := h.d.HandleTrap(c, &tf)
	if r.Kind != RestartCore {
		t.Errorf("resumption = %v, want %v", r.Kind, RestartCore)
	}
	want := []termination{{42, unix.SIGSEGV}}
	if diff := cmp.Diff(want, h.env.terminations); diff != "" {
		t.Errorf("terminations mismatch (-want +got):\n%s", diff)
	}
	if !h.log.warned("Unhandled trap in user!", "Trap type: Store Page Fault", "TRAP frame at") {
		t.Errorf("no unhandled trap warning in %q", h.log.Warnings())
	}
	if halt := h.d.Halted(); halt != nil {
		t.Errorf("machine halted: %v", halt)
	}
	if !c.InterruptsEnabled() {
		t.Errorf("interrupts disabled after terminating the process")
	}
	if got := unhandledCount.Value("user") - before; got != 1 {
		t.Errorf("user escalations increased by %d, want 1", got)
	}
}

func TestUserMisalignedTerminates(t *testing.T) {
	for _, exc := range []ring0.Exception{ring0.MisalignedFetch, ring0.MisalignedLoad, ring0.MisalignedStore} {
		t.Run(exc.String(), func(t *testing.T) {
			h := newHarness(t, nil)
			tf := userFrame(exc.Cause())
			h.d.HandleTrap(h.cpu(0), &tf)
			if diff := cmp.Diff([]termination{{42, unix.SIGBUS}}, h.env.terminations); diff != "" {
				t.Errorf("terminations mismatch (-want +got):\n%s", diff)
			}
			if !h.log.warned("Trap type: " + exc.String()) {
				t.Errorf("no warning naming %v in %q", exc, h.log.Warnings())
			}
		})
	}
}

func TestKernelFaultHalts(t *testing.T) {
	for _, tc := range []struct {
		exc    ring0.Exception
		reason string
		dumped bool
	}{
		{ring0.FaultFetch, "Instruction Page Fault in the Kernel", true},
		{ring0.FaultLoad, "Load Page Fault in the Kernel", true},
		{ring0.FaultStore, "Store Page Fault in the Kernel", true},
		{ring0.IllegalInstruction, "Illegal Instruction in the Kernel", true},
		{ring0.PrivilegedInstruction, "Illegal Instruction in the Kernel", true},
		{ring0.FPDisabled, "kernel executed an FP instruction", true},
		{ring0.MisalignedFetch, "Unhandled trap in kernel!\nTrap type: Misaligned Fetch", true},
		{ring0.MisalignedLoad, "Unhandled trap in kernel!\nTrap type: Misaligned Load", true},
		{ring0.MisalignedStore, "Unhandled trap in kernel!\nTrap type: Misaligned Store", true},
		{ring0.Syscall, "syscall from kernel context", false},
	} {
		t.Run(tc.exc.String(), func(t *testing.T) {
			var reported []*HaltError
			h := newHarness(t, func(o *Opts) {
				o.OnHalt = func(h *HaltError) { reported = append(reported, h) }
			})
			c := h.cpu(1)
			tf := kernelFrame(tc.exc.Cause())

			halt := expectHalt(t, func() { h.d.HandleTrap(c, &tf) })
			if !strings.Contains(halt.Reason, tc.reason) {
				t.Errorf("halt reason %q, want it to contain %q", halt.Reason, tc.reason)
			}
			if halt.Core != 1 {
				t.Errorf("halt on core %d, want 1", halt.Core)
			}
			if diff := cmp.Diff([]*HaltError{halt}, reported); diff != "" {
				t.Errorf("OnHalt reports mismatch (-want +got):\n%s", diff)
			}
			console := h.env.consoleString()
			if got := strings.Contains(console, "TRAP frame at"); got != tc.dumped {
				t.Errorf("trapframe dumped = %t, want %t; console:\n%s", got, tc.dumped, console)
			}
			if !strings.Contains(console, halt.Error()) {
				t.Errorf("console %q does not report %q", console, halt.Error())
			}

			// Nothing moves once the machine is halted.
			before := c.State()
			c.Raise(ring0.InterruptTimer)
			before.Pending = c.State().Pending
			next := userFrame(ring0.InterruptTimer.Cause())
			again := expectHalt(t, func() { h.d.HandleTrap(c, &next) })
			if again != halt {
				t.Errorf("second trap raised %v, want the first halt %v", again, halt)
			}
			if diff := cmp.Diff(before, c.State()); diff != "" {
				t.Errorf("core state changed after halt (-want +got):\n%s", diff)
			}
			if len(h.env.terminations) != 0 || len(h.env.restarted) != 0 || h.env.ticks != 0 {
				t.Errorf("collaborators ran after halt: terminations %v, restarts %d, ticks %d",
					h.env.terminations, len(h.env.restarted), h.env.ticks)
			}
			if len(reported) != 1 {
				t.Errorf("OnHalt called %d times, want 1", len(reported))
			}
		})
	}
}

func TestHaltReportedOnce(t *testing.T) {
	h := newHarness(t, nil)
	tf := kernelFrame(ring0.FaultLoad.Cause())
	first := expectHalt(t, func() { h.d.HandleTrap(h.cpu(0), &tf) })

	// A core that was already in its handler halts with the same reason.
	other := expectHalt(t, func() { h.d.halt(h.cpu(1), "late") })
	if other != first {
		t.Errorf("late halt %v, want %v", other, first)
	}
	if got := strings.Count(h.env.consoleString(), "kernel panic"); got != 1 {
		t.Errorf("console reports %d panics, want 1", got)
	}
	if h.d.Halted() != first {
		t.Errorf("Halted() = %v, want %v", h.d.Halted(), first)
	}
}

func TestIllegalInstructionAdvance(t *testing.T) {
	for _, tc := range []struct {
		name       string
		emulateErr error
		noFPU      bool
		double     bool
		wantEPC    uint64
		terminated bool
	}{
		{name: "emulated", wantEPC: userPC + ring0.InstructionWidth},
		{name: "not emulated", emulateErr: errors.New("not an FP instruction"), wantEPC: userPC + ring0.InstructionWidth, terminated: true},
		{name: "no emulator", noFPU: true, wantEPC: userPC + ring0.InstructionWidth, terminated: true},
		{name: "advance after emulation", double: true, wantEPC: userPC + 2*ring0.InstructionWidth},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(o *Opts) {
				if tc.noFPU {
					o.FPU = nil
				}
				o.AdvanceAfterEmulation = tc.double
			})
			h.env.emulateErr = tc.emulateErr
			c := h.cpu(0)
			tf := userFrame(ring0.IllegalInstruction.Cause())

			r := h.d.HandleTrap(c, &tf)
			if r.Kind != RestartCore {
				t.Errorf("resumption = %v, want %v", r.Kind, RestartCore)
			}
			cur, ok := c.CurrentFrame()
			if !ok {
				t.Fatalf("no current trapframe installed")
			}
			if cur.EPC != tc.wantEPC {
				t.Errorf("current trapframe pc = %#x, want %#x", cur.EPC, tc.wantEPC)
			}
			if !tc.noFPU {
				if len(h.env.emulated) != 1 || h.env.emulated[0].EPC != userPC+ring0.InstructionWidth {
					t.Errorf("emulator saw %v, want one frame past the instruction", h.env.emulated)
				}
			}
			var want []termination
			if tc.terminated {
				want = []termination{{42, unix.SIGILL}}
			}
			if diff := cmp.Diff(want, h.env.terminations); diff != "" {
				t.Errorf("terminations mismatch (-want +got):\n%s", diff)
			}
			if got := h.log.warned("Unhandled trap in user!"); got != tc.terminated {
				t.Errorf("escalated = %t, want %t", got, tc.terminated)
			}
		})
	}
}

func TestFPDisabled(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(0)
	tf := userFrame(ring0.FPDisabled.Cause())
	want := tf
	want.SR |= ring0.StatusEF

	r := h.d.Entry(c, tf)
	if diff := cmp.Diff(Resumption{Kind: ResumeUser, Frame: want}, r); diff != "" {
		t.Errorf("resumption mismatch (-want +got):\n%s", diff)
	}
	if c.State().HasCurrent {
		t.Errorf("current trapframe installed for a direct resumption")
	}
	if !c.InterruptsEnabled() {
		t.Errorf("user resumed with interrupts disabled")
	}
}

func TestSyscall(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(0)
	tf := userFrame(ring0.Syscall.Cause())
	tf.GPR[ring0.RegA0] = 0x10000
	tf.GPR[ring0.RegA1] = 3

	r := h.d.HandleTrap(c, &tf)
	if r.Kind != RestartCore {
		t.Errorf("resumption = %v, want %v", r.Kind, RestartCore)
	}
	if diff := cmp.Diff([]syscallBatch{{42, 0x10000, 3}}, h.env.syscalls); diff != "" {
		t.Errorf("syscalls mismatch (-want +got):\n%s", diff)
	}
	cur, _ := c.CurrentFrame()
	if cur.EPC != userPC+ring0.InstructionWidth {
		t.Errorf("current trapframe pc = %#x, want %#x", cur.EPC, userPC+ring0.InstructionWidth)
	}
	if !c.InterruptsEnabled() {
		t.Errorf("interrupts disabled while preparing syscalls")
	}
}

func TestBreakpoint(t *testing.T) {
	for _, tc := range []struct {
		name  string
		frame ring0.TrapFrame
		kind  ResumeKind
	}{
		{"user", userFrame(ring0.Breakpoint.Cause()), ResumeUser},
		{"kernel", kernelFrame(ring0.Breakpoint.Cause()), ResumeKernel},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			c := h.cpu(0)
			tf := tc.frame
			want := tf
			want.AdvancePC()

			r := h.d.HandleTrap(c, &tf)
			if diff := cmp.Diff(Resumption{Kind: tc.kind, Frame: want}, r); diff != "" {
				t.Errorf("resumption mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]ring0.TrapFrame{want}, h.env.monitor); diff != "" {
				t.Errorf("monitor entries mismatch (-want +got):\n%s", diff)
			}
			if got := c.KTrapDepth(); got != 0 {
				t.Errorf("kernel trap depth = %d, want 0", got)
			}
		})
	}
}

func TestIPI(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(1)
	c.Raise(ring0.InterruptIPI)
	tf := userFrame(ring0.InterruptIPI.Cause())

	r := h.d.Entry(c, tf)
	if r.Kind != RestartCore {
		t.Errorf("resumption = %v, want %v", r.Kind, RestartCore)
	}
	if c.IsPending(ring0.InterruptIPI) {
		t.Errorf("IPI still pending")
	}
	if h.env.polled != 1 || h.env.delivered != 1 {
		t.Errorf("console polled %d times and messages delivered %d times, want 1 and 1", h.env.polled, h.env.delivered)
	}
	if diff := cmp.Diff([]ring0.TrapFrame{tf}, h.env.restarted); diff != "" {
		t.Errorf("restarted frame mismatch (-want +got):\n%s", diff)
	}
}

func TestTimerExitsRegion(t *testing.T) {
	h := newHarness(t, nil)
	idle := hostarch.AddrRange{Start: kernelPC - 0x40, End: kernelPC + 0x40}
	if err := h.d.opts.Regions.Register(Region{Name: "idle", Range: idle, Resume: ReturnToCaller()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	c := h.cpu(0)
	c.Raise(ring0.InterruptTimer)
	tf := kernelFrame(ring0.InterruptTimer.Cause())
	tf.GPR[ring0.RegRA] = 0xffffffc000300020

	r := h.d.HandleTrap(c, &tf)
	if r.Kind != ResumeKernel {
		t.Errorf("resumption = %v, want %v", r.Kind, ResumeKernel)
	}
	if r.Frame.EPC != 0xffffffc000300020 {
		t.Errorf("resume pc = %#x, want the caller", r.Frame.EPC)
	}
	if c.IsPending(ring0.InterruptTimer) || h.env.ticks != 1 {
		t.Errorf("timer pending = %t, ticks = %d; want false, 1", c.IsPending(ring0.InterruptTimer), h.env.ticks)
	}
	if c.State().HasCurrent {
		t.Errorf("current trapframe installed for a kernel interrupt")
	}

	// Outside the region the kernel resumes where it was.
	tf = kernelFrame(ring0.InterruptTimer.Cause())
	tf.EPC = kernelPC + 0x1000
	if r := h.d.HandleTrap(c, &tf); r.Frame.EPC != kernelPC+0x1000 {
		t.Errorf("resume pc = %#x, want %#x", r.Frame.EPC, uint64(kernelPC+0x1000))
	}
}

func TestNestedDepth(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(0)
	preIRQ, preKTrap := c.IRQDepth(), c.KTrapDepth()

	var innerIRQ int32
	h.env.onDeliver = func(core ring0.CoreID, tf *ring0.TrapFrame) {
		innerIRQ = c.IRQDepth()
	}
	h.env.onTick = func(core ring0.CoreID, tf *ring0.TrapFrame) {
		inner := kernelFrame(ring0.InterruptIPI.Cause())
		h.d.HandleTrap(c, &inner)
	}
	outer := userFrame(ring0.InterruptTimer.Cause())
	h.d.HandleTrap(c, &outer)

	if innerIRQ != preIRQ+2 {
		t.Errorf("nested interrupt observed depth %d, want %d", innerIRQ, preIRQ+2)
	}
	if got := c.IRQDepth(); got != preIRQ {
		t.Errorf("interrupt depth after both = %d, want %d", got, preIRQ)
	}

	var innerKTrap int32
	nested := false
	h.env.onMonitor = func(core ring0.CoreID, tf *ring0.TrapFrame) {
		if nested {
			innerKTrap = c.KTrapDepth()
			return
		}
		nested = true
		inner := kernelFrame(ring0.Breakpoint.Cause())
		h.d.HandleTrap(c, &inner)
	}
	bp := kernelFrame(ring0.Breakpoint.Cause())
	h.d.HandleTrap(c, &bp)
	if innerKTrap != preKTrap+2 {
		t.Errorf("nested kernel trap observed depth %d, want %d", innerKTrap, preKTrap+2)
	}
	if got := c.KTrapDepth(); got != preKTrap {
		t.Errorf("kernel trap depth after both = %d, want %d", got, preKTrap)
	}
}

func TestReturn(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(0)

	kf := kernelFrame(ring0.Breakpoint.Cause())
	h.d.Return(c, Resumption{Kind: ResumeKernel, Frame: kf})
	if c.InterruptsEnabled() {
		t.Errorf("interrupts enabled resuming a kernel frame that had them off")
	}
	kf.SR |= ring0.StatusPEI
	h.d.Return(c, Resumption{Kind: ResumeKernel, Frame: kf})
	if !c.InterruptsEnabled() {
		t.Errorf("interrupts disabled resuming a kernel frame that had them on")
	}

	c.DisableInterrupts()
	uf := userFrame(ring0.Syscall.Cause())
	if err := c.InstallCurrentFrame(&uf); err != nil {
		t.Fatalf("InstallCurrentFrame failed: %v", err)
	}
	h.d.Return(c, Resumption{Kind: RestartCore})
	if diff := cmp.Diff([]ring0.TrapFrame{uf}, h.env.restarted); diff != "" {
		t.Errorf("restarted frame mismatch (-want +got):\n%s", diff)
	}
}

func TestInstallWarningEachTime(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(0)
	before := irqEnabledInstalls.Value()
	for i := 0; i < 3; i++ {
		c.EnableInterrupts()
		tf := userFrame(ring0.Syscall.Cause())
		h.d.installCurrentFrame(c, &tf)
		c.TakeCurrentFrame()
	}
	n := 0
	for _, w := range h.log.Warnings() {
		if strings.Contains(w, "with interrupts enabled") {
			n++
		}
	}
	if n != 3 {
		t.Errorf("got %d interrupt state warnings, want 3", n)
	}
	if got := irqEnabledInstalls.Value() - before; got != 3 {
		t.Errorf("irq_enabled_installs grew by %d, want 3", got)
	}
}

func TestBacktraceRateLimited(t *testing.T) {
	h := newHarness(t, func(o *Opts) {
		o.Memory = &testEnv{resolveErr: errors.New("unmapped")}
		o.BacktraceInterval = time.Hour
	})
	c := h.cpu(0)
	for i := 0; i < 2; i++ {
		h.d.Entry(c, userFrame(ring0.FaultStore.Cause()))
	}
	if got := len(h.env.terminations); got != 2 {
		t.Errorf("got %d terminations, want 2", got)
	}
	if got := len(h.log.Warnings()); got < 2 {
		t.Errorf("got %d warnings, want one report per escalation", got)
	}
	n := 0
	for _, d := range h.log.Debug() {
		if strings.HasPrefix(d, "Trap path stack:") {
			n++
		}
	}
	if n != 1 {
		t.Errorf("got %d trap path backtraces, want 1", n)
	}
}

func TestConcurrentUserEscalation(t *testing.T) {
	h := newHarness(t, func(o *Opts) {
		o.Memory = &testEnv{resolveErr: errors.New("unmapped")}
	})
	var wg sync.WaitGroup
	for _, c := range h.kernel.CPUs() {
		wg.Add(1)
		go func(c *ring0.CPU) {
			defer wg.Done()
			tf := userFrame(ring0.FaultLoad.Cause())
			h.d.Entry(c, tf)
		}(c)
	}
	wg.Wait()
	if got := len(h.env.terminations); got != 2 {
		t.Errorf("got %d terminations, want 2", got)
	}
	for _, w := range h.log.Warnings() {
		if strings.Count(w, "TRAP frame at") > 1 {
			t.Errorf("interleaved report:\n%s", w)
		}
	}
}

func TestDumpInstruction(t *testing.T) {
	h := newHarness(t, nil)
	h.env.insns = map[hostarch.Addr]uint32{userPC: 0xdeadbeef}
	c := h.cpu(0)

	var b strings.Builder
	tf := userFrame(ring0.IllegalInstruction.Cause())
	if err := h.d.Dump(&b, c, &tf); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	if !strings.Contains(b.String(), "insn       deadbeef") {
		t.Errorf("dump does not show the instruction:\n%s", b.String())
	}

	b.Reset()
	tf.EPC += 0x100
	h.d.Dump(&b, c, &tf)
	if !strings.Contains(b.String(), "insn       ffffffff") {
		t.Errorf("dump of an unreadable instruction:\n%s", b.String())
	}
}

func TestInspectCore(t *testing.T) {
	h := newHarness(t, nil)
	c := h.cpu(1)
	tf := userFrame(ring0.FaultStore.Cause())
	h.d.HandleTrap(c, &tf)

	st := h.d.InspectCore(1)
	if !st.HasCurrent || st.Current.Cause != ring0.FaultStore.Cause() {
		t.Errorf("InspectCore(1) = %+v, want the store fault installed", st)
	}
	if h.d.InspectCore(0).HasCurrent {
		t.Errorf("core 0 has a current trapframe")
	}

	// Inspection still works with the escalation lock held by a halt.
	kf := kernelFrame(ring0.MisalignedLoad.Cause())
	expectHalt(t, func() { h.d.HandleTrap(h.cpu(0), &kf) })
	if !h.d.InspectCore(1).HasCurrent {
		t.Errorf("InspectCore after halt lost core 1's frame")
	}
}

func TestTrapCountMetric(t *testing.T) {
	h := newHarness(t, nil)
	before := trapCount.Value("breakpoint")
	for i := 0; i < 3; i++ {
		tf := userFrame(ring0.Breakpoint.Cause())
		h.d.HandleTrap(h.cpu(0), &tf)
	}
	if got := trapCount.Value("breakpoint") - before; got != 3 {
		t.Errorf("breakpoint count increased by %d, want 3", got)
	}
}

func TestSignalFor(t *testing.T) {
	for cause, want := range map[ring0.Cause]unix.Signal{
		ring0.FaultFetch.Cause():            unix.SIGSEGV,
		ring0.FaultStore.Cause():            unix.SIGSEGV,
		ring0.MisalignedLoad.Cause():        unix.SIGBUS,
		ring0.PrivilegedInstruction.Cause(): unix.SIGILL,
		ring0.Syscall.Cause():               unix.SIGKILL,
		ring0.InterruptTimer.Cause():        unix.SIGKILL,
	} {
		if got := signalFor(cause); got != want {
			t.Errorf("signalFor(%v) = %v, want %v", cause, got, want)
		}
	}
}

func TestEscalationAfterKernelHalt(t *testing.T) {
	h := newHarness(t, nil)
	kf := kernelFrame(ring0.MisalignedStore.Cause())
	first := expectHalt(t, func() { h.d.HandleTrap(h.cpu(0), &kf) })

	// Core 1 was already past the halt check when core 0 halted.
	uf := userFrame(ring0.MisalignedLoad.Cause())
	got := expectHalt(t, func() { h.d.unhandledTrap(h.cpu(1), &uf, "Misaligned Load") })
	if got != first {
		t.Errorf("waiting core stopped with %v, want %v", got, first)
	}
	if len(h.env.terminations) != 0 {
		t.Errorf("got terminations %v after halt, want none", h.env.terminations)
	}
}
