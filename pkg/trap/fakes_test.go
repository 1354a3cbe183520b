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
	"fmt"
	"strings"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
)

type testProcess struct {
	pid int32
}

func (p *testProcess) PID() int32 { return p.pid }

type fault struct {
	PID    int32
	Addr   hostarch.Addr
	Access hostarch.AccessType
}

type termination struct {
	PID    int32
	Signal unix.Signal
}

type syscallBatch struct {
	PID   int32
	Args  hostarch.Addr
	Count int
}

// testEnv implements every collaborator and records what the dispatcher
// asked of it.
type testEnv struct {
	mu sync.Mutex

	proc       *testProcess
	resolveErr error
	emulateErr error
	insns      map[hostarch.Addr]uint32

	faults       []fault
	terminations []termination
	restarted    []ring0.TrapFrame
	syscalls     []syscallBatch
	monitor      []ring0.TrapFrame
	emulated     []ring0.TrapFrame
	delivered    int
	polled       int
	ticks        int
	console      bytes.Buffer

	// Hooks run inside the corresponding collaborator call.
	onTick    func(core ring0.CoreID, tf *ring0.TrapFrame)
	onDeliver func(core ring0.CoreID, tf *ring0.TrapFrame)
	onMonitor func(core ring0.CoreID, tf *ring0.TrapFrame)
}

func (e *testEnv) ResolveFault(p Process, addr hostarch.Addr, at hostarch.AccessType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = append(e.faults, fault{p.PID(), addr, at})
	return e.resolveErr
}

func (e *testEnv) ReadInstruction(p Process, pc hostarch.Addr) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	insn, ok := e.insns[pc]
	return insn, ok
}

func (e *testEnv) Current(core ring0.CoreID) Process {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc == nil {
		return nil
	}
	return e.proc
}

func (e *testEnv) Terminate(p Process, sig unix.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminations = append(e.terminations, termination{p.PID(), sig})
}

func (e *testEnv) RestartCore(c *ring0.CPU) {
	tf, ok := c.TakeCurrentFrame()
	if !ok {
		panic(fmt.Sprintf("core %d restarted without a current trapframe", c.ID()))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restarted = append(e.restarted, tf)
}

func (e *testEnv) Prepare(p Process, args hostarch.Addr, count int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syscalls = append(e.syscalls, syscallBatch{p.PID(), args, count})
}

func (e *testEnv) Enter(core ring0.CoreID, tf *ring0.TrapFrame) {
	e.mu.Lock()
	e.monitor = append(e.monitor, *tf)
	hook := e.onMonitor
	e.mu.Unlock()
	if hook != nil {
		hook(core, tf)
	}
}

func (e *testEnv) Emulate(p Process, tf *ring0.TrapFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emulated = append(e.emulated, *tf)
	return e.emulateErr
}

func (e *testEnv) DeliverPending(core ring0.CoreID, tf *ring0.TrapFrame, flags uint32) {
	e.mu.Lock()
	e.delivered++
	hook := e.onDeliver
	e.mu.Unlock()
	if hook != nil {
		hook(core, tf)
	}
}

func (e *testEnv) Write(b []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.console.Write(b)
}

func (e *testEnv) PollInput() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polled++
}

func (e *testEnv) OnTick(core ring0.CoreID, tf *ring0.TrapFrame) {
	e.mu.Lock()
	e.ticks++
	hook := e.onTick
	e.mu.Unlock()
	if hook != nil {
		hook(core, tf)
	}
}

func (e *testEnv) consoleString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.console.String()
}

// testLogger records messages.
type testLogger struct {
	mu       sync.Mutex
	warnings []string
	debug    []string
}

func (l *testLogger) Debugf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = append(l.debug, fmt.Sprintf(format, v...))
}

func (l *testLogger) Infof(format string, v ...any) {}

func (l *testLogger) Warningf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
}

func (l *testLogger) IsLogging(level log.Level) bool { return true }

func (l *testLogger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

func (l *testLogger) Debug() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.debug...)
}

// warned returns true if a warning contains all of the substrings.
func (l *testLogger) warned(subs ...string) bool {
outer:
	for _, w := range l.Warnings() {
		for _, s := range subs {
			if !strings.Contains(w, s) {
				continue outer
			}
		}
		return true
	}
	return false
}

type testHarness struct {
	d      *Dispatcher
	env    *testEnv
	log    *testLogger
	kernel *ring0.Kernel
}

func (h *testHarness) cpu(n int) *ring0.CPU {
	return h.kernel.CPU(ring0.CoreID(n))
}

func newHarness(t *testing.T, mod func(*Opts)) *testHarness {
	t.Helper()
	k, err := ring0.New(ring0.KernelOpts{NumCPUs: 2})
	if err != nil {
		t.Fatalf("ring0.New failed: %v", err)
	}
	env := &testEnv{proc: &testProcess{pid: 42}}
	l := &testLogger{}
	opts := Opts{
		Memory:       env,
		Scheduler:    env,
		Syscalls:     env,
		Monitor:      env,
		Messages:     env,
		Console:      env,
		Timer:        env,
		FPU:          env,
		Instructions: env,
		Regions:      NewRegionSet(),
		Logger:       l,
	}
	if mod != nil {
		mod(&opts)
	}
	d, err := New(k, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testHarness{d: d, env: env, log: l, kernel: k}
}

const (
	userPC     = 0x400100
	userBadVA  = 0x7fff0000
	kernelPC   = 0xffffffc000201000
	kernelBadV = 0xffffffc000900000
)

func userFrame(cause ring0.Cause) ring0.TrapFrame {
	tf := ring0.TrapFrame{
		SR:       ring0.StatusPEI | ring0.StatusU64,
		EPC:      userPC,
		BadVAddr: userBadVA,
		Cause:    cause,
	}
	for i := range tf.GPR {
		tf.GPR[i] = uint64(0x1000 + i)
	}
	return tf
}

func kernelFrame(cause ring0.Cause) ring0.TrapFrame {
	tf := userFrame(cause)
	tf.SR = ring0.StatusS | ring0.StatusPS | ring0.StatusS64
	tf.EPC = kernelPC
	tf.BadVAddr = kernelBadV
	return tf
}

// expectHalt runs fn and returns the halt it raised.
func expectHalt(t *testing.T, fn func()) (h *HaltError) {
	t.Helper()
	defer func() {
		r := recover()
		var ok bool
		if h, ok = r.(*HaltError); !ok {
			t.Fatalf("got panic %v, want *HaltError", r)
		}
	}()
	fn()
	return nil
}
