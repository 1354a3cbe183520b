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

package kernel

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/ring0"
)

// ProcessState is the scheduling state of a process.
type ProcessState int

// Process states.
const (
	// Runnable processes wait in the run queue.
	Runnable ProcessState = iota

	// Running processes are current on a core.
	Running

	// Dead processes have been terminated and never run again.
	Dead
)

func (s ProcessState) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// Process is a simulated user process.
type Process struct {
	pid  int32
	name string

	// mu protects the fields below.
	mu sync.Mutex

	state ProcessState

	// ctx is the saved user context the process resumes from.
	ctx ring0.TrapFrame

	// signal is the reason the process died.
	signal unix.Signal

	// fpDirty is set once the process has used floating point state.
	fpDirty bool

	// switches counts resumptions.
	switches uint64
}

// PID implements trap.Process.PID.
func (p *Process) PID() int32 {
	return p.pid
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// State returns the scheduling state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Context returns the saved user context.
func (p *Process) Context() ring0.TrapFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

// ExitSignal returns the signal the process was terminated with.
func (p *Process) ExitSignal() (unix.Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal, p.state == Dead
}

// SetFPDirty records floating point use.
func (p *Process) SetFPDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fpDirty = true
}

// FPDirty returns true if the process has used floating point state.
func (p *Process) FPDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fpDirty
}

// Switches returns how many times the process was resumed.
func (p *Process) Switches() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.switches
}

func (p *Process) String() string {
	return fmt.Sprintf("%s[%d]", p.name, p.pid)
}
