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

// Package kernel provides a simulated process scheduler.
package kernel

import (
	"sort"
	"sync"

	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/trap"
)

// Scheduler runs processes on cores. Processes wait in a FIFO run queue and
// run on at most one core at a time.
type Scheduler struct {
	// mu protects the fields below.
	mu sync.Mutex

	nextPID int32
	procs   map[int32]*Process
	runq    []*Process

	// current is the process running on each core, or nil.
	current []*Process

	// preempt is set on a core whose current process should yield at its
	// next restart.
	preempt []bool
}

var _ trap.Scheduler = (*Scheduler)(nil)

// NewScheduler returns a scheduler for numCPUs cores.
func NewScheduler(numCPUs int) *Scheduler {
	return &Scheduler{
		nextPID: 1,
		procs:   make(map[int32]*Process),
		current: make([]*Process, numCPUs),
		preempt: make([]bool, numCPUs),
	}
}

// NewProcess creates a runnable process that starts from entry.
func (s *Scheduler) NewProcess(name string, entry ring0.TrapFrame) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Process{pid: s.nextPID, name: name, state: Runnable, ctx: entry}
	s.nextPID++
	s.procs[p.pid] = p
	s.runq = append(s.runq, p)
	return p
}

// Process returns the process with the given pid.
func (s *Scheduler) Process(pid int32) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[pid]
	return p, ok
}

// Processes returns every process, dead or alive, by pid.
func (s *Scheduler) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].pid < ps[j].pid })
	return ps
}

// Schedule gives an idle core the next runnable process. It returns nil if
// the core is busy or nothing is runnable.
func (s *Scheduler) Schedule(core ring0.CoreID) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current[core] != nil {
		return nil
	}
	return s.runNextLocked(core)
}

// runNextLocked makes the head of the run queue current on core.
//
// Preconditions: s.mu must be locked.
func (s *Scheduler) runNextLocked(core ring0.CoreID) *Process {
	for len(s.runq) > 0 {
		p := s.runq[0]
		s.runq = s.runq[1:]
		p.mu.Lock()
		if p.state == Dead {
			p.mu.Unlock()
			continue
		}
		p.state = Running
		p.switches++
		p.mu.Unlock()
		s.current[core] = p
		log.Debugf("Core %d: running %v", core, p)
		return p
	}
	s.current[core] = nil
	return nil
}

// Current implements trap.Scheduler.Current.
func (s *Scheduler) Current(core ring0.CoreID) trap.Process {
	if p := s.CurrentProcess(core); p != nil {
		return p
	}
	return nil
}

// CurrentProcess returns the process running on core, or nil.
func (s *Scheduler) CurrentProcess(core ring0.CoreID) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[core]
}

// Terminate implements trap.Scheduler.Terminate. The process stays current
// on its core until the core restarts.
func (s *Scheduler) Terminate(tp trap.Process, sig unix.Signal) {
	s.mu.Lock()
	p, ok := s.procs[tp.PID()]
	s.mu.Unlock()
	if !ok {
		log.Warningf("Terminating unknown pid %d", tp.PID())
		return
	}
	p.mu.Lock()
	p.state = Dead
	p.signal = sig
	p.mu.Unlock()
	log.Infof("Terminated %v: %v", p, unix.SignalName(sig))
}

// RequestPreempt asks the process current on core to yield at the core's
// next restart.
func (s *Scheduler) RequestPreempt(core ring0.CoreID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preempt[core] = true
}

// SaveContext records tf as the user context of the process current on
// core, for traps that resume the process directly.
func (s *Scheduler) SaveContext(core ring0.CoreID, tf ring0.TrapFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.current[core]; p != nil {
		p.mu.Lock()
		p.ctx = tf
		p.mu.Unlock()
	}
}

// RestartCore implements trap.Scheduler.RestartCore. The core's current
// trapframe is saved into the process it belongs to. That process resumes
// unless it died or was preempted, in which case the core runs the next
// runnable process, or idles.
func (s *Scheduler) RestartCore(c *ring0.CPU) {
	tf, hasFrame := c.TakeCurrentFrame()
	core := c.ID()

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.current[core]
	preempt := s.preempt[core]
	s.preempt[core] = false

	if p != nil {
		p.mu.Lock()
		if hasFrame {
			p.ctx = tf
		}
		alive := p.state != Dead
		switch {
		case !alive:
			s.current[core] = nil
		case preempt && len(s.runq) > 0:
			p.state = Runnable
			s.runq = append(s.runq, p)
			s.current[core] = nil
		default:
			if !hasFrame {
				log.Warningf("Core %d: restarting %v without a current trapframe", core, p)
			}
			p.switches++
		}
		p.mu.Unlock()
	}
	if s.current[core] == nil {
		s.runNextLocked(core)
	}
	if s.current[core] != nil {
		c.EnableInterrupts()
	}
}
