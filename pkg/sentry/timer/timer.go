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

// Package timer counts timer ticks and drives preemption.
package timer

import (
	"sync/atomic"

	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/trap"
)

// Preempter is asked to preempt the process current on a core.
type Preempter interface {
	RequestPreempt(core ring0.CoreID)
}

// Timer counts ticks per core. Every PreemptEvery ticks on a core, the
// process running there is preempted.
type Timer struct {
	sched        Preempter
	preemptEvery uint64
	ticks        []atomic.Uint64
}

var _ trap.Timer = (*Timer)(nil)

// New returns a Timer for numCPUs cores. A zero preemptEvery, or a nil
// sched, never preempts.
func New(numCPUs int, sched Preempter, preemptEvery uint64) *Timer {
	return &Timer{
		sched:        sched,
		preemptEvery: preemptEvery,
		ticks:        make([]atomic.Uint64, numCPUs),
	}
}

// OnTick implements trap.Timer.OnTick.
func (t *Timer) OnTick(core ring0.CoreID, tf *ring0.TrapFrame) {
	n := t.ticks[core].Add(1)
	if t.sched != nil && t.preemptEvery > 0 && n%t.preemptEvery == 0 {
		t.sched.RequestPreempt(core)
	}
}

// Ticks returns the ticks seen by core.
func (t *Timer) Ticks(core ring0.CoreID) uint64 {
	return t.ticks[core].Load()
}
