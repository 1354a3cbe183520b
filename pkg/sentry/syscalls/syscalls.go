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

// Package syscalls accepts batches of system calls from user processes.
package syscalls

import (
	"sync"

	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/trap"
)

// Batch is a run of syscall descriptors in user memory.
type Batch struct {
	PID   int32
	Args  hostarch.Addr
	Count int
}

// Queue holds prepared syscall batches until a core services them.
type Queue struct {
	// MaxBatch bounds Count. Larger or non-positive batches are rejected.
	MaxBatch int

	mu       sync.Mutex
	batches  []Batch
	rejected int
}

var _ trap.SyscallPreparer = (*Queue)(nil)

// NewQueue returns an empty Queue.
func NewQueue(maxBatch int) *Queue {
	return &Queue{MaxBatch: maxBatch}
}

// Prepare implements trap.SyscallPreparer.Prepare.
func (q *Queue) Prepare(p trap.Process, args hostarch.Addr, count int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if count <= 0 || (q.MaxBatch > 0 && count > q.MaxBatch) {
		q.rejected++
		log.Warningf("pid %d: rejecting batch of %d syscalls at %v", p.PID(), count, args)
		return
	}
	q.batches = append(q.batches, Batch{PID: p.PID(), Args: args, Count: count})
}

// Drain removes and returns the queued batches.
func (q *Queue) Drain() []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.batches
	q.batches = nil
	return b
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// Rejected returns the number of rejected batches.
func (q *Queue) Rejected() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rejected
}
