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

// Package kmsg delivers kernel messages between cores.
//
// A message is queued on its target core, which is then sent an IPI. The
// target runs its queue from the IPI handler.
package kmsg

import (
	"fmt"
	"sync"

	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/trap"
)

// Message is a routine run on the target core.
type Message struct {
	// Name identifies the message in logs.
	Name string

	// Source is the sending core.
	Source ring0.CoreID

	// Fn runs on the target core with the frame of the IPI.
	Fn func(core ring0.CoreID, tf *ring0.TrapFrame)
}

type queue struct {
	mu        sync.Mutex
	pending   []Message
	delivered uint64
}

// Router queues messages per core.
type Router struct {
	kernel *ring0.Kernel
	queues []queue
}

var _ trap.MessageDeliverer = (*Router)(nil)

// NewRouter returns a Router for the cores of k.
func NewRouter(k *ring0.Kernel) *Router {
	return &Router{kernel: k, queues: make([]queue, k.NumCPUs())}
}

// Send queues m on target and raises its IPI.
func (r *Router) Send(target ring0.CoreID, m Message) error {
	if int(target) >= len(r.queues) {
		return fmt.Errorf("sending %q: %w: %d", m.Name, ring0.ErrInvalidCore, target)
	}
	q := &r.queues[target]
	q.mu.Lock()
	q.pending = append(q.pending, m)
	q.mu.Unlock()
	r.kernel.CPU(target).Raise(ring0.InterruptIPI)
	return nil
}

// DeliverPending implements trap.MessageDeliverer.DeliverPending. Messages
// run in the order they were sent, outside the queue lock, so a message may
// send further messages.
func (r *Router) DeliverPending(core ring0.CoreID, tf *ring0.TrapFrame, flags uint32) {
	q := &r.queues[core]
	for {
		q.mu.Lock()
		msgs := q.pending
		q.pending = nil
		q.mu.Unlock()
		if len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			log.Debugf("Core %d: running message %q from core %d", core, m.Name, m.Source)
			if m.Fn != nil {
				m.Fn(core, tf)
			}
			q.mu.Lock()
			q.delivered++
			q.mu.Unlock()
		}
	}
}

// Pending returns the number of messages waiting on core.
func (r *Router) Pending(core ring0.CoreID) int {
	q := &r.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Delivered returns the number of messages run on core.
func (r *Router) Delivered(core ring0.CoreID) uint64 {
	q := &r.queues[core]
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivered
}
