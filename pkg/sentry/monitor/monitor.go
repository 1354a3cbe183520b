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

// Package monitor implements the kernel debug monitor entered on
// breakpoints.
package monitor

import (
	"fmt"
	"io"
	"sync"

	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/trap"
)

// Entry is one visit to the monitor.
type Entry struct {
	Core     ring0.CoreID
	PC       uint64
	InKernel bool
}

// Monitor records breakpoints and announces them on its writer.
type Monitor struct {
	out io.Writer

	mu      sync.Mutex
	entries []Entry
}

var _ trap.Monitor = (*Monitor)(nil)

// New returns a Monitor that writes to out.
func New(out io.Writer) *Monitor {
	return &Monitor{out: out}
}

// Enter implements trap.Monitor.Enter. tf.EPC already points past the
// breakpoint.
func (m *Monitor) Enter(core ring0.CoreID, tf *ring0.TrapFrame) {
	e := Entry{Core: core, PC: tf.EPC, InKernel: tf.InKernel()}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()

	log.Infof("Entering monitor on core %d", core)
	fmt.Fprintf(m.out, "Stopped at breakpoint on core %d, continuing at %#x\n", core, e.PC)
}

// Entries returns every visit, in order.
func (m *Monitor) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
