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

// Package mm provides the memory managers of simulated processes.
package mm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/trap"
)

// Manager holds the address space of every process and resolves their
// faults.
type Manager struct {
	mu     sync.RWMutex
	spaces map[int32]*AddressSpace
}

var _ trap.MemoryManager = (*Manager)(nil)
var _ trap.InstructionReader = (*Manager)(nil)

// NewManager returns a Manager without address spaces.
func NewManager() *Manager {
	return &Manager{spaces: make(map[int32]*AddressSpace)}
}

// NewAddressSpace creates the address space of pid.
func (m *Manager) NewAddressSpace(pid int32) (*AddressSpace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[pid]; ok {
		return nil, fmt.Errorf("address space of pid %d: %w", pid, unix.EEXIST)
	}
	as := NewAddressSpace()
	m.spaces[pid] = as
	return as, nil
}

// AddressSpace returns the address space of pid.
func (m *Manager) AddressSpace(pid int32) (*AddressSpace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	as, ok := m.spaces[pid]
	return as, ok
}

// ResolveFault implements trap.MemoryManager.ResolveFault.
func (m *Manager) ResolveFault(p trap.Process, addr hostarch.Addr, at hostarch.AccessType) error {
	as, ok := m.AddressSpace(p.PID())
	if !ok {
		return fmt.Errorf("pid %d has no address space: %w", p.PID(), unix.EFAULT)
	}
	return as.HandleFault(addr, at)
}

// ReadInstruction implements trap.InstructionReader.ReadInstruction.
func (m *Manager) ReadInstruction(p trap.Process, pc hostarch.Addr) (uint32, bool) {
	as, ok := m.AddressSpace(p.PID())
	if !ok {
		return 0, false
	}
	return as.Instruction(pc)
}
