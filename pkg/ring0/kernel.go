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

// Package ring0 holds the per-core state the trap path runs on: the saved
// register frame, the cause encoding, and the arena of per-core records.
package ring0

import (
	"errors"
	"fmt"

	"ktrap.dev/ktrap/pkg/hostarch"
)

// MaxCPUs is the largest number of cores a Kernel supports.
const MaxCPUs = 64

// ErrInvalidCore is returned for core numbers outside the brought up range.
var ErrInvalidCore = errors.New("invalid core")

// KernelOpts are the options for New.
type KernelOpts struct {
	// NumCPUs is the number of cores. It must be in [1, MaxCPUs].
	NumCPUs int

	// StackTops are the initial stack tops, indexed by core. Missing
	// entries are left zero for the entry glue to set later.
	StackTops []hostarch.Addr
}

// Kernel is the arena of per-core records. It is allocated once, at
// bring-up, and lives as long as the machine.
type Kernel struct {
	cpus []CPU
}

// New brings up the per-core records.
func New(opts KernelOpts) (*Kernel, error) {
	if opts.NumCPUs < 1 || opts.NumCPUs > MaxCPUs {
		return nil, fmt.Errorf("number of cores %d out of range [1, %d]", opts.NumCPUs, MaxCPUs)
	}
	if len(opts.StackTops) > opts.NumCPUs {
		return nil, fmt.Errorf("%d stack tops given for %d cores", len(opts.StackTops), opts.NumCPUs)
	}
	k := &Kernel{cpus: make([]CPU, opts.NumCPUs)}
	for i := range k.cpus {
		k.cpus[i].id = CoreID(i)
	}
	for i, top := range opts.StackTops {
		k.cpus[i].SetStackTop(top)
	}
	return k, nil
}

// NumCPUs returns the number of cores.
func (k *Kernel) NumCPUs() int {
	return len(k.cpus)
}

// CoreID validates n and returns it as a CoreID.
func (k *Kernel) CoreID(n int) (CoreID, error) {
	if n < 0 || n >= len(k.cpus) {
		return 0, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidCore, n, len(k.cpus))
	}
	return CoreID(n), nil
}

// CPU returns the record of the given core. The handle must only be used by
// that core; see CPU.
func (k *Kernel) CPU(id CoreID) *CPU {
	if int(id) >= len(k.cpus) {
		panic(fmt.Sprintf("core %d not brought up (have %d)", id, len(k.cpus)))
	}
	return &k.cpus[id]
}

// CPUs returns the record of every core, in core order.
func (k *Kernel) CPUs() []*CPU {
	cs := make([]*CPU, len(k.cpus))
	for i := range k.cpus {
		cs[i] = &k.cpus[i]
	}
	return cs
}
