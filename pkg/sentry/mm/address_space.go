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

package mm

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/hostarch"
)

// VMA is a virtual memory area: a page-aligned range with uniform
// permissions.
type VMA struct {
	Name  string
	Range hostarch.AddrRange
	Perms hostarch.AccessType
}

// AddressSpace is the memory of one process. Pages are mapped lazily, on the
// first fault a VMA permits.
type AddressSpace struct {
	// mu protects the fields below.
	mu sync.Mutex

	// vmas is ordered by start address. VMAs never overlap.
	vmas *btree.BTreeG[*VMA]

	// pages holds the mapped pages and the access they were faulted in
	// with.
	pages map[hostarch.Addr]hostarch.AccessType

	// text holds instruction words, by address.
	text map[hostarch.Addr]uint32

	// faults counts resolved faults.
	faults uint64
}

// NewAddressSpace returns an empty AddressSpace.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		vmas: btree.NewG(16, func(a, b *VMA) bool {
			return a.Range.Start < b.Range.Start
		}),
		pages: make(map[hostarch.Addr]hostarch.AccessType),
		text:  make(map[hostarch.Addr]uint32),
	}
}

// Map adds a VMA. The range must be page-aligned, non-empty and free.
func (as *AddressSpace) Map(v VMA) error {
	ar := v.Range
	if ar.Length() == 0 || !ar.WellFormed() || !ar.Start.IsPageAligned() || !ar.End.IsPageAligned() {
		return fmt.Errorf("mapping %q %v: %w", v.Name, ar, unix.EINVAL)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if prev, ok := as.findLocked(ar.Start, ar.End); ok {
		return fmt.Errorf("mapping %q %v overlaps %q %v: %w", v.Name, ar, prev.Name, prev.Range, unix.EEXIST)
	}
	as.vmas.ReplaceOrInsert(&v)
	return nil
}

// findLocked returns a VMA intersecting [start, end).
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) findLocked(start, end hostarch.Addr) (*VMA, bool) {
	ar := hostarch.AddrRange{Start: start, End: end}
	var found *VMA
	as.vmas.DescendLessOrEqual(&VMA{Range: hostarch.AddrRange{Start: start}}, func(v *VMA) bool {
		if v.Range.Overlaps(ar) {
			found = v
		}
		return false
	})
	if found != nil {
		return found, true
	}
	as.vmas.AscendGreaterOrEqual(&VMA{Range: hostarch.AddrRange{Start: start}}, func(v *VMA) bool {
		if v.Range.Overlaps(ar) {
			found = v
		}
		return false
	})
	return found, found != nil
}

// FindVMA returns the VMA containing addr.
func (as *AddressSpace) FindVMA(addr hostarch.Addr) (VMA, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	v, ok := as.findLocked(addr, addr+1)
	if !ok {
		return VMA{}, false
	}
	return *v, true
}

// HandleFault maps the page containing addr for access at. It fails with
// EFAULT if no VMA covers addr and with EACCES if the VMA does not permit
// at.
func (as *AddressSpace) HandleFault(addr hostarch.Addr, at hostarch.AccessType) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	v, ok := as.findLocked(addr, addr+1)
	if !ok {
		return fmt.Errorf("%v fault at %v: %w", at, addr, unix.EFAULT)
	}
	if !v.Perms.SupersetOf(at) {
		return fmt.Errorf("%v fault at %v in %q (%v): %w", at, addr, v.Name, v.Perms, unix.EACCES)
	}
	page := addr.RoundDown()
	as.pages[page] = as.pages[page].Union(at)
	as.faults++
	return nil
}

// Mapped returns the access a page has been faulted in with.
func (as *AddressSpace) Mapped(addr hostarch.Addr) (hostarch.AccessType, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	at, ok := as.pages[addr.RoundDown()]
	return at, ok
}

// Faults returns the number of resolved faults.
func (as *AddressSpace) Faults() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.faults
}

// SetInstruction stores an instruction word at addr.
func (as *AddressSpace) SetInstruction(addr hostarch.Addr, insn uint32) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.text[addr] = insn
}

// Instruction returns the instruction word at addr. Only executable memory
// holds instructions.
func (as *AddressSpace) Instruction(addr hostarch.Addr) (uint32, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	v, ok := as.findLocked(addr, addr+1)
	if !ok || !v.Perms.Execute {
		return 0, false
	}
	insn, ok := as.text[addr]
	return insn, ok
}
