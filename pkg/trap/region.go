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
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/ring0"
)

var (
	// ErrRegionOverlap is returned when a region overlaps a registered one.
	ErrRegionOverlap = errors.New("region overlaps a registered region")

	// ErrInvalidRegion is returned for an empty region or one without a
	// resume point.
	ErrInvalidRegion = errors.New("invalid region")
)

// ResumePoint computes where an interrupted region resumes.
type ResumePoint func(tf *ring0.TrapFrame) uint64

// ReturnToCaller resumes at the region's caller, as if the region returned.
func ReturnToCaller() ResumePoint {
	return func(tf *ring0.TrapFrame) uint64 {
		return tf.ReturnAddress()
	}
}

// ResumeAt resumes at a fixed address.
func ResumeAt(addr hostarch.Addr) ResumePoint {
	return func(*ring0.TrapFrame) uint64 {
		return uint64(addr)
	}
}

// Region is a range of kernel code that must not resume where it was
// interrupted, such as the idle loop.
type Region struct {
	Name   string
	Range  hostarch.AddrRange
	Resume ResumePoint
}

// RegionSet holds non-overlapping regions ordered by start address.
type RegionSet struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Region]
}

// NewRegionSet returns an empty RegionSet.
func NewRegionSet() *RegionSet {
	return &RegionSet{
		tree: btree.NewG(8, func(a, b *Region) bool {
			return a.Range.Start < b.Range.Start
		}),
	}
}

// Register adds r to the set.
func (s *RegionSet) Register(r Region) error {
	if r.Range.Length() == 0 || !r.Range.WellFormed() || r.Resume == nil {
		return fmt.Errorf("%w: %q %v", ErrInvalidRegion, r.Name, r.Range)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var conflict *Region
	pivot := &Region{Range: hostarch.AddrRange{Start: r.Range.Start}}
	s.tree.DescendLessOrEqual(pivot, func(prev *Region) bool {
		if prev.Range.Overlaps(r.Range) {
			conflict = prev
		}
		return false
	})
	s.tree.AscendGreaterOrEqual(pivot, func(next *Region) bool {
		if next.Range.Overlaps(r.Range) {
			conflict = next
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%w: %q %v overlaps %q %v", ErrRegionOverlap, r.Name, r.Range, conflict.Name, conflict.Range)
	}
	s.tree.ReplaceOrInsert(&r)
	return nil
}

// Lookup returns the region containing pc.
func (s *RegionSet) Lookup(pc hostarch.Addr) (*Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Region
	s.tree.DescendLessOrEqual(&Region{Range: hostarch.AddrRange{Start: pc}}, func(r *Region) bool {
		if r.Range.Contains(pc) {
			found = r
		}
		return false
	})
	return found, found != nil
}

// Exit moves tf out of the region containing its program counter, if any.
func (s *RegionSet) Exit(tf *ring0.TrapFrame) (*Region, bool) {
	r, ok := s.Lookup(tf.PC())
	if !ok {
		return nil, false
	}
	tf.EPC = r.Resume(tf)
	return r, true
}

// Len returns the number of registered regions.
func (s *RegionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
