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
	"testing"

	"ktrap.dev/ktrap/pkg/hostarch"
	"ktrap.dev/ktrap/pkg/ring0"
)

func TestRegionRegister(t *testing.T) {
	s := NewRegionSet()
	resume := ResumeAt(0x9000)
	for _, r := range []Region{
		{Name: "idle", Range: hostarch.AddrRange{Start: 0x1000, End: 0x1100}, Resume: resume},
		{Name: "halt", Range: hostarch.AddrRange{Start: 0x2000, End: 0x2040}, Resume: resume},
		{Name: "adjacent", Range: hostarch.AddrRange{Start: 0x1100, End: 0x1200}, Resume: resume},
	} {
		if err := s.Register(r); err != nil {
			t.Fatalf("Register(%q) failed: %v", r.Name, err)
		}
	}

	for _, tc := range []struct {
		name string
		r    Region
		want error
	}{
		{"overlaps start", Region{Name: "a", Range: hostarch.AddrRange{Start: 0x0f00, End: 0x1001}, Resume: resume}, ErrRegionOverlap},
		{"overlaps end", Region{Name: "b", Range: hostarch.AddrRange{Start: 0x11ff, End: 0x1300}, Resume: resume}, ErrRegionOverlap},
		{"inside", Region{Name: "c", Range: hostarch.AddrRange{Start: 0x2010, End: 0x2020}, Resume: resume}, ErrRegionOverlap},
		{"covers", Region{Name: "d", Range: hostarch.AddrRange{Start: 0x1f00, End: 0x3000}, Resume: resume}, ErrRegionOverlap},
		{"empty", Region{Name: "e", Range: hostarch.AddrRange{Start: 0x5000, End: 0x5000}, Resume: resume}, ErrInvalidRegion},
		{"inverted", Region{Name: "f", Range: hostarch.AddrRange{Start: 0x6000, End: 0x5000}, Resume: resume}, ErrInvalidRegion},
		{"no resume point", Region{Name: "g", Range: hostarch.AddrRange{Start: 0x7000, End: 0x7010}}, ErrInvalidRegion},
	} {
		if err := s.Register(tc.r); !errors.Is(err, tc.want) {
			t.Errorf("%s: Register got err %v, want %v", tc.name, err, tc.want)
		}
	}
	if got := s.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestRegionLookup(t *testing.T) {
	s := NewRegionSet()
	if err := s.Register(Region{Name: "idle", Range: hostarch.AddrRange{Start: 0x1000, End: 0x1100}, Resume: ReturnToCaller()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for _, tc := range []struct {
		pc   hostarch.Addr
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x10fc, true},
		{0x1100, false},
		{0x0, false},
	} {
		r, ok := s.Lookup(tc.pc)
		if ok != tc.want {
			t.Errorf("Lookup(%v) = %v, %t, want found %t", tc.pc, r, ok, tc.want)
		}
	}
}

func TestRegionExit(t *testing.T) {
	s := NewRegionSet()
	if err := s.Register(Region{Name: "fixed", Range: hostarch.AddrRange{Start: 0x1000, End: 0x1100}, Resume: ResumeAt(0x4000)}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Register(Region{Name: "caller", Range: hostarch.AddrRange{Start: 0x2000, End: 0x2100}, Resume: ReturnToCaller()}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	tf := ring0.TrapFrame{EPC: 0x1010}
	if r, ok := s.Exit(&tf); !ok || r.Name != "fixed" || tf.EPC != 0x4000 {
		t.Errorf("Exit from fixed region: region %v, ok %t, pc %#x", r, ok, tf.EPC)
	}

	tf = ring0.TrapFrame{EPC: 0x2080}
	tf.GPR[ring0.RegRA] = 0x3333
	if r, ok := s.Exit(&tf); !ok || r.Name != "caller" || tf.EPC != 0x3333 {
		t.Errorf("Exit from caller region: region %v, ok %t, pc %#x", r, ok, tf.EPC)
	}

	tf = ring0.TrapFrame{EPC: 0x3000}
	if _, ok := s.Exit(&tf); ok || tf.EPC != 0x3000 {
		t.Errorf("Exit outside any region moved pc to %#x", tf.EPC)
	}
}
