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

package ring0

import (
	"errors"
	"sync"
)

// ErrFrameInstalled is returned when a frame is installed into an occupied
// CurrentFrame.
var ErrFrameInstalled = errors.New("current trapframe already installed")

// CurrentFrame holds the one frame that explains why the user context of a
// core is not running. It is installed at most once between two resumptions
// and consumed exactly once by the scheduler's restart path.
//
// Only the owning core installs, updates and takes the frame. mu exists so
// that diagnostic snapshots taken from other cores observe a consistent frame.
type CurrentFrame struct {
	mu    sync.Mutex
	frame TrapFrame
	set   bool
}

// Install copies tf into the slot. It never overwrites an installed frame.
func (s *CurrentFrame) Install(tf *TrapFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return ErrFrameInstalled
	}
	s.frame = *tf
	s.set = true
	return nil
}

// Take removes and returns the installed frame.
func (s *CurrentFrame) Take() (TrapFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return TrapFrame{}, false
	}
	tf := s.frame
	s.frame = TrapFrame{}
	s.set = false
	return tf, true
}

// Peek returns a copy of the installed frame without consuming it.
func (s *CurrentFrame) Peek() (TrapFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.set
}

// Installed returns true if a frame is installed.
func (s *CurrentFrame) Installed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Update calls fn with the installed frame, which fn may modify. It returns
// false, without calling fn, if no frame is installed.
func (s *CurrentFrame) Update(fn func(tf *TrapFrame)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return false
	}
	fn(&s.frame)
	return true
}
