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

// Package console implements the kernel console.
package console

import (
	"io"
	"sync"

	"ktrap.dev/ktrap/pkg/trap"
)

// Console serializes output to a writer and buffers keyboard input.
type Console struct {
	mu sync.Mutex

	out io.Writer

	// incoming holds bytes typed but not yet polled.
	incoming []byte

	// line holds polled input.
	line []byte

	polls uint64
}

var _ trap.Console = (*Console)(nil)

// New returns a Console writing to out.
func New(out io.Writer) *Console {
	return &Console{out: out}
}

// Write implements io.Writer.Write. Each call reaches out in one piece.
func (c *Console) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(b)
}

// Type simulates keyboard input.
func (c *Console) Type(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incoming = append(c.incoming, b...)
}

// PollInput implements trap.Console.PollInput.
func (c *Console) PollInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	c.line = append(c.line, c.incoming...)
	c.incoming = c.incoming[:0]
}

// ReadInput returns and clears the polled input.
func (c *Console) ReadInput() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.line
	c.line = nil
	return b
}

// Polls returns how many times input was polled.
func (c *Console) Polls() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}
