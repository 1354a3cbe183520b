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
	"fmt"

	"ktrap.dev/ktrap/pkg/ring0"
)

// disposition is what a handler asks of the orchestrator for a trap from
// user mode.
type disposition int

const (
	// restart hands the core to the scheduler.
	restart disposition = iota

	// popFrame resumes the user process from the handler's frame.
	popFrame
)

type trapHandler func(d *Dispatcher, c *ring0.CPU, tf *ring0.TrapFrame) disposition

var exceptionHandlers = [ring0.NumExceptions]trapHandler{
	ring0.MisalignedFetch:       (*Dispatcher).handleMisalignedFetch,
	ring0.FaultFetch:            (*Dispatcher).handleFaultFetch,
	ring0.IllegalInstruction:    (*Dispatcher).handleIllegalInstruction,
	ring0.PrivilegedInstruction: (*Dispatcher).handleIllegalInstruction,
	ring0.FPDisabled:            (*Dispatcher).handleFPDisabled,
	ring0.Syscall:               (*Dispatcher).handleSyscall,
	ring0.Breakpoint:            (*Dispatcher).handleBreakpoint,
	ring0.MisalignedLoad:        (*Dispatcher).handleMisalignedLoad,
	ring0.MisalignedStore:       (*Dispatcher).handleMisalignedStore,
	ring0.FaultLoad:             (*Dispatcher).handleFaultLoad,
	ring0.FaultStore:            (*Dispatcher).handleFaultStore,
}

var interruptHandlers = [ring0.NumInterrupts]trapHandler{
	ring0.InterruptIPI:   (*Dispatcher).handleIPI,
	ring0.InterruptTimer: (*Dispatcher).handleTimer,
}

// Causes that are known but have no handler. Taking one is an assertion
// failure.
var (
	unhandledExceptions = map[ring0.Exception]bool{ring0.AcceleratorDisabled: true}
	unhandledInterrupts = map[ring0.Interrupt]bool{ring0.InterruptHost: true}
)

func init() {
	for _, e := range ring0.Exceptions() {
		if (exceptionHandlers[e] == nil) != unhandledExceptions[e] {
			panic(fmt.Sprintf("inconsistent handler table for exception %v", e))
		}
	}
	for _, i := range ring0.Interrupts() {
		if (interruptHandlers[i] == nil) != unhandledInterrupts[i] {
			panic(fmt.Sprintf("inconsistent handler table for interrupt %v", i))
		}
	}
}

// TableEntry describes one cause of the dispatch tables.
type TableEntry struct {
	Cause     ring0.Cause
	Interrupt bool
	Handled   bool
}

// Table lists every known cause in the dispatch tables, exceptions first.
func Table() []TableEntry {
	var t []TableEntry
	for _, e := range ring0.Exceptions() {
		t = append(t, TableEntry{Cause: e.Cause(), Handled: exceptionHandlers[e] != nil})
	}
	for _, i := range ring0.Interrupts() {
		t = append(t, TableEntry{Cause: i.Cause(), Interrupt: true, Handled: interruptHandlers[i] != nil})
	}
	return t
}
