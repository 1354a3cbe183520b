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
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Status register bits.
const (
	StatusS   = 0x00000001 // Supervisor mode.
	StatusPS  = 0x00000002 // Previous mode was supervisor.
	StatusEI  = 0x00000004 // Interrupts enabled.
	StatusPEI = 0x00000008 // Previous interrupt enable.
	StatusEF  = 0x00000010 // Floating point unit enabled.
	StatusU64 = 0x00000020 // RV64 user mode.
	StatusS64 = 0x00000040 // RV64 supervisor mode.
	StatusVM  = 0x00000080 // Virtual memory on.
	StatusEA  = 0x00000100 // Accelerator enabled.
	StatusIM  = 0x00ff0000 // Interrupt mask.
)

// InstructionWidth is the size of every instruction, in bytes.
const InstructionWidth = 4

// NumGPRs is the size of the general purpose register file.
const NumGPRs = 32

// Register indices with a fixed role.
const (
	RegZero = 0
	RegRA   = 1
	RegA0   = 4
	RegA1   = 5
	RegSP   = 30
)

// Exception is a synchronous cause code.
type Exception uint8

// Synchronous cause codes.
const (
	MisalignedFetch       Exception = 0
	FaultFetch            Exception = 1
	IllegalInstruction    Exception = 2
	PrivilegedInstruction Exception = 3
	FPDisabled            Exception = 4
	Syscall               Exception = 6
	Breakpoint            Exception = 7
	MisalignedLoad        Exception = 8
	MisalignedStore       Exception = 9
	FaultLoad             Exception = 10
	FaultStore            Exception = 11
	AcceleratorDisabled   Exception = 12

	// NumExceptions is the size of the synchronous cause space.
	NumExceptions = 13
)

var exceptionNames = [NumExceptions]string{
	MisalignedFetch:       "Misaligned Fetch",
	FaultFetch:            "Instruction Page Fault",
	IllegalInstruction:    "Illegal Instruction",
	PrivilegedInstruction: "Privileged Instruction",
	FPDisabled:            "FP Disabled",
	Syscall:               "Syscall",
	Breakpoint:            "Breakpoint",
	MisalignedLoad:        "Misaligned Load",
	MisalignedStore:       "Misaligned Store",
	FaultLoad:             "Load Page Fault",
	FaultStore:            "Store Page Fault",
	AcceleratorDisabled:   "Accelerator Disabled",
}

// Known returns true if the exception is a cause the hardware defines.
func (e Exception) Known() bool {
	return int(e) < NumExceptions && exceptionNames[e] != ""
}

// String implements fmt.Stringer.String.
func (e Exception) String() string {
	if e.Known() {
		return exceptionNames[e]
	}
	return fmt.Sprintf("exception %d", uint8(e))
}

// Cause returns the raw cause register value for e.
func (e Exception) Cause() Cause {
	return Cause(e)
}

// Exceptions returns every known exception, in code order.
func Exceptions() []Exception {
	var es []Exception
	for e := Exception(0); e < NumExceptions; e++ {
		if e.Known() {
			es = append(es, e)
		}
	}
	return es
}

// Interrupt is an asynchronous interrupt number.
type Interrupt uint8

// Interrupt numbers.
const (
	InterruptIPI   Interrupt = 5
	InterruptHost  Interrupt = 6
	InterruptTimer Interrupt = 7

	// NumInterrupts is the size of the interrupt number space.
	NumInterrupts = 8
)

var interruptNames = [NumInterrupts]string{
	InterruptIPI:   "IPI",
	InterruptHost:  "Host",
	InterruptTimer: "Timer",
}

// Known returns true if the interrupt is one the hardware defines.
func (i Interrupt) Known() bool {
	return int(i) < NumInterrupts && interruptNames[i] != ""
}

// String implements fmt.Stringer.String.
func (i Interrupt) String() string {
	if i.Known() {
		return interruptNames[i]
	}
	return fmt.Sprintf("interrupt %d", uint8(i))
}

// Cause returns the raw cause register value for i.
func (i Interrupt) Cause() Cause {
	return Cause(math.MinInt64 | int64(i))
}

// Interrupts returns every known interrupt, in number order.
func Interrupts() []Interrupt {
	var is []Interrupt
	for i := Interrupt(0); i < NumInterrupts; i++ {
		if i.Known() {
			is = append(is, i)
		}
	}
	return is
}

// Cause is the raw cause register. Interrupts carry the sign bit.
type Cause int64

// IsInterrupt returns true if the cause is asynchronous.
func (c Cause) IsInterrupt() bool {
	return c < 0
}

// Exception returns the synchronous cause code. ok is false if c is an
// interrupt or lies outside the exception code space.
func (c Cause) Exception() (e Exception, ok bool) {
	if c < 0 || c >= NumExceptions {
		return 0, false
	}
	return Exception(c), true
}

// Interrupt returns the interrupt number carried in the low byte. ok is false
// if c is not an interrupt or the number lies outside the interrupt space.
func (c Cause) Interrupt() (i Interrupt, ok bool) {
	if c >= 0 {
		return 0, false
	}
	irq := uint8(c)
	if irq >= NumInterrupts {
		return Interrupt(irq), false
	}
	return Interrupt(irq), true
}

// String implements fmt.Stringer.String.
func (c Cause) String() string {
	if c.IsInterrupt() {
		return Interrupt(uint8(c)).String()
	}
	if e, ok := c.Exception(); ok {
		return e.String()
	}
	return fmt.Sprintf("cause %#x", uint64(c))
}

// CauseName returns the short name of a known cause, as used in
// configuration files and metrics: the lower-case name with spaces
// replaced by underscores.
func CauseName(c Cause) string {
	return strings.ToLower(strings.ReplaceAll(c.String(), " ", "_"))
}

// ParseCause parses a cause given by short name, such as
// "store_page_fault" or "timer", or as a raw register value.
func ParseCause(s string) (Cause, error) {
	for _, e := range Exceptions() {
		if CauseName(e.Cause()) == s {
			return e.Cause(), nil
		}
	}
	for _, i := range Interrupts() {
		if CauseName(i.Cause()) == s {
			return i.Cause(), nil
		}
	}
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return Cause(v), nil
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return Cause(v), nil
	}
	return 0, fmt.Errorf("unknown cause %q", s)
}
