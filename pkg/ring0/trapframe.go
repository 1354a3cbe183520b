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

import "ktrap.dev/ktrap/pkg/hostarch"

// TrapFrame is the processor state saved by the entry glue when a trap is
// taken. It is passed by value down the trap path, so a nested trap never
// clobbers the frame of the trap it interrupted.
type TrapFrame struct {
	// GPR is the general purpose register file. GPR[RegZero] reads as zero
	// in hardware, but the entry glue may save junk in it.
	GPR [NumGPRs]uint64

	// SR is the status register at the time of the trap.
	SR uint64

	// EPC is the address of the trapping instruction.
	EPC uint64

	// BadVAddr is the faulting address. Only valid for load and store
	// faults and misaligned accesses.
	BadVAddr uint64

	// Cause is the raw cause register.
	Cause Cause
}

// InKernel returns true if the trap was taken while the kernel was running.
func (tf *TrapFrame) InKernel() bool {
	return tf.SR&StatusPS != 0
}

// AdvancePC moves the program counter past the trapping instruction.
func (tf *TrapFrame) AdvancePC() {
	tf.EPC += InstructionWidth
}

// PC returns the program counter as an address.
func (tf *TrapFrame) PC() hostarch.Addr {
	return hostarch.Addr(tf.EPC)
}

// FaultAddr returns the address a memory fault refers to. For instruction
// fetch faults this is the program counter.
func (tf *TrapFrame) FaultAddr() hostarch.Addr {
	if e, ok := tf.Cause.Exception(); ok && (e == FaultFetch || e == MisalignedFetch) {
		return hostarch.Addr(tf.EPC)
	}
	return hostarch.Addr(tf.BadVAddr)
}

// ReturnAddress returns the link register.
func (tf *TrapFrame) ReturnAddress() uint64 {
	return tf.GPR[RegRA]
}

// SyscallArgs returns the two syscall argument registers.
func (tf *TrapFrame) SyscallArgs() (a0, a1 uint64) {
	return tf.GPR[RegA0], tf.GPR[RegA1]
}

// Normalized returns a copy of tf with the hardwired zero register cleared.
func (tf *TrapFrame) Normalized() TrapFrame {
	n := *tf
	n.GPR[RegZero] = 0
	return n
}
