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
	"bytes"
	"fmt"
	"io"
)

// InsnUnknown is printed in place of an instruction word that could not be
// read.
const InsnUnknown = 0xffffffff

var regNames = [NumGPRs]string{
	"z ", "ra", "v0", "v1", "a0", "a1", "a2", "a3",
	"a4", "a5", "a6", "a7", "t0", "t1", "t2", "t3",
	"t4", "t5", "t6", "t7", "s0", "s1", "s2", "s3",
	"s4", "s5", "s6", "s7", "s8", "fp", "sp", "tp",
}

// RegName returns the assembler name of register r.
func RegName(r int) string {
	return regNames[r]
}

// FormatTrapFrame renders tf, taken on the given core, four registers per
// line followed by the control registers and the faulting instruction word.
// tf itself is not modified.
//
// The whole dump is produced with a single Write, so dumps from different
// cores never interleave within a writer that serializes writes.
func FormatTrapFrame(w io.Writer, tf *TrapFrame, core CoreID, insn uint32) (int, error) {
	n := tf.Normalized()

	var b bytes.Buffer
	fmt.Fprintf(&b, "TRAP frame at %p on core %d\n", tf, core)
	for i := 0; i < NumGPRs; i += 4 {
		for j := 0; j < 4; j++ {
			sep := byte(' ')
			if j == 3 {
				sep = '\n'
			}
			fmt.Fprintf(&b, "%s %016x%c", regNames[i+j], n.GPR[i+j], sep)
		}
	}
	fmt.Fprintf(&b, "sr %016x pc %016x va %016x insn       %08x\n", n.SR, n.EPC, n.BadVAddr, insn)
	fmt.Fprintf(&b, "cause %s\n", n.Cause)
	return w.Write(b.Bytes())
}
