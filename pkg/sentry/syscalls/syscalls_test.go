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

package syscalls

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type pid int32

func (p pid) PID() int32 { return int32(p) }

func TestQueue(t *testing.T) {
	q := NewQueue(4)
	q.Prepare(pid(1), 0x1000, 2)
	q.Prepare(pid(2), 0x2000, 0)
	q.Prepare(pid(2), 0x2000, 5)
	q.Prepare(pid(3), 0x3000, 4)

	want := []Batch{{1, 0x1000, 2}, {3, 0x3000, 4}}
	if q.Len() != 2 || q.Rejected() != 2 {
		t.Errorf("Len() = %d, Rejected() = %d, want 2, 2", q.Len(), q.Rejected())
	}
	if diff := cmp.Diff(want, q.Drain()); diff != "" {
		t.Errorf("Drain mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", q.Len())
	}
}
