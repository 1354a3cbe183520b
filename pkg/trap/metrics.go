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
	"ktrap.dev/ktrap/pkg/metric"
	"ktrap.dev/ktrap/pkg/ring0"
)

func causeFieldValues() []string {
	var vs []string
	for _, e := range ring0.Exceptions() {
		vs = append(vs, ring0.CauseName(e.Cause()))
	}
	for _, i := range ring0.Interrupts() {
		vs = append(vs, ring0.CauseName(i.Cause()))
	}
	return vs
}

var (
	trapCount = metric.MustCreateNewUint64Metric("/trap/count",
		"Number of traps dispatched, by cause.",
		metric.NewField("cause", causeFieldValues()...))

	unhandledCount = metric.MustCreateNewUint64Metric("/trap/escalations",
		"Number of traps escalated as unhandled, by the context they were taken in.",
		metric.NewField("context", "kernel", "user"))

	pageFaultCount = metric.MustCreateNewUint64Metric("/trap/page_faults",
		"Number of user page faults, by resolution result.",
		metric.NewField("result", "resolved", "unresolved"))

	fpEmulationCount = metric.MustCreateNewUint64Metric("/trap/fp_emulations",
		"Number of illegal instructions offered to the FP emulator, by result.",
		metric.NewField("result", "emulated", "failed"))

	irqEnabledInstalls = metric.MustCreateNewUint64Metric("/trap/irq_enabled_installs",
		"Number of current trapframe installs made with interrupts enabled.")

	haltCount = metric.MustCreateNewUint64Metric("/trap/halts",
		"Number of machine halts.")
)
