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

package machine

import (
	"fmt"
	"io"
	"text/tabwriter"

	"golang.org/x/sys/unix"
	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/trap"
)

// Report is the outcome of a scenario.
type Report struct {
	Scenario string `json:"scenario"`

	// Halt is the halt that stopped the machine, if any.
	Halt *trap.HaltError `json:"halt,omitempty"`

	Cores     []CoreReport    `json:"cores"`
	Processes []ProcessReport `json:"processes"`

	// Syscalls is the number of queued syscall batches.
	Syscalls int `json:"syscalls"`

	// Emulated is the number of emulated FP instructions.
	Emulated uint64 `json:"emulated"`

	// Breakpoints is the number of monitor entries.
	Breakpoints int `json:"breakpoints"`
}

// CoreReport describes one core.
type CoreReport struct {
	ID           ring0.CoreID `json:"id"`
	Traps        int          `json:"traps"`
	ResumeKernel int          `json:"resume_kernel"`
	ResumeUser   int          `json:"resume_user"`
	Restarts     int          `json:"restarts"`
	Skipped      int          `json:"skipped"`
	Ticks        uint64       `json:"ticks"`
	Messages     uint64       `json:"messages"`
	IRQDepth     int32        `json:"irq_depth"`
	KTrapDepth   int32        `json:"ktrap_depth"`

	// Current is the pid of the process running on the core, or zero.
	Current int32 `json:"current"`
}

// ProcessReport describes one process.
type ProcessReport struct {
	PID      int32  `json:"pid"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Signal   string `json:"signal,omitempty"`
	PC       uint64 `json:"pc"`
	Switches uint64 `json:"switches"`
	FPDirty  bool   `json:"fp_dirty"`
}

func (m *Machine) report() *Report {
	r := &Report{
		Syscalls:    m.Syscalls.Len(),
		Emulated:    m.FPU.Emulated(),
		Breakpoints: len(m.Monitor.Entries()),
	}
	for _, c := range m.Kernel.CPUs() {
		id := c.ID()
		st := &m.stats[id]
		state := m.Dispatcher.InspectCore(id)
		cr := CoreReport{
			ID:           id,
			Traps:        st.traps,
			ResumeKernel: st.resumes[trap.ResumeKernel],
			ResumeUser:   st.resumes[trap.ResumeUser],
			Restarts:     st.resumes[trap.RestartCore],
			Skipped:      st.skipped,
			Ticks:        m.Timer.Ticks(id),
			Messages:     m.Messages.Delivered(id),
			IRQDepth:     state.IRQDepth,
			KTrapDepth:   state.KTrapDepth,
		}
		if p := m.Scheduler.CurrentProcess(id); p != nil {
			cr.Current = p.PID()
		}
		r.Cores = append(r.Cores, cr)
	}
	for _, p := range m.Scheduler.Processes() {
		pr := ProcessReport{
			PID:      p.PID(),
			Name:     p.Name(),
			State:    p.State().String(),
			PC:       p.Context().EPC,
			Switches: p.Switches(),
			FPDirty:  p.FPDirty(),
		}
		if sig, dead := p.ExitSignal(); dead {
			pr.Signal = unix.SignalName(sig)
		}
		r.Processes = append(r.Processes, pr)
	}
	return r
}

// WriteTo writes r as tables.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Scenario %q\n", r.Scenario)
	if r.Halt != nil {
		fmt.Fprintf(tw, "HALTED: %v\n", r.Halt)
	}
	fmt.Fprintf(tw, "\nCORE\tTRAPS\tKERNEL\tUSER\tRESTART\tSKIPPED\tTICKS\tMSGS\tCURRENT\n")
	for _, c := range r.Cores {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			c.ID, c.Traps, c.ResumeKernel, c.ResumeUser, c.Restarts, c.Skipped, c.Ticks, c.Messages, c.Current)
	}
	fmt.Fprintf(tw, "\nPID\tNAME\tSTATE\tSIGNAL\tPC\tSWITCHES\n")
	for _, p := range r.Processes {
		sig := p.Signal
		if sig == "" {
			sig = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%#x\t%d\n", p.PID, p.Name, p.State, sig, p.PC, p.Switches)
	}
	fmt.Fprintf(tw, "\nsyscall batches %d, emulated FP instructions %d, breakpoints %d\n", r.Syscalls, r.Emulated, r.Breakpoints)
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
