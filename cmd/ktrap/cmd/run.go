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

package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
	"ktrap.dev/ktrap/pkg/config"
	"ktrap.dev/ktrap/pkg/sentry/machine"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	output      string
	allowHalt   bool
	consoleFile string
}

var reportOutputs = map[string]func(io.Writer, *machine.Report) error{
	"table": func(w io.Writer, r *machine.Report) error {
		_, err := r.WriteTo(w)
		return err
	},
	"json": func(w io.Writer, r *machine.Report) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	},
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a trap scenario and print the machine report"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario.toml> - boot the configured machine, take the
scenario's traps on its cores and print what became of the cores and
processes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "o", "table", "Output format (table, json).")
	f.BoolVar(&r.allowHalt, "allow-halt", false, "exit successfully when the scenario halts the machine.")
	f.StringVar(&r.consoleFile, "console", "", "file to write the machine console to. Defaults to stderr.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	out, ok := reportOutputs[r.output]
	if !ok {
		Fatalf("Unsupported output format %q", r.output)
	}

	console := io.Writer(os.Stderr)
	if r.consoleFile != "" {
		cf, err := os.Create(r.consoleFile)
		if err != nil {
			Fatalf("opening console file: %v", err)
		}
		defer cf.Close()
		console = cf
	}

	report, err := runScenario(ctx, conf, f.Arg(0), console)
	if err != nil {
		Fatalf("running scenario: %v", err)
	}
	if err := out(os.Stdout, report); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	if report.Halt != nil && !r.allowHalt {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
