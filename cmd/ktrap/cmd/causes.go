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
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"ktrap.dev/ktrap/pkg/ring0"
	"ktrap.dev/ktrap/pkg/trap"
)

// Causes implements subcommands.Command for the "causes" command.
type Causes struct {
	output string
}

// CauseDoc documents a single entry of the dispatch tables.
type CauseDoc struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Handled     bool   `json:"handled"`
}

var causeOutputs = map[string]func(io.Writer, []CauseDoc) error{
	"table": causesTable,
	"json":  causesJSON,
	"csv":   causesCSV,
}

// Name implements subcommands.Command.Name.
func (*Causes) Name() string {
	return "causes"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Causes) Synopsis() string {
	return "Print the trap dispatch tables."
}

// Usage implements subcommands.Command.Usage.
func (*Causes) Usage() string {
	return `causes [options] - Print the trap dispatch tables.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Causes) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "table", "Output format (table, csv, json).")
}

// Execute implements subcommands.Command.Execute.
func (c *Causes) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	out, ok := causeOutputs[c.output]
	if !ok {
		Fatalf("Unsupported output format %q", c.output)
	}
	if err := out(os.Stdout, causeDocs()); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func causeDocs() []CauseDoc {
	var docs []CauseDoc
	for _, e := range trap.Table() {
		kind := "exception"
		if e.Interrupt {
			kind = "interrupt"
		}
		docs = append(docs, CauseDoc{
			Code:        fmt.Sprintf("%#x", uint64(e.Cause)),
			Name:        ring0.CauseName(e.Cause),
			Description: e.Cause.String(),
			Kind:        kind,
			Handled:     e.Handled,
		})
	}
	return docs
}

func causesTable(w io.Writer, docs []CauseDoc) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tKIND\tHANDLED\tDESCRIPTION")
	for _, d := range docs {
		handled := "yes"
		if !d.Handled {
			handled = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Code, d.Name, d.Kind, handled, d.Description)
	}
	return tw.Flush()
}

func causesJSON(w io.Writer, docs []CauseDoc) error {
	e := json.NewEncoder(w)
	return e.Encode(docs)
}

func causesCSV(w io.Writer, docs []CauseDoc) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write([]string{"code", "name", "kind", "handled", "description"}); err != nil {
		return err
	}
	for _, d := range docs {
		if err := csvWriter.Write([]string{d.Code, d.Name, d.Kind, fmt.Sprint(d.Handled), d.Description}); err != nil {
			return err
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
