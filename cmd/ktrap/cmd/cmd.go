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

// Package cmd holds implementations of the ktrap commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"ktrap.dev/ktrap/pkg/config"
	"ktrap.dev/ktrap/pkg/log"
	"ktrap.dev/ktrap/pkg/sentry/machine"
)

// ErrorLogger is where Fatalf writes in addition to stderr, if set.
var ErrorLogger io.Writer

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	msg := fmt.Sprintf("ktrap: "+format+"\n", args...)
	fmt.Fprint(os.Stderr, msg)
	if ErrorLogger != nil {
		fmt.Fprint(ErrorLogger, msg)
	}
	os.Exit(128)
}

// runScenario boots a machine from conf and runs the scenario at path on
// it. The machine's console is written to console.
func runScenario(ctx context.Context, conf *config.Config, path string, console io.Writer) (*machine.Report, error) {
	sc, err := config.LoadScenario(path)
	if err != nil {
		return nil, err
	}
	if sc.Name == "" {
		sc.Name = path
	}
	m, err := machine.New(conf.Clone(), console, log.Log())
	if err != nil {
		return nil, fmt.Errorf("booting machine: %w", err)
	}
	log.Infof("Running scenario %q: %d steps on %d cores", sc.Name, len(sc.Steps), conf.Cores)
	return m.Run(ctx, sc)
}
