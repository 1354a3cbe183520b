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

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"ktrap.dev/ktrap/pkg/ring0"
)

// Scenario is a sequence of traps to take on a machine.
type Scenario struct {
	Name  string `toml:"name" yaml:"name"`
	Steps []Step `toml:"step" yaml:"steps"`
}

// Step is one trap. Steps on the same core run in order; cores run
// concurrently.
type Step struct {
	// Core takes the trap.
	Core int `toml:"core" yaml:"core"`

	// Cause is a cause name, such as "store_page_fault", or a raw cause
	// register value.
	Cause string `toml:"cause" yaml:"cause"`

	// Kernel takes the trap in kernel context. Otherwise the trap is taken
	// by the process current on the core.
	Kernel bool `toml:"kernel" yaml:"kernel"`

	// InterruptsOn marks interrupts enabled in the interrupted kernel code.
	InterruptsOn bool `toml:"interrupts_on" yaml:"interrupts_on"`

	// PC overrides the program counter.
	PC Addr `toml:"pc" yaml:"pc"`

	// Addr is the faulting address of memory faults.
	Addr Addr `toml:"addr" yaml:"addr"`

	// RA, A0 and A1 set registers of the frame.
	RA Addr   `toml:"ra" yaml:"ra"`
	A0 Addr   `toml:"a0" yaml:"a0"`
	A1 uint64 `toml:"a1" yaml:"a1"`

	// Message, for IPIs, is the name of a kernel message sent to Core from
	// core From before the trap.
	Message string `toml:"message" yaml:"message"`
	From    int    `toml:"from" yaml:"from"`

	// Input is typed on the console before the trap.
	Input string `toml:"input" yaml:"input"`
}

// ParsedCause returns the cause register value of s.
func (s *Step) ParsedCause() (ring0.Cause, error) {
	return ring0.ParseCause(s.Cause)
}

// LoadScenario reads a scenario file. Files ending in .yaml or .yml are
// YAML, anything else is TOML.
func LoadScenario(path string) (*Scenario, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		sc, err := DecodeScenarioYAML(data)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		return sc, nil
	}

	var sc Scenario
	md, err := toml.DecodeFile(path, &sc)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := undecoded(md); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return &sc, nil
}

// DecodeScenario parses a scenario.
func DecodeScenario(data string) (*Scenario, error) {
	var sc Scenario
	md, err := toml.Decode(data, &sc)
	if err != nil {
		return nil, err
	}
	if err := undecoded(md); err != nil {
		return nil, err
	}
	return &sc, nil
}

// DecodeScenarioYAML parses a scenario written in YAML. Unknown keys are
// errors, as they are in TOML.
func DecodeScenarioYAML(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that every step can run on a machine with the given
// number of cores.
func (sc *Scenario) Validate(cores int) error {
	for i := range sc.Steps {
		s := &sc.Steps[i]
		if s.Core < 0 || s.Core >= cores {
			return fmt.Errorf("%w: step %d: core %d, have %d", ErrInvalid, i, s.Core, cores)
		}
		if s.From < 0 || s.From >= cores {
			return fmt.Errorf("%w: step %d: sending core %d, have %d", ErrInvalid, i, s.From, cores)
		}
		if _, err := s.ParsedCause(); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalid, i, err)
		}
	}
	return nil
}
