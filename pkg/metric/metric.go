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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name does not follow the
	// "/path/to/metric" convention.
	ErrInvalidName = errors.New("metric name must start with '/' and contain only [a-z0-9_/]")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored. Values are broken down by field values: every combination of
// allowed field values has its own counter.
//
// Metrics are cumulative counters.
type Uint64Metric struct {
	name        string
	description string
	fields      []Field

	// fieldValues maps, per field, an allowed value to its index.
	fieldValues []map[string]int

	// values holds one counter per field combination, indexed in mixed
	// radix order over fields.
	values []atomic.Uint64
}

// registry holds every metric created in the process.
var registry = struct {
	mu      sync.Mutex
	metrics map[string]*Uint64Metric
}{
	metrics: make(map[string]*Uint64Metric),
}

func validName(name string) bool {
	if !strings.HasPrefix(name, "/") || len(name) < 2 {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '/') {
			return false
		}
	}
	return true
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      fields,
		fieldValues: make([]map[string]int, len(fields)),
	}
	combinations := 1
	for i, f := range fields {
		if len(f.allowedValues) == 0 {
			return nil, fmt.Errorf("%w: field %q of %q", ErrFieldHasNoAllowedValues, f.name, name)
		}
		m.fieldValues[i] = make(map[string]int, len(f.allowedValues))
		for j, v := range f.allowedValues {
			m.fieldValues[i][v] = j
		}
		combinations *= len(f.allowedValues)
	}
	m.values = make([]atomic.Uint64, combinations)

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.metrics[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameInUse, name)
	}
	registry.metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// key returns the index of the counter for the given field values.
//
// Precondition: fieldValues must be allowed values of the metric's fields, in
// field order.
func (m *Uint64Metric) key(fieldValues []string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %q: got %d field values, want %d", m.name, len(fieldValues), len(m.fields)))
	}
	k := 0
	for i, v := range fieldValues {
		idx, ok := m.fieldValues[i][v]
		if !ok {
			panic(fmt.Sprintf("metric %q: invalid value %q for field %q", m.name, v, m.fields[i].name))
		}
		k = k*len(m.fields[i].allowedValues) + idx
	}
	return k
}

// fieldValuesOf inverts key.
func (m *Uint64Metric) fieldValuesOf(k int) []string {
	vs := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		vs[i] = m.fields[i].allowedValues[k%n]
		k /= n
	}
	return vs
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.key(fieldValues)].Add(v)
}

// Sample is one counter of a metric.
type Sample struct {
	Fields map[string]string
	Value  uint64
}

// Samples returns every counter of the metric, in key order.
func (m *Uint64Metric) Samples() []Sample {
	ss := make([]Sample, len(m.values))
	for k := range m.values {
		s := Sample{Value: m.values[k].Load()}
		if len(m.fields) > 0 {
			s.Fields = make(map[string]string, len(m.fields))
			for i, v := range m.fieldValuesOf(k) {
				s.Fields[m.fields[i].name] = v
			}
		}
		ss[k] = s
	}
	return ss
}

// All returns every registered metric, sorted by name.
func All() []*Uint64Metric {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(registry.metrics))
	for _, m := range registry.metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}
