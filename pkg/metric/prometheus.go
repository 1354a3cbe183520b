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

package metric

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Namespace prefixes every exported metric name.
const Namespace = "ktrap"

// PrometheusName converts a "/path/to/metric" name into a Prometheus metric
// name.
func PrometheusName(name string) string {
	return Namespace + strings.ReplaceAll(name, "/", "_")
}

// escapeLabelValue escapes a label value per the text exposition format.
func escapeLabelValue(v string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`).Replace(v)
}

// WritePrometheus writes every registered metric in the Prometheus text
// exposition format. Label pairs are written in field order.
func WritePrometheus(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, m := range All() {
		name := PrometheusName(m.name)
		fmt.Fprintf(bw, "# HELP %s %s\n", name, strings.ReplaceAll(m.description, "\n", " "))
		fmt.Fprintf(bw, "# TYPE %s counter\n", name)
		for k := range m.values {
			bw.WriteString(name)
			if len(m.fields) > 0 {
				bw.WriteByte('{')
				for i, v := range m.fieldValuesOf(k) {
					if i > 0 {
						bw.WriteByte(',')
					}
					fmt.Fprintf(bw, "%s=\"%s\"", m.fields[i].name, escapeLabelValue(v))
				}
				bw.WriteByte('}')
			}
			fmt.Fprintf(bw, " %d\n", m.values[k].Load())
		}
	}
	return bw.Flush()
}
