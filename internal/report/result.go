// Package report formats evaluation results for the console, as JSON run
// reports and as epsilon sweep plots.
package report

import (
	"strconv"
	"strings"
)

// Result is one evaluation row: the total loss, the per-head losses and the
// compiled metrics, in that order.
type Result struct {
	Names   []string
	Values  []float64
	Samples int
}

// String renders the values as a bracketed list, e.g. [1.25, 0.5, 0.75].
func (r Result) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range r.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(formatFloat(v))
	}
	b.WriteByte(']')
	return b.String()
}

// Value looks up a value by name.
func (r Result) Value(name string) (float64, bool) {
	for i, n := range r.Names {
		if n == name && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return 0, false
}

// Map returns the values keyed by name.
func (r Result) Map() map[string]float64 {
	m := make(map[string]float64, len(r.Names))
	for i, n := range r.Names {
		if i < len(r.Values) {
			m[n] = r.Values[i]
		}
	}
	return m
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
