// Package metrics holds the Keras-compatible losses and metrics of the face
// model together with the running accumulators used during evaluation.
package metrics

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// Window accumulates timing stats across multiple steps.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
	last    []float64
}

// Record adds a new measurement to the window. values is the latest batch
// row of losses and metrics.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, values []float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.last = append(w.last[:0], values...)
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	snap.Last = append([]float64(nil), w.last...)

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	Last         []float64
}

// Mean is a running average of batch rows weighted by batch size.
type Mean struct {
	sums   []float64
	weight float64
}

// Add folds a batch row into the average.
func (m *Mean) Add(values []float64, weight float64) {
	if m.sums == nil {
		m.sums = make([]float64, len(values))
	}
	floats.AddScaled(m.sums, weight, values)
	m.weight += weight
}

// Count is the total weight added so far.
func (m *Mean) Count() float64 { return m.weight }

// Values returns the weighted means, or nil if nothing was added.
func (m *Mean) Values() []float64 {
	if m.weight == 0 {
		return nil
	}
	out := append([]float64(nil), m.sums...)
	floats.Scale(1/m.weight, out)
	return out
}
