// Package metrics tracks training throughput and exports run metrics.
package metrics

import "time"

// Window accumulates per-step timings and losses between log lines.
type Window struct {
	images  int
	steps   int
	data    time.Duration
	compute time.Duration
	lossSum float64
	last    float64
}

// Record adds one training step: the batch size, the time spent assembling
// the batch, the time spent in the model and the batch loss.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.images += batchSize
	w.steps++
	w.data += dataTime
	w.compute += computeTime
	w.lossSum += loss
	w.last = loss
}

// Steps is the number of steps recorded since the last snapshot.
func (w *Window) Steps() int { return w.steps }

// Snapshot returns the aggregated window and resets it.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{LastLoss: w.last}
	if total := w.data + w.compute; total > 0 {
		snap.ImagesPerSec = float64(w.images) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = float64(w.data.Microseconds()) / 1000 / float64(w.steps)
		snap.AvgComputeMS = float64(w.compute.Microseconds()) / 1000 / float64(w.steps)
		snap.MeanLoss = w.lossSum / float64(w.steps)
	}
	*w = Window{last: w.last}
	return snap
}

// Snapshot is one loggable window.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	MeanLoss     float64
	LastLoss     float64
}
