package metrics

import (
	"math"
	"time"
)

// Window accumulates evaluation stats across multiple steps.
type Window struct {
	clips   int
	data    time.Duration
	compute time.Duration
	steps   int
	iouSum  float64
	scored  int
	lastIoU float64
}

// Record adds a new measurement to the window. A NaN iou counts towards
// throughput but not towards the IoU mean.
func (w *Window) Record(clips int, dataTime, computeTime time.Duration, iou float64) {
	w.clips += clips
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastIoU = iou
	if !math.IsNaN(iou) {
		w.iouSum += iou
		w.scored++
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{MeanIoU: math.NaN()}
	total := w.data + w.compute
	if total > 0 {
		snap.ClipsPerSec = float64(w.clips) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.scored > 0 {
		snap.MeanIoU = w.iouSum / float64(w.scored)
	}
	snap.LastIoU = w.lastIoU

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ClipsPerSec  float64
	AvgDataMS    float64
	AvgComputeMS float64
	MeanIoU      float64
	LastIoU      float64
}
