package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	evalClips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vos3d",
			Subsystem: "eval",
			Name:      "clips_total",
			Help:      "Clips scored by the evaluation loop.",
		},
		[]string{"network", "rank"},
	)
	evalIoU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vos3d",
			Subsystem: "eval",
			Name:      "iou",
			Help:      "Mean IoU of the last step, averaged across ranks.",
		},
		[]string{"network", "rank"},
	)
	forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vos3d",
			Name:      "forward_seconds",
			Help:      "Model forward pass duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"network"},
	)
	learningRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vos3d",
			Name:      "learning_rate",
			Help:      "Current learning rate per parameter group.",
		},
		[]string{"group"},
	)
)

// RegisterMetrics adds the package collectors to the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(evalClips, evalIoU, forwardDuration, learningRate)
	})
}

func RecordEvalStep(network, rank string, clips int, iou float64, forward time.Duration) {
	RegisterMetrics()
	evalClips.WithLabelValues(network, rank).Add(float64(clips))
	evalIoU.WithLabelValues(network, rank).Set(iou)
	forwardDuration.WithLabelValues(network).Observe(forward.Seconds())
}

func RecordLearningRate(group string, lr float64) {
	RegisterMetrics()
	learningRate.WithLabelValues(group).Set(lr)
}
