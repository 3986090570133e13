package feed

import "github.com/prometheus/client_golang/prometheus"

var (
	promFilesMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buffalofq",
		Subsystem: "feed",
		Name:      "files_moved_total",
		Help:      "Files moved to their final destination name.",
	}, []string{"feed"})

	promBytesMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buffalofq",
		Subsystem: "feed",
		Name:      "bytes_moved_total",
		Help:      "Bytes copied to destination temp files.",
	}, []string{"feed"})

	promFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buffalofq",
		Subsystem: "feed",
		Name:      "failures_total",
		Help:      "Feed passes that ended in an error.",
	}, []string{"feed"})

	promPassSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "buffalofq",
		Subsystem: "feed",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one feed pass.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"feed"})
)

// RegisterMetrics adds the feed collectors to r. The daemon calls this once
// with its registry.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(promFilesMoved, promBytesMoved, promFailures, promPassSeconds)
}
