package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "openrdma"

var (
	registerOnce sync.Once

	retryResends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "resends_total",
			Help:      "Work descriptors resubmitted after their ack deadline expired.",
		},
	)
	retryExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "Operations failed after the retry budget ran out.",
		},
	)
	retryTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "tracked",
			Help:      "Operations currently tracked by the retry monitor.",
		},
	)
	ringOverflow = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "overflow_total",
			Help:      "Submissions rejected because the ring was full.",
		},
		[]string{"ring"},
	)
	ringDecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ring",
			Name:      "decode_errors_total",
			Help:      "Slots discarded because they did not decode.",
		},
		[]string{"ring"},
	)
	opsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ops",
			Name:      "completed_total",
			Help:      "Resolved work operations.",
		},
		[]string{"kind", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"device", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"device", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			retryResends,
			retryExhausted,
			retryTracked,
			ringOverflow,
			ringDecodeErrors,
			opsCompleted,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordResend() {
	RegisterMetrics()
	retryResends.Inc()
}

func RecordRetryExhausted() {
	RegisterMetrics()
	retryExhausted.Inc()
}

func SetRetryTracked(n int) {
	RegisterMetrics()
	retryTracked.Set(float64(n))
}

func RecordRingOverflow(ring string) {
	RegisterMetrics()
	ringOverflow.WithLabelValues(ring).Inc()
}

func RecordRingDecodeError(ring string) {
	RegisterMetrics()
	ringDecodeErrors.WithLabelValues(ring).Inc()
}

// RecordOpCompleted counts a resolved operation; kind is write or read and
// outcome is succeeded or failed.
func RecordOpCompleted(kind, outcome string) {
	RegisterMetrics()
	opsCompleted.WithLabelValues(kind, outcome).Inc()
}

func RecordHTTPRequest(device, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(device, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(device, method, path, statusLabel).Observe(duration.Seconds())
}
