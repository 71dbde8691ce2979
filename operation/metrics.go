package operation

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// enqueueCount is a Counter vector of enqueued operations
	enqueueCount *prometheus.CounterVec
	// executionCount is a Counter vector of executed operations
	executionCount *prometheus.CounterVec
	// executionLatency is a Histogram vector of operation run durations
	executionLatency *prometheus.HistogramVec
	// queueDepth is a Gauge of operations waiting for a worker
	queueDepth prometheus.Gauge
)

// EnableMetrics will enable metrics collection for the operation
// runtime. Available metrics are...
//   - operation_enqueue_count - (tags: type)
//     A Counter for every accepted enqueue.
//   - operation_execution_count - (tags: type,success)
//     A Counter for each executed operation tagged with the result.
//   - operation_execution_latency_seconds - (tags: type)
//     A Histogram of operation run durations.
//   - operation_queue_depth
//     A Gauge of operations waiting for a worker.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	enqueueCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operation_enqueue_count",
		Help:      "Count of enqueued operations",
	},
		[]string{"type"},
	)

	executionCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operation_execution_count",
		Help:      "Count of executed operations",
	},
		[]string{"type", "success"},
	)

	executionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "operation_execution_latency_seconds",
		Help:      "Latency of operation executions",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	},
		[]string{"type"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "operation_queue_depth",
		Help:      "Number of operations waiting for a worker",
	})

	registerer.MustRegister(
		enqueueCount,
		executionCount,
		executionLatency,
		queueDepth,
	)
}

func recordEnqueued(opType string) {
	// if metrics not enabled return
	if enqueueCount == nil {
		return
	}
	enqueueCount.WithLabelValues(opType).Inc()
}

func recordQueueDepth(delta float64) {
	// if metrics not enabled return
	if queueDepth == nil {
		return
	}
	queueDepth.Add(delta)
}

func observeExecution(opType string, success bool, start time.Time) {
	// if metrics not enabled return
	if executionCount == nil || executionLatency == nil {
		return
	}
	executionCount.With(prometheus.Labels{
		"type":    opType,
		"success": strconv.FormatBool(success),
	}).Inc()
	executionLatency.WithLabelValues(opType).Observe(time.Since(start).Seconds())
}
