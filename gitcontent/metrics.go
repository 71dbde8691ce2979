package gitcontent

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lastSyncTimestamp is a Gauge that captures the timestamp of the last
	// successful sync per repo
	lastSyncTimestamp *prometheus.GaugeVec
	// syncCount is a Counter vector of repo syncs
	syncCount *prometheus.CounterVec
	// syncLatency is a Histogram vector that keeps track of repo sync durations
	syncLatency *prometheus.HistogramVec
)

// EnableMetrics will enable metrics collection for the git content layer.
// Available metrics are...
//   - content_last_sync_timestamp - (tags: repo)
//     A Gauge that captures the timestamp of the last successful sync per repo.
//   - content_sync_count - (tags: repo,success)
//     A Counter for each sync attempt tagged with the result (success=true|false)
//   - content_sync_latency_seconds - (tags: repo)
//     A Histogram that keeps track of sync latency per repo.
func EnableMetrics(metricsNamespace string, registerer prometheus.Registerer) {
	lastSyncTimestamp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "content_last_sync_timestamp",
		Help:      "Timestamp of the last successful content repo sync",
	},
		[]string{
			// url hash of the repository
			"repo",
		},
	)

	syncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "content_sync_count",
		Help:      "Count of content repo sync operations",
	},
		[]string{
			// url hash of the repository
			"repo",
			// whether the sync was successful or not
			"success",
		},
	)

	syncLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "content_sync_latency_seconds",
		Help:      "Latency of content repo syncs",
		Buckets:   []float64{0.5, 1, 5, 10, 20, 30, 60, 90, 120, 150, 300},
	},
		[]string{
			// url hash of the repository
			"repo",
		},
	)

	registerer.MustRegister(
		lastSyncTimestamp,
		syncCount,
		syncLatency,
	)
}

// recordGitSync records a sync attempt by updating all the relevant
// metrics
func recordGitSync(repo string, success bool) {
	// if metrics not enabled return
	if lastSyncTimestamp == nil || syncCount == nil {
		return
	}
	if success {
		lastSyncTimestamp.With(prometheus.Labels{
			"repo": repo,
		}).Set(float64(time.Now().Unix()))
	}
	syncCount.With(prometheus.Labels{
		"repo":    repo,
		"success": strconv.FormatBool(success),
	}).Inc()
}

func updateSyncLatency(repo string, start time.Time) {
	// if metrics not enabled return
	if syncLatency == nil {
		return
	}
	syncLatency.WithLabelValues(repo).Observe(time.Since(start).Seconds())
}
