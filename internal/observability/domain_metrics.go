package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	toolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbibridge_tool_invocations_total",
			Help: "Total number of tool invocations by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbibridge_query_duration_seconds",
			Help:    "Engine query latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	queryRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pbibridge_query_rows_returned",
			Help:    "Rows returned per query after the row cap.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
	)
	queryTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pbibridge_query_timeouts_total",
			Help: "Total number of queries abandoned after their timeout budget.",
		},
	)
	generationCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbibridge_generation_calls_total",
			Help: "Total number of language-model calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)
	archivedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pbibridge_archived_bytes_total",
			Help: "Total bytes of query results written to the archive store.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		toolInvocationsTotal,
		queryDurationSeconds,
		queryRowsReturned,
		queryTimeoutsTotal,
		generationCallsTotal,
		archivedBytesTotal,
	)
}

func ObserveToolInvocation(tool, outcome string) {
	toolInvocationsTotal.WithLabelValues(tool, outcome).Inc()
}

func ObserveQuery(rows int, elapsed time.Duration) {
	queryDurationSeconds.Observe(elapsed.Seconds())
	queryRowsReturned.Observe(float64(rows))
}

func IncrementQueryTimeout() {
	queryTimeoutsTotal.Inc()
}

func ObserveGenerationCall(operation, outcome string) {
	generationCallsTotal.WithLabelValues(operation, outcome).Inc()
}

func AddArchivedBytes(n int64) {
	if n > 0 {
		archivedBytesTotal.Add(float64(n))
	}
}
