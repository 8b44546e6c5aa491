// Package metrics holds the Prometheus collectors of the historian.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "historian"

// Query kinds used as the "kind" label.
const (
	KindQuery     = "query"
	KindAggregate = "aggregate"
	KindResample  = "resample"
	KindSummarize = "summarize"
	KindAligned   = "aligned"
	KindSamples   = "samples"
	KindSQL       = "sql"
)

var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "The total number of queries started, by kind.",
	}, []string{"kind"})

	QueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "query_errors_total",
		Help:      "The total number of queries that failed, by kind.",
	}, []string{"kind"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Time spent setting up and draining queries, by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
	}, []string{"kind"})

	StoreRefills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_refills_total",
		Help:      "The total number of chunked fetches issued by value cursors.",
	})

	SamplesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_fetched_total",
		Help:      "The total number of samples returned by the store to value cursors.",
	})

	AggregatesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregates_emitted_total",
		Help:      "The total number of aggregate values emitted by quantizers.",
	})

	RollupJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollup_jobs_total",
		Help:      "The total number of rollup jobs run, by result.",
	}, []string{"result"})

	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_ingested_total",
		Help:      "The total number of samples written to the store.",
	})

	SamplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_dropped_total",
		Help:      "The total number of samples rejected by the write path, by reason.",
	}, []string{"reason"})

	IngestQueueUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingest_queue_usage_ratio",
		Help:      "The fill ratio of the ingest queue.",
	})

	BackpressureLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backpressure_level",
		Help:      "The current backpressure level (0 normal to 3 emergency).",
	})

	RetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_deleted_total",
		Help:      "The total number of raw samples and rollup files removed by retention, by kind.",
	}, []string{"kind"})
)

// ObserveQuery records the start of a query of the given kind and returns a
// function that records its duration and outcome.
func ObserveQuery(kind string) func(err error) {
	QueriesTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	return func(err error) {
		QueryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if err != nil {
			QueryErrors.WithLabelValues(kind).Inc()
		}
	}
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
