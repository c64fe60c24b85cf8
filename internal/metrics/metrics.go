package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_queries_total",
			Help: "Total analytics queries by operation and outcome",
		},
		[]string{"op", "status"},
	)

	ClusteringDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citypulse_clustering_duration_seconds",
			Help:    "Time spent standardizing and clustering the metric table",
			Buckets: prometheus.DefBuckets,
		},
	)

	ForecastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_forecasts_total",
			Help: "Total forecast requests by outcome and degradation reason",
		},
		[]string{"outcome", "reason"},
	)

	ForecastFitLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citypulse_forecast_fit_seconds",
			Help:    "ARIMA fit latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	SourceFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_source_fetches_total",
			Help: "Total source fetches by scheme and status",
		},
		[]string{"scheme", "status"},
	)

	SourceFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "citypulse_source_fetch_latency_seconds",
			Help:    "Source fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	RowsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citypulse_rows_rejected_total",
			Help: "Source rows rejected by validation, by table and flag",
		},
		[]string{"table", "flag"},
	)
)
