package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for RecordsResolved.
const (
	ResolveOutcomeUnique    = "unique"
	ResolveOutcomeAmbiguous = "ambiguous"
	ResolveOutcomeNone      = "none"
)

// Label values for GeocodeRequests.
const (
	GeocodeStatusOK    = "ok"
	GeocodeStatusError = "error"
	GeocodeStatusDown  = "down"
)

var (
	RecordsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refintel_records_resolved_total",
		Help: "The total number of records processed by the resolver, by outcome",
	}, []string{"outcome"})

	GeocodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refintel_geocode_requests_total",
		Help: "The total number of geocoding requests, by status",
	}, []string{"status"})

	GeocacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refintel_geocache_lookups_total",
		Help: "The total number of geospatial cache lookups, by result",
	}, []string{"result"})

	ResolveBatchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refintel_resolve_batch_duration_seconds",
		Help:    "Duration in seconds to resolve one batch of records",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	ClusteringRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refintel_clustering_runs_total",
		Help: "The total number of per-country clustering runs, by status",
	}, []string{"status"})

	ClustersAssigned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "refintel_clusters_assigned",
		Help: "Number of clusters produced by the last run for a country",
	}, []string{"country"})

	ClusteringDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "refintel_clustering_duration_seconds",
		Help:    "Duration in seconds of a per-country clustering run",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Label values for GeocacheLookups.
const (
	GeocacheHit  = "hit"
	GeocacheMiss = "miss"
)

// Label values for ClusteringRuns.
const (
	ClusteringStatusOK    = "ok"
	ClusteringStatusError = "error"
)
