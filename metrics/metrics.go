// Package metrics provides Prometheus metrics for the reconciliation engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rental_dedupe"

var (
	// DecisionsTotal tracks reconciliation decisions by action
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Total number of reconciliation decisions by action",
		},
		[]string{"action"},
	)

	// BestScore tracks the best candidate score per fuzzy decision
	BestScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "best_score",
			Help:      "Best similarity score among fuzzy candidates",
			Buckets:   []float64{10, 20, 30, 40, 50, 60, 65, 70, 75, 80, 85, 90, 95, 100},
		},
	)

	// CandidatesRetrieved tracks the size of the fuzzy candidate set
	CandidatesRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "candidates_retrieved",
			Help:      "Number of fuzzy candidates retrieved per check",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	// CheckDuration tracks duplicate check duration in seconds
	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "check_duration_seconds",
			Help:      "Duration of duplicate checks in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// ImageFetchesTotal tracks image fetches for hashing by outcome
	ImageFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "fetches_total",
			Help:      "Total number of image fetches for hashing by outcome",
		},
		[]string{"outcome"},
	)

	// ImageHashCacheTotal tracks hash cache lookups
	ImageHashCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "hash_cache_total",
			Help:      "Image hash cache lookups by result",
		},
		[]string{"result"},
	)

	// AIComparisonsTotal tracks AI image comparisons by status
	AIComparisonsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "comparisons_total",
			Help:      "Total number of AI image comparisons by status",
		},
		[]string{"status"},
	)

	// MergesTotal tracks merges by reason
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "merge",
			Name:      "merges_total",
			Help:      "Total number of merges by reason",
		},
		[]string{"reason"},
	)

	// ReviewsTotal tracks review queue events
	ReviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "events_total",
			Help:      "Review queue events (enqueued, deduplicated, resolved_unique, resolved_merge)",
		},
		[]string{"event"},
	)

	// WorkerItemsTotal tracks items processed by background workers
	WorkerItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "items_total",
			Help:      "Items processed by background workers",
		},
		[]string{"worker", "status"},
	)
)
