// Package metrics exposes Prometheus metrics for rule runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/telhawk-systems/telhawk-detect/internal/models"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detect_runs_total",
			Help: "Total number of rule runs by outcome",
		},
		[]string{"outcome"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_detect_run_duration_seconds",
			Help:    "Duration of rule runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SignalsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_detect_signals_created_total",
			Help: "Total number of signals created",
		},
	)

	// Search metrics
	SearchPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_detect_search_pages_total",
			Help: "Total number of search pages fetched",
		},
	)

	SearchHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_detect_search_hits_total",
			Help: "Total number of hits returned by search pages",
		},
	)

	// Bulk metrics
	BulkItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detect_bulk_items_total",
			Help: "Total number of bulk items by result",
		},
		[]string{"result"},
	)

	BulkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_detect_bulk_duration_seconds",
			Help:    "Duration of bulk create calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Recorder writes loop and run measurements to the package metrics.
type Recorder struct{}

// NewRecorder returns a Recorder backed by the default registry.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// SearchPage records one fetched page.
func (Recorder) SearchPage(hits int) {
	SearchPagesTotal.Inc()
	SearchHitsTotal.Add(float64(hits))
}

// BulkBatch records the item results and duration of one bulk call.
func (Recorder) BulkBatch(created, duplicates, errored int, elapsed time.Duration) {
	BulkItemsTotal.WithLabelValues(models.BulkItemCreated.String()).Add(float64(created))
	BulkItemsTotal.WithLabelValues(models.BulkItemDuplicate.String()).Add(float64(duplicates))
	BulkItemsTotal.WithLabelValues(models.BulkItemErrored.String()).Add(float64(errored))
	BulkDuration.Observe(elapsed.Seconds())
}

// Run records a finished run.
func (Recorder) Run(outcome models.RunOutcome) {
	RunsTotal.WithLabelValues(OutcomeLabel(outcome)).Inc()
	RunDuration.Observe(outcome.Duration.Seconds())
	SignalsCreated.Add(float64(outcome.Created))
}

// OutcomeLabel returns the runs_total label for outcome.
func OutcomeLabel(outcome models.RunOutcome) string {
	if outcome.Reason == models.ReasonDisabled {
		return "skipped"
	}
	if outcome.Success {
		return "succeeded"
	}
	return "failed"
}
