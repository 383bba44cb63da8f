package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Loop metrics
	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_director_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"action", "applied"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_director_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"action"},
	)

	SelectorDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_director_selector_decisions_total",
			Help: "Next-action decisions by action and deciding source",
		},
		[]string{"action", "source"},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_director_runs_finished_total",
			Help: "Research runs that reached a terminal status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_director_run_duration_seconds",
			Help:    "Wall time of research runs that completed or stopped",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
	)

	// Item metrics
	ItemFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_director_item_failures_total",
			Help: "Per-item failures inside a stage",
		},
		[]string{"stage"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_director_provider_requests_total",
			Help: "Requests made to external search and fetch providers",
		},
		[]string{"provider", "status"},
	)

	// Index metrics
	IndexedChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_director_indexed_chunks_total",
			Help: "Verified content chunks written to the vector store",
		},
	)

	JobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "research_director_jobs_active",
			Help: "Research jobs currently running in the server",
		},
	)
)
