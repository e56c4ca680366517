package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admiral_tasks_total",
			Help: "Total number of stored tasks by kind and stage",
		},
		[]string{"kind", "stage"},
	)

	TasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_tasks_created_total",
			Help: "Total number of tasks created by kind",
		},
		[]string{"kind"},
	)

	TaskTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_task_transitions_total",
			Help: "Total number of applied task transitions by kind and sub-stage",
		},
		[]string{"kind", "sub_stage"},
	)

	TaskReplays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_task_replays_total",
			Help: "Total number of transition messages ignored as replays",
		},
		[]string{"kind"},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_tasks_finished_total",
			Help: "Total number of tasks reaching a terminal stage",
		},
		[]string{"kind", "stage"},
	)

	TaskHandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admiral_task_handler_duration_seconds",
			Help:    "Time spent in sub-stage handlers in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "sub_stage"},
	)

	// Barrier metrics
	BarriersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admiral_barriers_active",
			Help: "Number of counting barriers waiting for completions",
		},
	)

	// Retry metrics
	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_retry_attempts_total",
			Help: "Total number of retriable operation attempts by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// Cache metrics
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_cache_lookups_total",
			Help: "Total number of cache lookups by cache and result",
		},
		[]string{"cache", "result"},
	)

	CacheLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_cache_loads_total",
			Help: "Total number of loader invocations by cache",
		},
		[]string{"cache"},
	)

	CacheEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admiral_cache_entries",
			Help: "Number of live entries by cache",
		},
		[]string{"cache"},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admiral_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_reconciliation_cycles_total",
			Help: "Total number of reconciliation passes by result",
		},
		[]string{"result"},
	)

	ReconciliationSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "admiral_reconcile_skipped_total",
			Help: "Total number of reconciliation requests dropped because a pass was active",
		},
	)

	MirrorMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_mirror_mutations_total",
			Help: "Total number of mirror record mutations by kind and operation",
		},
		[]string{"kind", "op"},
	)

	VolumesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admiral_volumes_total",
			Help: "Total number of mirrored volumes by power state",
		},
		[]string{"state"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admiral_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admiral_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admiral_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admiral_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Component registry
	ComponentHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admiral_component_healthy",
			Help: "1 if the component reports healthy, 0 otherwise",
		},
		[]string{"component", "critical"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksCreated)
	prometheus.MustRegister(TaskTransitions)
	prometheus.MustRegister(TaskReplays)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(TaskHandlerDuration)
	prometheus.MustRegister(BarriersActive)
	prometheus.MustRegister(RetryAttempts)
	prometheus.MustRegister(CacheLookups)
	prometheus.MustRegister(CacheLoads)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationSkipped)
	prometheus.MustRegister(MirrorMutations)
	prometheus.MustRegister(VolumesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ComponentHealthy)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
