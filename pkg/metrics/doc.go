/*
Package metrics provides Prometheus metrics and the component health
registry for admiral.

Every metric is registered with the default Prometheus registry at
package init and exposed by the api package under /metrics.

# Metrics

Tasks:

	admiral_tasks_total{kind, stage}                      gauge, from the collector
	admiral_tasks_created_total{kind}                     counter
	admiral_task_transitions_total{kind, sub_stage}       counter
	admiral_task_replays_total{kind}                      counter, duplicate or stale messages
	admiral_tasks_finished_total{kind, stage}             counter
	admiral_task_handler_duration_seconds{kind, sub_stage} histogram
	admiral_barriers_active                               gauge

Retries and caches:

	admiral_retry_attempts_total{operation, outcome}
	admiral_cache_lookups_total{cache, result}            result is hit or miss
	admiral_cache_loads_total{cache}                      loader invocations
	admiral_cache_entries{cache}

Reconciliation:

	admiral_reconciliation_duration_seconds
	admiral_reconciliation_cycles_total{result}
	admiral_reconcile_skipped_total                       requests dropped while a pass runs
	admiral_mirror_mutations_total{kind, op}
	admiral_volumes_total{state}                          gauge, from the collector

Manager and API:

	admiral_raft_is_leader
	admiral_raft_applied_index
	admiral_api_requests_total{method, status}
	admiral_api_request_duration_seconds{method}
	admiral_component_healthy{component, critical}

# Timing

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

ObserveDurationVec does the same for a labelled histogram.

# Collector

Collector derives the task and volume gauges from the document store on
a fixed interval:

	c := metrics.NewCollector(store, 15*time.Second)
	c.Start()
	defer c.Stop()

# Health registry

Components report their state with RegisterComponent and UpdateComponent
and each report is mirrored in admiral_component_healthy. Health is
unhealthy when a critical component fails and degraded when only other
components, such as the dependency checks, fail; degraded still answers
200. Readiness waits for every critical component, lists the pending ones
and ignores the rest. The critical set defaults to raft, store and tasks
and SetCriticalComponents replaces it. Registry carries the same logic for
callers that want their own instance.
*/
package metrics
