/*
Package metrics provides Prometheus metrics and the component health
registry for dynsched.

All collectors are package variables registered in init, so any package can
record without plumbing:

	timer := metrics.NewTimer()
	// ... observe one service ...
	timer.ObserveDuration(metrics.ObservationDuration)
	metrics.ObservationsTotal.WithLabelValues("ok").Inc()

# Metrics

Registry:

  - dynsched_services_tracked: gauge, tracked services
  - dynsched_services_failing: gauge, tracked services with status failing

Observation:

  - dynsched_observation_cycles_total: periodic enqueue cycles
  - dynsched_observations_total{outcome}: ok, failed, removal
  - dynsched_observation_duration_seconds: histogram per task
  - dynsched_observation_triggers_dropped_total: triggers refused because a
    task was already running or observation was disabled

Removal and cleanup:

  - dynsched_removals_total{result}: removed, frozen, failed
  - dynsched_janitor_volumes_removed_total
  - dynsched_label_persist_failures_total

API:

  - dynsched_grpc_requests_total{method, status}

The gauges are refreshed by a Collector polling a StatsSource (the
scheduler) every interval.

# Health

The process reports four components with UpdateComponent: containerd,
scheduler, api and janitor. The first three are critical (see
SetCriticalComponents):

	component    down means
	containerd   the socket did not answer at start
	scheduler    discovery is running, failed, or shutdown began
	api          the ops listeners are not up
	janitor      the last orphaned volume sweep left entries behind

/health is unhealthy (503) when a critical component is down and degraded
(200) when only the janitor is. /ready is 200 once every critical
component reported healthy; its message names the first one still
missing.

Useful queries:

  - Failure rate: rate(dynsched_observations_total{outcome="failed"}[5m])
  - Frozen services: increase(dynsched_removals_total{result="frozen"}[1h])
  - p95 task time: histogram_quantile(0.95, dynsched_observation_duration_seconds_bucket)
*/
package metrics
