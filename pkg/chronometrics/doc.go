/*
Package chronometrics provides Prometheus instrumentation and health
endpoints for a Chronos-DB server process, adapted from the teacher's
pkg/metrics (gauge/counter/histogram declarations registered at package
init, a Timer helper, and an HTTP health/readiness surface), retargeted
from cluster-wide concerns (nodes, Raft, ingress) onto engine operation
latency, lock contention, externalization/blob throughput, and fallback
queue health.

# Metrics Catalog

Engine operations:

	chronos_operation_duration_seconds{collection,operation}  - histogram
	chronos_operations_total{collection,operation,outcome}    - counter

Lock contention:

	chronos_lock_acquire_duration_seconds{collection} - histogram
	chronos_lock_conflicts_total{collection}          - counter
	chronos_locks_held{collection}                    - gauge
	chronos_locks_reaped_total{collection}            - counter

Externalization / blob store:

	chronos_externalized_fields_total{collection} - counter
	chronos_blob_put_duration_seconds{collection} - histogram
	chronos_blob_get_duration_seconds{collection} - histogram

Fallback queue:

	chronos_fallback_queue_depth                  - gauge
	chronos_fallback_operation_age_seconds        - histogram
	chronos_fallback_replays_total{kind,outcome}  - counter
	chronos_fallback_dead_letters_total{kind}     - counter

Restore:

	chronos_restore_duration_seconds{scope}   - histogram, scope is "object" or "collection"
	chronos_restore_items_total{outcome}      - counter

# Usage

	timer := chronometrics.NewTimer()
	res, err := eng.Create(ctx, in)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	timer.ObserveDurationVec(chronometrics.OperationDuration, collection, "create")
	chronometrics.OperationsTotal.WithLabelValues(collection, "create", outcome).Inc()

# Health

UpdateComponent records the health of a named dependency ("mongo",
"blobstore", "lock-reaper", "fallback-worker"); HealthHandler,
ReadyHandler, and LivenessHandler expose /healthz, /readyz, and /livez
for a process supervisor or load balancer.
*/
package chronometrics
