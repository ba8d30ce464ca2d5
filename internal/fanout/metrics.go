package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ivm/fanout")

var (
	// runsTotal counts fanout runs by final status.
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_fanout_runs_total",
		Help: "Fanout runs by status",
	}, []string{"status"})

	// targetsTotal counts downstream targets by outcome.
	targetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_fanout_targets_total",
		Help: "Fanout targets by outcome (processed, skipped, failed, deferred)",
	}, []string{"outcome"})

	// circuitTrips counts circuit breaker refusals by action.
	circuitTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_fanout_circuit_trips_total",
		Help: "Dependencies refused by the circuit breaker by action",
	}, []string{"action"})

	// dedupSkips counts requests dropped by the dedup window.
	dedupSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ivm_fanout_dedup_skips_total",
		Help: "Fanout requests skipped as duplicates within the dedup window",
	})

	// inflight tracks dependency fanouts holding the semaphore.
	inflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ivm_fanout_inflight",
		Help: "Dependency fanouts currently in flight",
	})
)
