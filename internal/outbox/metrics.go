package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ivm/outbox")

var (
	// entriesClaimed counts entries moved to PROCESSING.
	entriesClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ivm_outbox_claimed_total",
		Help: "Outbox entries claimed by workers",
	})

	// entriesProcessed counts successful deliveries by event type.
	entriesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_outbox_processed_total",
		Help: "Outbox entries processed successfully by event type",
	}, []string{"event_type"})

	// entriesFailed counts failed deliveries by event type.
	entriesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_outbox_failed_total",
		Help: "Outbox entries whose handler failed by event type",
	}, []string{"event_type"})

	// janitorMoves counts janitor transitions by kind (released, retried, dlq, cleaned).
	janitorMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_outbox_janitor_total",
		Help: "Entries moved by the outbox janitor by kind",
	}, []string{"kind"})

	// handleDuration tracks handler latency by event type.
	handleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ivm_outbox_handle_duration_seconds",
		Help:    "Outbox handler duration by event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
)
