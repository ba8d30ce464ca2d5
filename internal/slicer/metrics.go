package slicer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("ivm/slicer")

var (
	// slicesProduced counts slices built, by slice type and mode.
	slicesProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_slicer_slices_total",
		Help: "Slices produced by slice type and mode",
	}, []string{"slice_type", "mode"})

	// sliceErrors counts failed slice operations by error code.
	sliceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_slicer_errors_total",
		Help: "Failed slice operations by error code",
	}, []string{"code"})

	// joinLookups counts join resolutions by outcome.
	joinLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ivm_slicer_join_lookups_total",
		Help: "Join lookups by outcome (resolved, missing, skipped)",
	}, []string{"outcome"})
)
