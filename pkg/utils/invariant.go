// Invariants are conditions that must hold unless the code has a bug, e.g. a constructor receiving a negative size
// from another piece of our own code. A violation logs an error and bumps the kvcache_invariants_total counter, which
// operators alert on, instead of crashing the daemon. The caller still has to recover from the bad state, usually by
// falling back to a sane default or returning early.
//
// Conditions that depend on the outside world, such as a Redis server being unreachable, are errors, not invariants.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kvcache_invariants_total",
	Help: "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

// RaiseInvariant records a violation of `invariantType` in `module`. Binaries built with TestMode=true panic instead,
// so that violations fail tests loudly.
func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns how many times `invariantType` has been raised in `module`.
func GetMetricValue(module, invariantType string) int {
	metric := &promclient.Metric{}
	if err := invariantsMetric.WithLabelValues(module, invariantType).Write(metric); err != nil {
		slog.Error("Failed to read invariant metric.", "module", module, "type", invariantType, "error", err)
		return 0
	}
	return int(metric.GetCounter().GetValue())
}
