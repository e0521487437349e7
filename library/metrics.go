package library

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the manager's Prometheus collectors. They are registered on
// the registerer passed to the manager so tests can use a private registry.
type metrics struct {
	// circulation counts borrow/return attempts.
	// Labels: op (borrow, return), outcome (ok, not_found, not_available, ...)
	circulation *prometheus.CounterVec

	// notifications counts generated notifications.
	// Labels: type (due_reminder, overdue_notice)
	notifications *prometheus.CounterVec

	// dispatchFailures counts notifications the dispatcher could not deliver.
	dispatchFailures prometheus.Counter

	// sweeps counts overdue sweep runs and sweepUpdated the rows they touched.
	sweeps       prometheus.Counter
	sweepUpdated prometheus.Counter

	// txDuration measures mutating operation latency.
	// Labels: op
	txDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		circulation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "library",
			Subsystem: "circulation",
			Name:      "operations_total",
			Help:      "Borrow and return attempts by outcome",
		}, []string{"op", "outcome"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "library",
			Subsystem: "notifications",
			Name:      "generated_total",
			Help:      "Notifications written to the outbox",
		}, []string{"type"}),
		dispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "library",
			Subsystem: "notifications",
			Name:      "dispatch_failures_total",
			Help:      "Notifications the dispatcher failed to deliver",
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: "library",
			Subsystem: "overdue",
			Name:      "sweeps_total",
			Help:      "Overdue sweep runs",
		}),
		sweepUpdated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "library",
			Subsystem: "overdue",
			Name:      "records_updated_total",
			Help:      "Open records refreshed by overdue sweeps",
		}),
		txDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "library",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Latency of mutating store operations",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
	}
}

// outcome maps an operation error to a metric label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsValidation(err):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotAvailable):
		return "not_available"
	case errors.Is(err, ErrAlreadyReturned):
		return "already_returned"
	case errors.Is(err, ErrInconsistentState):
		return "inconsistent"
	default:
		return "error"
	}
}
