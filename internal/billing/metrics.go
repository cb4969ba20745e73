package billing

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts billing commands by outcome.
type Metrics struct {
	operations *prometheus.CounterVec
}

// NewMetrics registers billing collectors against registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coachdesk_billing_operations_total",
		Help: "Billing commands partitioned by operation and outcome.",
	}, []string{"operation", "outcome"})
	registerer.MustRegister(operations)
	return &Metrics{operations: operations}
}

func (m *Metrics) observe(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrClientNotFound), errors.Is(err, ErrPlanNotFound):
		return "not_found"
	case errors.Is(err, ErrNoActivePlan):
		return "no_active_plan"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, ErrDuplicatePayment):
		return "duplicate"
	default:
		return "storage_failure"
	}
}
