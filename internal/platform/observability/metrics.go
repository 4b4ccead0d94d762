package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/storefront/orderflow"

// Metrics holds the business counters exported through OpenTelemetry.
type Metrics struct {
	transitions   metric.Int64Counter
	paymentEvents metric.Int64Counter
	jobs          metric.Int64Counter
}

// NewMetrics registers counters on meter, or the global meter provider when meter is nil.
// Registration failures are logged and leave the counter disabled.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var err error
	if m.transitions, err = meter.Int64Counter("orderflow.order_transitions",
		metric.WithDescription("Order transition requests by source, target and outcome")); err != nil {
		logger.Warn("metrics: register order_transitions", zap.Error(err))
	}
	if m.paymentEvents, err = meter.Int64Counter("orderflow.payment_events",
		metric.WithDescription("Payment provider events by provider and outcome")); err != nil {
		logger.Warn("metrics: register payment_events", zap.Error(err))
	}
	if m.jobs, err = meter.Int64Counter("orderflow.scheduled_jobs",
		metric.WithDescription("Scheduled job executions by kind and final state")); err != nil {
		logger.Warn("metrics: register scheduled_jobs", zap.Error(err))
	}
	return m
}

// RecordTransition counts one transition attempt.
func (m *Metrics) RecordTransition(ctx context.Context, from, to, outcome string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("outcome", outcome),
	))
}

// RecordPaymentEvent counts one reconciled webhook.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, outcome string) {
	if m == nil || m.paymentEvents == nil {
		return
	}
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordJob counts one job execution.
func (m *Metrics) RecordJob(ctx context.Context, kind, state string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("state", state),
	))
}
