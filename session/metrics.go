package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// callMetrics counts privileged calls by operation.
type callMetrics struct {
	calls  metric.Int64Counter
	errors metric.Int64Counter
}

func newCallMetrics(meter metric.Meter, logger *zap.Logger) *callMetrics {
	m := &callMetrics{}
	var err error

	m.calls, err = meter.Int64Counter(
		"syspmu_privileged_calls_total",
		metric.WithDescription("Privileged control calls issued"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create privileged calls counter", zap.Error(err))
		m.calls = nil
	}

	m.errors, err = meter.Int64Counter(
		"syspmu_privileged_call_errors_total",
		metric.WithDescription("Privileged control calls that failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create privileged call errors counter", zap.Error(err))
		m.errors = nil
	}

	return m
}

func (m *callMetrics) record(op string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op))
	ctx := context.Background()
	if m.calls != nil {
		m.calls.Add(ctx, 1, attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
