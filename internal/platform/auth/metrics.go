package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

type otelRecorder struct {
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewOTelMetricsRecorder reports auth.verifications and auth.verification.duration on the meter.
func NewOTelMetricsRecorder(meter metric.Meter) (MetricsRecorder, error) {
	attempts, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Credential verification attempts by kind and outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.verification.duration",
		metric.WithDescription("Credential verification latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &otelRecorder{attempts: attempts, latency: latency}, nil
}

func (r *otelRecorder) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("auth.kind", kind),
		attribute.Bool("auth.success", success),
		attribute.String("auth.reason", reason),
	)
	r.attempts.Add(ctx, 1, attrs)
	r.latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}
