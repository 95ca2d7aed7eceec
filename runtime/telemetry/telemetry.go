// Package telemetry defines the observability facade used across the
// orchestration core. Subsystems log and record metrics through these
// interfaces so hosts can wire goa.design/clue and OpenTelemetry (the provided
// implementations) or substitute their own.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges with string tag pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer creates spans around orchestration phases.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
	}

	nopLogger  struct{}
	nopMetrics struct{}
	nopTracer  struct{}
)

// NopLogger returns a Logger that discards all records.
func NopLogger() Logger { return nopLogger{} }

// NopMetrics returns a Metrics recorder that discards all measurements.
func NopMetrics() Metrics { return nopMetrics{} }

// NopTracer returns a Tracer that produces no-op spans.
func NopTracer() Tracer { return nopTracer{} }

func (nopLogger) Debug(context.Context, string, ...any) {}
func (nopLogger) Info(context.Context, string, ...any)  {}
func (nopLogger) Warn(context.Context, string, ...any)  {}
func (nopLogger) Error(context.Context, string, ...any) {}

func (nopMetrics) IncCounter(string, float64, ...string)          {}
func (nopMetrics) RecordTimer(string, time.Duration, ...string)   {}
func (nopMetrics) RecordGauge(string, float64, ...string)         {}

func (nopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}
