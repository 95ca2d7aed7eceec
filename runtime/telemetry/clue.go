package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const scope = "github.com/loomworks/loom/runtime"

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings are read from the context (set via log.Context).
	ClueLogger struct{}

	// OTELMetrics records measurements through the global OTEL MeterProvider.
	OTELMetrics struct {
		meter metric.Meter
	}

	// OTELTracer creates spans through the global OTEL TracerProvider.
	OTELTracer struct {
		tracer trace.Tracer
	}
)

// NewClueLogger constructs a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

// NewOTELMetrics constructs a Metrics recorder backed by the global OTEL
// MeterProvider. Configure the provider before dispatching plans.
func NewOTELMetrics() Metrics { return &OTELMetrics{meter: otel.Meter(scope)} }

// NewOTELTracer constructs a Tracer backed by the global OTEL TracerProvider.
func NewOTELTracer() Tracer { return &OTELTracer{tracer: otel.Tracer(scope)} }

// Debug emits a debug-level record.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level record.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level record.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level record.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fielders(msg, keyvals)...)
}

// IncCounter increments a counter by value.
func (m *OTELMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

// RecordTimer records a duration histogram in seconds.
func (m *OTELMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attrs(tags)...))
}

// RecordGauge records a gauge value. OTEL lacks synchronous gauges so a
// histogram stands in.
func (m *OTELMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

// Start opens a span.
func (t *OTELTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// fielders converts (msg, k1, v1, ...) into clue Fielders. Non-string keys are
// skipped; a trailing unpaired key maps to nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var val any
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}
		out = append(out, log.KV{K: key, V: val})
	}
	return out
}

// attrs converts tag pairs (k1, v1, ...) into OTEL attributes; a trailing
// unpaired key maps to the empty string.
func attrs(tags []string) []attribute.KeyValue {
	var out []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		out = append(out, attribute.String(tags[i], v))
	}
	return out
}
