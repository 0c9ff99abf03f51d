package observe

import (
	"context"
	"time"
)

// Recorder receives metric samples from the dispatch pipeline.
// Params: metric name, label set, and sample value.
// Returns: recording side effects in the injected backend.
type Recorder interface {
	RecordDuration(name string, labels map[string]string, value time.Duration)
	RecordCounter(name string, labels map[string]string, delta int64)
	RecordValue(name string, labels map[string]string, value float64)
}

// Span is one open trace span.
// Params: tag/event mutators and terminal End call.
// Returns: span side effects in the injected tracer backend.
type Span interface {
	SetTag(key, value string)
	AddEvent(name string)
	End(err error)
}

// Tracer opens spans around pipeline phases.
// Params: parent context and span name.
// Returns: child context and open span.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// NopRecorder discards all metric samples.
// Params: none.
// Returns: no-op recorder for callers without a metrics backend.
type NopRecorder struct{}

// RecordDuration discards one duration sample.
// Params: ignored.
// Returns: nothing.
func (NopRecorder) RecordDuration(string, map[string]string, time.Duration) {}

// RecordCounter discards one counter increment.
// Params: ignored.
// Returns: nothing.
func (NopRecorder) RecordCounter(string, map[string]string, int64) {}

// RecordValue discards one gauge sample.
// Params: ignored.
// Returns: nothing.
func (NopRecorder) RecordValue(string, map[string]string, float64) {}

// NopTracer produces spans that record nothing.
// Params: none.
// Returns: no-op tracer for callers without a tracing backend.
type NopTracer struct{}

// StartSpan returns the parent context and a no-op span.
// Params: parent context and ignored span name.
// Returns: unchanged context and inert span.
func (NopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, nopSpan{}
}

type nopSpan struct{}

func (nopSpan) SetTag(string, string) {}
func (nopSpan) AddEvent(string)       {}
func (nopSpan) End(error)             {}
