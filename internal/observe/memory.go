package observe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRecorder accumulates metric samples in process memory.
// Params: guarded counter/duration/value maps keyed by name+labels.
// Returns: inspectable recorder used by tests and local diagnostics.
type MemoryRecorder struct {
	mu        sync.Mutex
	counters  map[string]int64
	durations map[string][]time.Duration
	values    map[string][]float64
}

// NewMemoryRecorder creates an empty in-memory recorder.
// Params: none.
// Returns: initialized recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		counters:  make(map[string]int64),
		durations: make(map[string][]time.Duration),
		values:    make(map[string][]float64),
	}
}

// RecordDuration stores one duration sample.
// Params: metric name, labels, and sample.
// Returns: sample appended under the series key.
func (r *MemoryRecorder) RecordDuration(name string, labels map[string]string, value time.Duration) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[key] = append(r.durations[key], value)
}

// RecordCounter adds one counter increment.
// Params: metric name, labels, and delta.
// Returns: counter mutated under the series key.
func (r *MemoryRecorder) RecordCounter(name string, labels map[string]string, delta int64) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key] += delta
}

// RecordValue stores one gauge sample.
// Params: metric name, labels, and value.
// Returns: sample appended under the series key.
func (r *MemoryRecorder) RecordValue(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = append(r.values[key], value)
}

// Counter returns accumulated counter value for one series.
// Params: metric name and labels.
// Returns: counter total (0 for unknown series).
func (r *MemoryRecorder) Counter(name string, labels map[string]string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[seriesKey(name, labels)]
}

// DurationCount returns sample count for one duration series.
// Params: metric name and labels.
// Returns: recorded sample count.
func (r *MemoryRecorder) DurationCount(name string, labels map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.durations[seriesKey(name, labels)])
}

// Values returns recorded gauge samples for one series.
// Params: metric name and labels.
// Returns: sample copy.
func (r *MemoryRecorder) Values(name string, labels map[string]string) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values[seriesKey(name, labels)]...)
}

// seriesKey builds deterministic series identity from name and sorted labels.
// Params: metric name and label set.
// Returns: stable series key string.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(name)
	for _, key := range keys {
		builder.WriteString("|")
		builder.WriteString(key)
		builder.WriteString("=")
		builder.WriteString(labels[key])
	}
	return builder.String()
}

// MemorySpan is one recorded span with its tags and events.
// Params: span name, tag map, event list, and terminal error text.
// Returns: inspectable span record.
type MemorySpan struct {
	Name   string
	Tags   map[string]string
	Events []string
	Err    string
	Ended  bool

	tracer *MemoryTracer
}

// SetTag stores one span tag.
// Params: tag key and value.
// Returns: tag recorded on the span.
func (s *MemorySpan) SetTag(key, value string) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.Tags[key] = value
}

// AddEvent appends one span event.
// Params: event name.
// Returns: event recorded on the span.
func (s *MemorySpan) AddEvent(name string) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.Events = append(s.Events, name)
}

// End closes the span with an optional error.
// Params: terminal error (nil for success).
// Returns: span marked ended.
func (s *MemorySpan) End(err error) {
	s.tracer.mu.Lock()
	defer s.tracer.mu.Unlock()
	s.Ended = true
	if err != nil {
		s.Err = err.Error()
	}
}

// MemoryTracer records spans in process memory.
// Params: guarded span list.
// Returns: inspectable tracer used by tests.
type MemoryTracer struct {
	mu    sync.Mutex
	spans []*MemorySpan
}

// NewMemoryTracer creates an empty in-memory tracer.
// Params: none.
// Returns: initialized tracer.
func NewMemoryTracer() *MemoryTracer {
	return &MemoryTracer{}
}

// StartSpan opens one recorded span.
// Params: parent context and span name.
// Returns: unchanged context and the open span.
func (t *MemoryTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	span := &MemorySpan{
		Name:   name,
		Tags:   make(map[string]string),
		tracer: t,
	}
	t.mu.Lock()
	t.spans = append(t.spans, span)
	t.mu.Unlock()
	return ctx, span
}

// Spans returns recorded spans in start order.
// Params: none.
// Returns: span slice copy.
func (t *MemoryTracer) Spans() []*MemorySpan {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*MemorySpan(nil), t.spans...)
}

// LastSpan returns the most recently started span.
// Params: none.
// Returns: last span or error when none recorded.
func (t *MemoryTracer) LastSpan() (*MemorySpan, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) == 0 {
		return nil, fmt.Errorf("no spans recorded")
	}
	return t.spans[len(t.spans)-1], nil
}
