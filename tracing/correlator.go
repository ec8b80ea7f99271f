// Package tracing correlates every step of a screening run under one id.
// It opens and closes spans, records business events and metrics, and knows
// nothing about what the steps do.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrRunEnded       = errors.New("run already ended")
	ErrNoTraceContext = errors.New("nil trace context")
)

// Correlator is implemented by OTelCorrelator and LogCorrelator.
type Correlator interface {
	// BeginRun opens the root span for txID. It fails with ErrDuplicateRun if
	// txID already has a run in flight.
	BeginRun(ctx context.Context, txID string) (context.Context, *TraceContext, error)

	// WithSpan runs fn inside a child span that is closed on every exit path,
	// including a panic, which is re-raised after the span is recorded.
	WithSpan(ctx context.Context, tc *TraceContext, name string, fn func(context.Context) error) error

	// EmitEvent records a business event. No open span is required.
	EmitEvent(ctx context.Context, tc *TraceContext, name string, attrs ...attribute.KeyValue)

	IncCounter(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue)
	ObserveHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue)

	// EndRun closes the root span with the run's final status. A second call
	// returns ErrRunEnded.
	EndRun(ctx context.Context, tc *TraceContext, status string) error
}

// Span runs fn through c.WithSpan and returns fn's typed result.
func Span[T any](ctx context.Context, c Correlator, tc *TraceContext, name string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.WithSpan(ctx, tc, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// SpanStatus is the outcome recorded when a span closes.
type SpanStatus string

const (
	SpanOK        SpanStatus = "ok"
	SpanError     SpanStatus = "error"
	SpanTimeout   SpanStatus = "timeout"
	SpanCancelled SpanStatus = "cancelled"
	SpanPanic     SpanStatus = "panic"
)

// statusOf classifies the error a span body returned.
func statusOf(err error) SpanStatus {
	var timed interface{ Timed() bool }
	switch {
	case err == nil:
		return SpanOK
	case errors.As(err, &timed) && timed.Timed(), errors.Is(err, context.DeadlineExceeded):
		return SpanTimeout
	case errors.Is(err, context.Canceled):
		return SpanCancelled
	default:
		return SpanError
	}
}

// SpanRecord is the closed form of a child span.
type SpanRecord struct {
	Name   string
	Parent string
	Status SpanStatus
	Error  string
	Start  time.Time
	End    time.Time
}

// Duration returns End-Start, or zero while the span is open.
func (s SpanRecord) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// EventRecord is a business event as recorded on the trace.
type EventRecord struct {
	Name       string
	Span       string
	Attributes map[string]string
	Time       time.Time
}

// TraceContext is the per-run trace state. It is created by BeginRun, closed
// by EndRun and never reused.
type TraceContext struct {
	CorrelationID string
	TransactionID string
	RootSpanID    string
	StartedAt     time.Time

	root trace.Span

	mu     sync.Mutex
	spans  []SpanRecord
	events []EventRecord
	status string
	ended  bool
	endAt  time.Time
}

func newTraceContext(correlationID, txID, rootSpanID string, now time.Time) *TraceContext {
	return &TraceContext{
		CorrelationID: correlationID,
		TransactionID: txID,
		RootSpanID:    rootSpanID,
		StartedAt:     now,
	}
}

// Spans returns child spans in the order they were opened.
func (tc *TraceContext) Spans() []SpanRecord {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]SpanRecord, len(tc.spans))
	copy(out, tc.spans)
	return out
}

// Events returns recorded events in emission order.
func (tc *TraceContext) Events() []EventRecord {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := make([]EventRecord, len(tc.events))
	copy(out, tc.events)
	return out
}

// Status returns the status passed to EndRun, or "" while the run is open.
func (tc *TraceContext) Status() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.status
}

func (tc *TraceContext) Ended() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.ended
}

func (tc *TraceContext) openSpan(name, parent string, now time.Time) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.spans = append(tc.spans, SpanRecord{Name: name, Parent: parent, Start: now})
	return len(tc.spans) - 1
}

func (tc *TraceContext) closeSpan(idx int, status SpanStatus, err error, now time.Time) SpanRecord {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	rec := &tc.spans[idx]
	rec.Status = status
	rec.End = now
	if err != nil {
		rec.Error = err.Error()
	}
	return *rec
}

func (tc *TraceContext) addEvent(ev EventRecord) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, ev)
}

// end marks the run closed. It reports false if it already was.
func (tc *TraceContext) end(status string, now time.Time) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.ended {
		return false
	}
	tc.ended = true
	tc.status = status
	tc.endAt = now
	return true
}

type spanNameKey struct{}

func currentSpanName(ctx context.Context) string {
	name, _ := ctx.Value(spanNameKey{}).(string)
	return name
}

// spanCloser finishes the backend half of a span once its record is final.
type spanCloser func(rec SpanRecord, err error)

// runSpan is the WithSpan skeleton shared by both correlators. open starts
// the backend span and returns the context fn should run under.
func runSpan(
	ctx context.Context,
	tc *TraceContext,
	name string,
	now func() time.Time,
	open func(ctx context.Context) (context.Context, spanCloser),
	fn func(context.Context) error,
) (err error) {
	if tc == nil {
		return ErrNoTraceContext
	}

	parent := currentSpanName(ctx)
	ctx, finish := open(ctx)
	idx := tc.openSpan(name, parent, now())
	ctx = context.WithValue(ctx, spanNameKey{}, name)

	var once sync.Once
	closeSpan := func(status SpanStatus, err error) {
		once.Do(func() {
			finish(tc.closeSpan(idx, status, err, now()), err)
		})
	}

	defer func() {
		if r := recover(); r != nil {
			closeSpan(SpanPanic, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	err = fn(ctx)
	closeSpan(statusOf(err), err)
	return err
}

// Metric names recorded by every correlator.
const (
	MetricRuns          = "txscreen.runs"
	MetricRunDuration   = "txscreen.run.duration"
	MetricStageDuration = "txscreen.stage.duration"
)

// Option configures a correlator.
type Option func(*options)

type options struct {
	registry *Registry
	sink     EventSink
	now      func() time.Time
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = NewRegistry(DefaultRegistryLimit)
	}
	return o
}

// WithRegistry shares an in-flight registry between correlators.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithEventSink forwards every business event to sink.
func WithEventSink(sink EventSink) Option {
	return func(o *options) { o.sink = sink }
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// attrMap flattens attributes to strings for events and logs.
func attrMap(attrs []attribute.KeyValue) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	m := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	return m
}
