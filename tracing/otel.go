package tracing

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/liamcoop/txscreen/internal/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/liamcoop/txscreen/tracing"

// RootSpanName names the span that covers a whole run.
const RootSpanName = "screening.run"

// failedStatus is the run status that marks the root span as an error.
const failedStatus = "FAILED"

// OTelCorrelator exports runs as OpenTelemetry traces and metrics. The
// correlation id is the run's trace id.
type OTelCorrelator struct {
	tracer trace.Tracer
	meter  metric.Meter
	opts   options

	counters   sync.Map // name -> metric.Int64Counter
	histograms sync.Map // name -> metric.Float64Histogram
}

var _ Correlator = (*OTelCorrelator)(nil)

func NewOTelCorrelator(tp trace.TracerProvider, mp metric.MeterProvider, opts ...Option) *OTelCorrelator {
	return &OTelCorrelator{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		opts:   newOptions(opts),
	}
}

func (c *OTelCorrelator) BeginRun(ctx context.Context, txID string) (context.Context, *TraceContext, error) {
	if err := c.opts.registry.Acquire(txID); err != nil {
		return ctx, nil, err
	}

	startOpts := []trace.SpanStartOption{
		trace.WithNewRoot(),
		trace.WithAttributes(attribute.String("transaction.id", txID)),
	}
	// An inbound trace (e.g. the HTTP request) is linked, not adopted, so each
	// run keeps its own trace id.
	if parent := trace.SpanContextFromContext(ctx); parent.IsValid() {
		startOpts = append(startOpts, trace.WithLinks(trace.Link{SpanContext: parent}))
	}
	ctx, span := c.tracer.Start(ctx, RootSpanName, startOpts...)

	sc := span.SpanContext()
	correlationID := sc.TraceID().String()
	rootID := sc.SpanID().String()
	if !sc.TraceID().IsValid() {
		correlationID = uuid.NewString()
		rootID = correlationID
	}
	span.SetAttributes(attribute.String("correlation.id", correlationID))

	tc := newTraceContext(correlationID, txID, rootID, c.opts.now())
	tc.root = span
	return logger.WithRun(ctx, correlationID, txID), tc, nil
}

func (c *OTelCorrelator) WithSpan(ctx context.Context, tc *TraceContext, name string, fn func(context.Context) error) error {
	if tc == nil {
		return ErrNoTraceContext
	}
	// A context that lost the root span still parents under it.
	if !trace.SpanContextFromContext(ctx).IsValid() && tc.root != nil {
		ctx = trace.ContextWithSpan(ctx, tc.root)
	}

	return runSpan(ctx, tc, name, c.opts.now, func(ctx context.Context) (context.Context, spanCloser) {
		ctx, span := c.tracer.Start(ctx, name)
		return ctx, func(rec SpanRecord, err error) {
			span.SetAttributes(attribute.String("span.status", string(rec.Status)))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, string(rec.Status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			span.End()
			c.ObserveHistogram(ctx, MetricStageDuration, rec.Duration().Seconds(),
				attribute.String("stage", name),
				attribute.String("status", string(rec.Status)),
			)
		}
	}, fn)
}

func (c *OTelCorrelator) EmitEvent(ctx context.Context, tc *TraceContext, name string, attrs ...attribute.KeyValue) {
	if tc == nil {
		return
	}
	now := c.opts.now()

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() && tc.root != nil {
		span = tc.root
	}
	span.AddEvent(name, trace.WithAttributes(attrs...), trace.WithTimestamp(now))

	ev := EventRecord{Name: name, Span: currentSpanName(ctx), Attributes: attrMap(attrs), Time: now}
	tc.addEvent(ev)
	publish(ctx, c.opts.sink, Event{
		CorrelationID: tc.CorrelationID,
		TransactionID: tc.TransactionID,
		Name:          ev.Name,
		Span:          ev.Span,
		Attributes:    ev.Attributes,
		Time:          ev.Time,
	})
}

func (c *OTelCorrelator) IncCounter(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	counter, err := c.counter(name)
	if err != nil {
		logger.Warn("failed to create counter", "name", name, "error", err)
		return
	}
	counter.Add(context.WithoutCancel(ctx), delta, metric.WithAttributes(attrs...))
}

func (c *OTelCorrelator) ObserveHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	hist, err := c.histogram(name)
	if err != nil {
		logger.Warn("failed to create histogram", "name", name, "error", err)
		return
	}
	hist.Record(context.WithoutCancel(ctx), value, metric.WithAttributes(attrs...))
}

func (c *OTelCorrelator) EndRun(ctx context.Context, tc *TraceContext, status string) error {
	if tc == nil {
		return ErrNoTraceContext
	}
	now := c.opts.now()
	if !tc.end(status, now) {
		return ErrRunEnded
	}
	defer c.opts.registry.Release(tc.TransactionID)

	statusAttr := attribute.String("status", status)
	c.IncCounter(ctx, MetricRuns, 1, statusAttr)
	c.ObserveHistogram(ctx, MetricRunDuration, now.Sub(tc.StartedAt).Seconds(), statusAttr)

	if tc.root != nil {
		tc.root.SetAttributes(attribute.String("run.status", status))
		if status == failedStatus {
			tc.root.SetStatus(codes.Error, status)
		} else {
			tc.root.SetStatus(codes.Ok, status)
		}
		tc.root.End()
	}
	return nil
}

func (c *OTelCorrelator) counter(name string) (metric.Int64Counter, error) {
	if v, ok := c.counters.Load(name); ok {
		return v.(metric.Int64Counter), nil
	}
	counter, err := c.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	v, _ := c.counters.LoadOrStore(name, counter)
	return v.(metric.Int64Counter), nil
}

func (c *OTelCorrelator) histogram(name string) (metric.Float64Histogram, error) {
	if v, ok := c.histograms.Load(name); ok {
		return v.(metric.Float64Histogram), nil
	}
	hist, err := c.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	v, _ := c.histograms.LoadOrStore(name, hist)
	return v.(metric.Float64Histogram), nil
}
