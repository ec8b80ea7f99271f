package tracing

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/liamcoop/txscreen/internal/logger"
	"go.opentelemetry.io/otel/attribute"
)

// LogCorrelator writes spans, events and metrics as JSON lines. It keeps
// metric aggregates in memory so they can be inspected with Snapshot.
type LogCorrelator struct {
	log  *slog.Logger
	opts options

	mu         sync.Mutex
	counters   map[string]int64
	histograms map[string]HistogramSummary
}

var _ Correlator = (*LogCorrelator)(nil)

// HistogramSummary aggregates the observations of one histogram series.
type HistogramSummary struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// MetricSnapshot is a copy of a LogCorrelator's aggregates. Series keys are
// the metric name followed by its encoded attributes in braces, if any.
type MetricSnapshot struct {
	Counters   map[string]int64
	Histograms map[string]HistogramSummary
}

func NewLogCorrelator(w io.Writer, opts ...Option) *LogCorrelator {
	return &LogCorrelator{
		log:        slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})),
		opts:       newOptions(opts),
		counters:   make(map[string]int64),
		histograms: make(map[string]HistogramSummary),
	}
}

func (c *LogCorrelator) BeginRun(ctx context.Context, txID string) (context.Context, *TraceContext, error) {
	if err := c.opts.registry.Acquire(txID); err != nil {
		return ctx, nil, err
	}
	correlationID := uuid.NewString()
	tc := newTraceContext(correlationID, txID, correlationID, c.opts.now())

	c.log.LogAttrs(ctx, slog.LevelInfo, "run.begin",
		slog.String("correlation_id", correlationID),
		slog.String("transaction_id", txID),
		slog.Time("start", tc.StartedAt),
	)
	return logger.WithRun(ctx, correlationID, txID), tc, nil
}

func (c *LogCorrelator) WithSpan(ctx context.Context, tc *TraceContext, name string, fn func(context.Context) error) error {
	return runSpan(ctx, tc, name, c.opts.now, func(ctx context.Context) (context.Context, spanCloser) {
		return ctx, func(rec SpanRecord, err error) {
			level := slog.LevelInfo
			if err != nil {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("correlation_id", tc.CorrelationID),
				slog.String("transaction_id", tc.TransactionID),
				slog.String("span", rec.Name),
				slog.String("parent", rec.Parent),
				slog.String("status", string(rec.Status)),
				slog.Time("start", rec.Start),
				slog.Time("end", rec.End),
				slog.Float64("duration_ms", float64(rec.Duration().Microseconds())/1000),
			}
			if rec.Error != "" {
				attrs = append(attrs, slog.String("error", rec.Error))
			}
			c.log.LogAttrs(context.WithoutCancel(ctx), level, "span", attrs...)
			c.ObserveHistogram(ctx, MetricStageDuration, rec.Duration().Seconds(),
				attribute.String("stage", name),
				attribute.String("status", string(rec.Status)),
			)
		}
	}, fn)
}

func (c *LogCorrelator) EmitEvent(ctx context.Context, tc *TraceContext, name string, attrs ...attribute.KeyValue) {
	if tc == nil {
		return
	}
	ev := EventRecord{Name: name, Span: currentSpanName(ctx), Attributes: attrMap(attrs), Time: c.opts.now()}
	tc.addEvent(ev)

	logAttrs := []slog.Attr{
		slog.String("correlation_id", tc.CorrelationID),
		slog.String("transaction_id", tc.TransactionID),
		slog.String("event", name),
	}
	if ev.Span != "" {
		logAttrs = append(logAttrs, slog.String("span", ev.Span))
	}
	if len(attrs) > 0 {
		logAttrs = append(logAttrs, slog.Any("attributes", ev.Attributes))
	}
	c.log.LogAttrs(context.WithoutCancel(ctx), slog.LevelInfo, "event", logAttrs...)

	publish(ctx, c.opts.sink, Event{
		CorrelationID: tc.CorrelationID,
		TransactionID: tc.TransactionID,
		Name:          ev.Name,
		Span:          ev.Span,
		Attributes:    ev.Attributes,
		Time:          ev.Time,
	})
}

func (c *LogCorrelator) IncCounter(ctx context.Context, name string, delta int64, attrs ...attribute.KeyValue) {
	key := seriesKey(name, attrs)
	c.mu.Lock()
	c.counters[key] += delta
	c.mu.Unlock()

	c.log.LogAttrs(context.WithoutCancel(ctx), slog.LevelDebug, "metric",
		slog.String("series", key),
		slog.String("kind", "counter"),
		slog.Int64("delta", delta),
	)
}

func (c *LogCorrelator) ObserveHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	key := seriesKey(name, attrs)
	c.mu.Lock()
	h, ok := c.histograms[key]
	if !ok {
		h = HistogramSummary{Min: math.Inf(1), Max: math.Inf(-1)}
	}
	h.Count++
	h.Sum += value
	h.Min = math.Min(h.Min, value)
	h.Max = math.Max(h.Max, value)
	c.histograms[key] = h
	c.mu.Unlock()

	c.log.LogAttrs(context.WithoutCancel(ctx), slog.LevelDebug, "metric",
		slog.String("series", key),
		slog.String("kind", "histogram"),
		slog.Float64("value", value),
	)
}

func (c *LogCorrelator) EndRun(ctx context.Context, tc *TraceContext, status string) error {
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

	c.log.LogAttrs(context.WithoutCancel(ctx), slog.LevelInfo, "run.end",
		slog.String("correlation_id", tc.CorrelationID),
		slog.String("transaction_id", tc.TransactionID),
		slog.String("status", status),
		slog.Float64("duration_ms", float64(now.Sub(tc.StartedAt).Microseconds())/1000),
	)
	return nil
}

// Snapshot copies the current metric aggregates.
func (c *LogCorrelator) Snapshot() MetricSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := MetricSnapshot{
		Counters:   make(map[string]int64, len(c.counters)),
		Histograms: make(map[string]HistogramSummary, len(c.histograms)),
	}
	for k, v := range c.counters {
		s.Counters[k] = v
	}
	for k, v := range c.histograms {
		s.Histograms[k] = v
	}
	return s
}

func seriesKey(name string, attrs []attribute.KeyValue) string {
	if len(attrs) == 0 {
		return name
	}
	set := attribute.NewSet(attrs...)
	return name + "{" + set.Encoded(attribute.DefaultEncoder()) + "}"
}
