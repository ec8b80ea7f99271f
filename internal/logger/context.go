package logger

import (
	"context"
	"log/slog"
)

type runKey struct{}

type runFields struct {
	correlationID string
	transactionID string
}

// WithRun returns a context whose log records carry the run's correlation
// and transaction ids.
func WithRun(ctx context.Context, correlationID, transactionID string) context.Context {
	return context.WithValue(ctx, runKey{}, runFields{correlationID: correlationID, transactionID: transactionID})
}

// CorrelationID returns the correlation id stored by WithRun, if any.
func CorrelationID(ctx context.Context) string {
	if f, ok := ctx.Value(runKey{}).(runFields); ok {
		return f.correlationID
	}
	return ""
}

// With returns Logger annotated with the run fields in ctx.
func With(ctx context.Context) *slog.Logger {
	f, ok := ctx.Value(runKey{}).(runFields)
	if !ok {
		return Logger
	}
	return Logger.With("correlation_id", f.correlationID, "transaction_id", f.transactionID)
}

// runHandler copies run fields from the record's context onto the record, so
// Logger.InfoContext(ctx, ...) is tagged without calling With.
type runHandler struct {
	handler slog.Handler
}

func (h *runHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *runHandler) Handle(ctx context.Context, r slog.Record) error {
	if f, ok := ctx.Value(runKey{}).(runFields); ok {
		r.AddAttrs(
			slog.String("correlation_id", f.correlationID),
			slog.String("transaction_id", f.transactionID),
		)
	}
	return h.handler.Handle(ctx, r)
}

func (h *runHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &runHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *runHandler) WithGroup(name string) slog.Handler {
	return &runHandler{handler: h.handler.WithGroup(name)}
}
