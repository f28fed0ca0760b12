// Package logging decorates a decision log with OpenTelemetry spans and
// trace/debug logging.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/decisionlog"
)

type log struct {
	inner   decisionlog.Log
	logger  pslog.Logger
	tracer  trace.Tracer
	backend string
}

// Wrap decorates inner. backend names the store kind (disk, s3, ...).
func Wrap(inner decisionlog.Log, logger pslog.Logger, backend string) decisionlog.Log {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &log{
		inner:   inner,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/tpcd/decisionlog"),
		backend: backend,
	}
}

func (l *log) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, func(string, error)) {
	begin := time.Now()
	ctx, span := l.tracer.Start(ctx, "tpcd.decisionlog."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("tpcd.decisionlog.operation", op),
		attribute.String("tpcd.decisionlog.backend", l.backend),
	)
	logger := l.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	return ctx, span, logger, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "decisionlog_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("tpcd.decisionlog.end", trace.WithAttributes(
			attribute.String("tpcd.decisionlog.result", result),
			attribute.Int64("tpcd.decisionlog.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (l *log) Append(ctx context.Context, e decisionlog.Entry) (decisionlog.Entry, error) {
	ctx, span, logger, finish := l.start(ctx, "append")
	defer span.End()
	span.SetAttributes(
		attribute.String("tpcd.txn_id", e.TxnID),
		attribute.String("tpcd.decisionlog.kind", string(e.Kind)),
	)
	begin := time.Now()
	stored, err := l.inner.Append(ctx, e)
	if err != nil {
		finish("error", err)
		logger.Debug("decisionlog.append.error", "txn_id", e.TxnID, "event", e.Event(), "error", err, "elapsed", time.Since(begin))
		return stored, err
	}
	span.SetAttributes(attribute.Int64("tpcd.decisionlog.seq", int64(stored.Seq)))
	finish("ok", nil)
	logger.Trace("decisionlog.append.success", "txn_id", e.TxnID, "event", e.Event(), "seq", stored.Seq, "elapsed", time.Since(begin))
	return stored, nil
}

func (l *log) ReadAll(ctx context.Context) ([]decisionlog.Entry, error) {
	ctx, span, logger, finish := l.start(ctx, "read_all")
	defer span.End()
	begin := time.Now()
	entries, err := l.inner.ReadAll(ctx)
	if err != nil {
		finish("error", err)
		logger.Debug("decisionlog.read_all.error", "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	span.SetAttributes(attribute.Int("tpcd.decisionlog.entries", len(entries)))
	finish("ok", nil)
	logger.Debug("decisionlog.read_all.success", "entries", len(entries), "elapsed", time.Since(begin))
	return entries, nil
}

func (l *log) Close() error {
	return l.inner.Close()
}
