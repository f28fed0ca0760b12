package tpcd

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	txnBegun         metric.Int64Counter
	txnTerminal      metric.Int64Counter
	phaseDuration    metric.Int64Histogram
	participantCalls metric.Int64Counter
	appendDuration   metric.Int64Histogram
	recoveryTxns     metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/tpcd")
	m := &coordinatorMetrics{}
	var err error

	m.txnBegun, err = meter.Int64Counter(
		"tpcd.txn.begun",
		metric.WithDescription("Transactions created by Begin"),
	)
	logMetricInitError(logger, "tpcd.txn.begun", err)

	m.txnTerminal, err = meter.Int64Counter(
		"tpcd.txn.terminal",
		metric.WithDescription("Transactions reaching a terminal state"),
	)
	logMetricInitError(logger, "tpcd.txn.terminal", err)

	m.phaseDuration, err = meter.Int64Histogram(
		"tpcd.phase.duration",
		metric.WithDescription("Time spent running one 2PC phase across all participants"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tpcd.phase.duration", err)

	m.participantCalls, err = meter.Int64Counter(
		"tpcd.participant.calls",
		metric.WithDescription("Participant calls by phase and outcome"),
	)
	logMetricInitError(logger, "tpcd.participant.calls", err)

	m.appendDuration, err = meter.Int64Histogram(
		"tpcd.decisionlog.append.duration",
		metric.WithDescription("Time spent durably appending a decision log entry"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tpcd.decisionlog.append.duration", err)

	m.recoveryTxns, err = meter.Int64Counter(
		"tpcd.recovery.txns",
		metric.WithDescription("Transactions handled by recovery, by action"),
	)
	logMetricInitError(logger, "tpcd.recovery.txns", err)

	return m
}

func (m *coordinatorMetrics) recordBegin(ctx context.Context) {
	if m == nil || m.txnBegun == nil {
		return
	}
	m.txnBegun.Add(metricContext(ctx), 1)
}

func (m *coordinatorMetrics) recordTerminal(ctx context.Context, state TxnState) {
	if m == nil || m.txnTerminal == nil {
		return
	}
	m.txnTerminal.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("tpcd.txn.state", string(state))))
}

func (m *coordinatorMetrics) recordPhase(ctx context.Context, phase string, duration time.Duration) {
	if m == nil || m.phaseDuration == nil {
		return
	}
	m.phaseDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attribute.String("tpcd.phase", phase)))
}

func (m *coordinatorMetrics) recordParticipantCall(ctx context.Context, phase string, outcome Outcome) {
	if m == nil || m.participantCalls == nil {
		return
	}
	m.participantCalls.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("tpcd.phase", phase),
		attribute.String("tpcd.participant.outcome", string(outcome)),
	))
}

func (m *coordinatorMetrics) recordAppend(ctx context.Context, duration time.Duration, result string) {
	if m == nil || m.appendDuration == nil {
		return
	}
	m.appendDuration.Record(metricContext(ctx), duration.Milliseconds(), metric.WithAttributes(attribute.String("tpcd.result", result)))
}

func (m *coordinatorMetrics) recordRecovery(ctx context.Context, action string) {
	if m == nil || m.recoveryTxns == nil {
		return
	}
	m.recoveryTxns.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("tpcd.recovery.action", action)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
