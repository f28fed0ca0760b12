// Package retry wraps a decision log so transient backend errors are retried
// with exponential backoff.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/decisionlog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a log that retries transient errors according to cfg.
func Wrap(inner decisionlog.Log, logger pslog.Logger, clk clock.Clock, cfg Config) decisionlog.Log {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &log{inner: inner, logger: logger, clock: clock.Or(clk), cfg: cfg}
}

type log struct {
	inner  decisionlog.Log
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (l *log) Append(ctx context.Context, entry decisionlog.Entry) (decisionlog.Entry, error) {
	var stored decisionlog.Entry
	err := l.withRetry(ctx, "append", entry.TxnID, func(ctx context.Context) error {
		var err error
		stored, err = l.inner.Append(ctx, entry)
		return err
	})
	return stored, err
}

func (l *log) ReadAll(ctx context.Context) ([]decisionlog.Entry, error) {
	var entries []decisionlog.Entry
	err := l.withRetry(ctx, "read_all", "", func(ctx context.Context) error {
		var err error
		entries, err = l.inner.ReadAll(ctx)
		return err
	})
	return entries, err
}

func (l *log) Close() error {
	return l.inner.Close()
}

func (l *log) withRetry(ctx context.Context, op, txnID string, fn func(context.Context) error) error {
	attempts := l.cfg.MaxAttempts
	delay := l.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !decisionlog.IsTransient(err) || attempt == attempts {
			return err
		}
		l.logger.Warn("decisionlog.retry.transient",
			"operation", op,
			"txn_id", txnID,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := clock.Wait(ctx, l.clock, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * l.cfg.Multiplier)
		if next > l.cfg.MaxDelay {
			next = l.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
