package tpcd

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"pkt.systems/tpcd/internal/decisionlog"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/participant"
)

// Recovery actions, also used as metric attributes.
const (
	recoveryRestored   = "restored"
	recoveryExpired    = "expired"
	recoveryAborted    = "aborted"
	recoveryCommitted  = "recommitted"
	recoveryRolledBack = "rerolled_back"
	recoverySkipped    = "skipped"
)

// RecoveryReport summarises one Recover pass.
type RecoveryReport struct {
	// Scanned is the number of transactions found in the log.
	Scanned int
	// Restored counts finished transactions reloaded for idempotent queries.
	Restored int
	// Expired counts finished transactions older than the retention window.
	Expired int
	// Aborted counts transactions without a decision that were rolled back.
	Aborted int
	// Recommitted counts COMMIT decisions that were re-driven.
	Recommitted int
	// RolledBack counts ABORT decisions that were re-driven.
	RolledBack int
	// Skipped counts transactions already live in this coordinator.
	Skipped int
	// Failed lists transactions that ended failed during recovery.
	Failed []string
}

// Recover replays the decision log and finishes every transaction left
// unfinished:
//
//   - no DECISION: log DECISION:ABORT and roll every participant back;
//   - DECISION:COMMIT without a terminal entry: re-issue commit to all;
//   - DECISION:ABORT without a terminal entry: re-issue rollback to all.
//
// Finished transactions inside the retention window are restored so
// duplicate Commit calls keep their answer. Open calls Recover before the
// coordinator accepts new work.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if c.closed.Load() {
		return report, ErrClosed
	}
	ctx, span := c.tracer.Start(ctx, "tpcd.recovery")
	defer span.End()
	logger := svcfields.WithSubsystem(c.logger, svcfields.Recovery)

	entries, err := c.log.ReadAll(ctx)
	if err != nil {
		endSpan(span, "", err)
		return report, fmt.Errorf("read decision log: %w", err)
	}
	summaries := decisionlog.Group(entries)
	report.Scanned = len(summaries)
	limiter := rate.NewLimiter(rate.Limit(c.cfg.RecoveryRate), c.cfg.RecoveryBurst)
	now := c.clock.Now()

	var errs error
	for _, s := range summaries {
		if c.known(s.TxnID) {
			report.Skipped++
			c.metrics.recordRecovery(ctx, recoverySkipped)
			continue
		}
		if s.Finished() {
			if !s.TerminalAt.IsZero() && !now.Before(s.TerminalAt.Add(c.cfg.DecisionRetention)) {
				report.Expired++
				c.metrics.recordRecovery(ctx, recoveryExpired)
				continue
			}
			rec, err := restoreTerminal(s, c.resolveAll(s.Participants))
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			c.register(rec)
			report.Restored++
			c.metrics.recordRecovery(ctx, recoveryRestored)
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		action, state, err := c.recoverOne(ctx, s)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		switch action {
		case recoveryAborted:
			report.Aborted++
		case recoveryCommitted:
			report.Recommitted++
		case recoveryRolledBack:
			report.RolledBack++
		}
		if state == StateFailed {
			report.Failed = append(report.Failed, s.TxnID)
		}
		c.metrics.recordRecovery(ctx, action)
		logger.Info("recovery.txn.resumed", svcfields.TxnKey, s.TxnID, "action", action, "state", state, "participants", len(s.Participants))
	}
	logger.Info("recovery.complete",
		"scanned", report.Scanned,
		"restored", report.Restored,
		"aborted", report.Aborted,
		"recommitted", report.Recommitted,
		"rolled_back", report.RolledBack,
		"failed", len(report.Failed),
	)
	endSpan(span, "", errs)
	return report, errs
}

func (c *Coordinator) recoverOne(ctx context.Context, s decisionlog.Summary) (string, TxnState, error) {
	rec := newTxnRecord(s.TxnID, s.BeganAt)
	for _, p := range c.resolveAll(s.Participants) {
		rec.participants = append(rec.participants, p)
		rec.outcomes[p.ID()] = outcomeFromLog(s, p.ID())
	}
	rec.decision = s.Decision
	switch {
	case s.Decision == decisionlog.DecisionCommit:
		rec.state = StatePrepared
	case s.PrepareStarted:
		rec.state = StatePreparing
	}
	rec.drive.Lock()
	defer rec.drive.Unlock()
	c.register(rec)

	action := recoveryRolledBack
	switch {
	case !s.Decided():
		action = recoveryAborted
	case s.Decision == decisionlog.DecisionCommit:
		action = recoveryCommitted
	}
	_, err := c.resume(context.WithoutCancel(ctx), rec)
	if err != nil && rec.State() == StateFailed && s.Decision == decisionlog.DecisionCommit {
		// partial commit failures are reported through the record state
		err = nil
	}
	return action, rec.State(), err
}

func (c *Coordinator) known(txnID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.txns[txnID]
	return ok
}

func (c *Coordinator) register(rec *txnRecord) {
	c.mu.Lock()
	c.txns[rec.id] = rec
	c.mu.Unlock()
}

// resolveAll maps logged participant ids back to participants. An id the
// resolver cannot handle becomes a participant whose every call fails, so
// it is reported like any other unreachable participant.
func (c *Coordinator) resolveAll(ids []string) []participant.Participant {
	out := make([]participant.Participant, 0, len(ids))
	for _, id := range ids {
		p, err := c.resolver.Resolve(id)
		if err != nil {
			c.logger.Warn("recovery.participant.unresolved", "participant", id, "error", err)
			p = unresolved{id: id, err: err}
		}
		out = append(out, p)
	}
	return out
}

type unresolved struct {
	id  string
	err error
}

func (u unresolved) ID() string { return u.id }

func (u unresolved) Prepare(context.Context, string) (participant.Vote, error) {
	return participant.VoteNo, u.err
}

func (u unresolved) Commit(context.Context, string) error { return u.err }

func (u unresolved) Rollback(context.Context, string) error { return u.err }
