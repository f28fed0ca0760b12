package tpcd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/decisionlog"
	"pkt.systems/tpcd/internal/phase"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/txnid"
	"pkt.systems/tpcd/participant"
)

// Phase names used in logs, spans and metrics.
const (
	phasePrepare  = "prepare"
	phaseCommit   = "commit"
	phaseRollback = "rollback"
)

// Coordinator drives transactions through two-phase commit. Distinct
// transactions run in parallel; calls on one transaction are serialised.
type Coordinator struct {
	cfg      Config
	log      decisionlog.Log
	logger   pslog.Logger
	clock    clock.Clock
	exec     *phase.Executor
	resolver participant.Resolver
	metrics  *coordinatorMetrics
	tracer   trace.Tracer

	mu   sync.RWMutex
	txns map[string]*txnRecord

	closed    atomic.Bool
	stopCh    chan struct{}
	sweeperWG sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Option customises a Coordinator or Server.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Resolver     participant.Resolver
	Log          decisionlog.Log
	DisableSweep bool
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithResolver sets how participant ids found in the decision log are turned
// back into participants during recovery. Defaults to a participant.Registry
// that resolves http(s) endpoints.
func WithResolver(r participant.Resolver) Option {
	return func(o *options) {
		o.Resolver = r
	}
}

// WithDecisionLog makes Open use log instead of opening Config.Store.
func WithDecisionLog(log decisionlog.Log) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithoutSweeper disables the background eviction of expired terminal
// transactions. Sweep can still be called directly.
func WithoutSweeper() Option {
	return func(o *options) {
		o.DisableSweep = true
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	o.Clock = clock.Or(o.Clock)
	return o
}

// Open validates cfg, opens the decision log named by cfg.Store (unless
// WithDecisionLog is given) and runs recovery before returning.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	log := o.Log
	if log == nil {
		opened, err := openDecisionLog(ctx, cfg, o.Logger, o.Clock)
		if err != nil {
			return nil, err
		}
		log = opened
	}
	c, err := newCoordinator(cfg, log, o)
	if err != nil {
		return nil, err
	}
	if _, err := c.Recover(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tpcd: recovery: %w", err)
	}
	return c, nil
}

// New builds a Coordinator over log without running recovery. The
// coordinator owns log and closes it on Close.
func New(cfg Config, log decisionlog.Log, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newCoordinator(cfg, log, buildOptions(opts))
}

func newCoordinator(cfg Config, log decisionlog.Log, o options) (*Coordinator, error) {
	if log == nil {
		return nil, errors.New("tpcd: decision log required")
	}
	logger := svcfields.WithSubsystem(o.Logger, svcfields.Coordinator)
	resolver := o.Resolver
	if resolver == nil {
		resolver = participant.NewRegistry(participant.WithRemoteOptions(
			participant.WithHTTPClient(participantHTTPClient(cfg.ParticipantTimeout)),
		))
	}
	c := &Coordinator{
		cfg:      cfg,
		log:      log,
		logger:   logger,
		clock:    o.Clock,
		resolver: resolver,
		exec: phase.New(phase.Config{
			MaxInflight: int64(cfg.MaxInflight),
			Clock:       o.Clock,
			Logger:      svcfields.WithSubsystem(o.Logger, svcfields.Phase),
		}),
		metrics: newCoordinatorMetrics(logger),
		tracer:  otel.Tracer("pkt.systems/tpcd"),
		txns:    make(map[string]*txnRecord),
		stopCh:  make(chan struct{}),
	}
	if !o.DisableSweep {
		c.sweeperWG.Add(1)
		go c.sweeper()
	}
	return c, nil
}

// Begin creates a transaction in the init state and logs BEGIN. It fails
// only when the decision log cannot record the new transaction.
func (c *Coordinator) Begin(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	id := txnid.New()
	if err := c.append(ctx, decisionlog.Entry{TxnID: id, Kind: decisionlog.KindBegin}); err != nil {
		return "", fmt.Errorf("tpcd: begin: %w", err)
	}
	rec := newTxnRecord(id, c.clock.Now())
	c.mu.Lock()
	c.txns[id] = rec
	c.mu.Unlock()
	c.metrics.recordBegin(ctx)
	c.logger.Debug("txn.begin", svcfields.TxnKey, id)
	return id, nil
}

// Enlist adds p to a transaction that is still in init. The ENLIST entry is
// durable before p becomes part of the transaction.
func (c *Coordinator) Enlist(ctx context.Context, txnID string, p participant.Participant) error {
	rec, err := c.lookup(txnID)
	if err != nil {
		return err
	}
	if p == nil || p.ID() == "" {
		return invalidTxn(http.StatusBadRequest, "participant with a non-empty id required")
	}
	rec.drive.Lock()
	defer rec.drive.Unlock()
	if state := rec.State(); state != StateInit {
		return invalidTxn(http.StatusConflict, "transaction %s is %s; enlist requires init", txnID, state)
	}
	if rec.hasParticipant(p.ID()) {
		return invalidTxn(http.StatusConflict, "participant %s already enlisted in %s", p.ID(), txnID)
	}
	if err := c.append(ctx, decisionlog.Entry{TxnID: txnID, Kind: decisionlog.KindEnlist, Participant: p.ID()}); err != nil {
		return fmt.Errorf("tpcd: enlist: %w", err)
	}
	rec.addParticipant(p, c.clock.Now())
	c.logger.Debug("txn.enlist", svcfields.TxnKey, txnID, "participant", p.ID())
	return nil
}

// Commit runs two-phase commit for txnID and reports whether the decision was
// COMMIT. A transaction that already finished returns its cached result
// without contacting participants. When some participants never acknowledge
// commit the result is (true, *PartialCommitError) and the state is failed.
func (c *Coordinator) Commit(ctx context.Context, txnID string) (bool, error) {
	rec, err := c.lookup(txnID)
	if err != nil {
		return false, err
	}
	rec.drive.Lock()
	defer rec.drive.Unlock()
	if res := rec.cached(); res != nil {
		return res.committed, res.err
	}
	ctx, span := c.startSpan(ctx, "tpcd.txn.commit", txnID)
	defer span.End()
	committed, err := c.commitLocked(ctx, rec)
	endSpan(span, rec.State(), err)
	return committed, err
}

// Rollback aborts a transaction that has not been decided yet and reports
// whether it ended rolled back. On a finished transaction it reports the
// existing outcome without contacting participants.
func (c *Coordinator) Rollback(ctx context.Context, txnID string) (bool, error) {
	rec, err := c.lookup(txnID)
	if err != nil {
		return false, err
	}
	rec.drive.Lock()
	defer rec.drive.Unlock()
	if rec.cached() != nil {
		return rec.State() == StateRolledBack, nil
	}
	ctx, span := c.startSpan(ctx, "tpcd.txn.rollback", txnID)
	defer span.End()
	ctx = context.WithoutCancel(ctx)
	switch rec.State() {
	case StateInit, StatePrepared:
		if err := c.appendDecision(ctx, rec, decisionlog.DecisionAbort); err != nil {
			_, err = c.failAfterLogError(ctx, rec, err)
			endSpan(span, rec.State(), err)
			return false, err
		}
		_, err = c.complete(ctx, rec, decisionlog.DecisionAbort)
	default:
		_, err = c.resume(ctx, rec)
	}
	endSpan(span, rec.State(), err)
	return rec.State() == StateRolledBack, err
}

// Status returns the current state of txnID.
func (c *Coordinator) Status(_ context.Context, txnID string) (TxnState, error) {
	rec, err := c.lookup(txnID)
	if err != nil {
		return "", err
	}
	return rec.State(), nil
}

// Describe returns a snapshot of txnID including participant outcomes.
func (c *Coordinator) Describe(_ context.Context, txnID string) (TxnSnapshot, error) {
	rec, err := c.lookup(txnID)
	if err != nil {
		return TxnSnapshot{}, err
	}
	return rec.snapshot(), nil
}

// Transactions returns snapshots of every transaction currently held,
// oldest first.
func (c *Coordinator) Transactions() []TxnSnapshot {
	c.mu.RLock()
	out := make([]TxnSnapshot, 0, len(c.txns))
	for _, rec := range c.txns {
		out = append(out, rec.snapshot())
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b TxnSnapshot) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Sweep evicts terminal transactions older than the retention window and
// returns how many were removed.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, rec := range c.txns {
		if rec.expired(now, c.cfg.DecisionRetention) {
			delete(c.txns, id)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("txn.sweep.evicted", "count", removed)
	}
	return removed
}

// Close stops the sweeper and closes the decision log.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		c.sweeperWG.Wait()
		c.closeErr = multierr.Append(c.closeErr, c.log.Close())
	})
	return c.closeErr
}

func (c *Coordinator) sweeper() {
	defer c.sweeperWG.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.clock.After(c.cfg.SweeperInterval):
			c.Sweep(c.clock.Now())
		}
	}
}

func (c *Coordinator) lookup(txnID string) (*txnRecord, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.RLock()
	rec, ok := c.txns[txnID]
	c.mu.RUnlock()
	if !ok {
		return nil, unknownTxn(txnID)
	}
	return rec, nil
}

// commitLocked runs the full protocol. Callers hold rec.drive.
func (c *Coordinator) commitLocked(ctx context.Context, rec *txnRecord) (bool, error) {
	if rec.State() != StateInit {
		return c.resume(context.WithoutCancel(ctx), rec)
	}
	logger := svcfields.WithTxn(c.logger, rec.id)
	durable := context.WithoutCancel(ctx)

	if err := c.append(durable, decisionlog.Entry{TxnID: rec.id, Kind: decisionlog.KindPrepareStart}); err != nil {
		return c.failAfterLogError(durable, rec, err)
	}
	if err := rec.setState(StatePreparing, c.clock.Now()); err != nil {
		return false, err
	}

	allYes := c.prepare(ctx, durable, rec)
	decision := decisionlog.DecisionAbort
	if allYes {
		decision = decisionlog.DecisionCommit
		if err := rec.setState(StatePrepared, c.clock.Now()); err != nil {
			return false, err
		}
	}
	if err := c.appendDecision(durable, rec, decision); err != nil {
		if decision == decisionlog.DecisionCommit {
			return c.decisionInDoubt(durable, rec, err)
		}
		return c.failAfterLogError(durable, rec, err)
	}
	logger.Info("txn.commit.decided", "decision", decision, "participants", len(rec.participantIDs()))
	return c.complete(durable, rec, decision)
}

// prepare runs the prepare phase and records every vote. A participant that
// errors, times out or votes NO makes the result false.
func (c *Coordinator) prepare(ctx, durable context.Context, rec *txnRecord) bool {
	parts := rec.participantList()
	tasks := make([]phase.Task[participant.Vote], len(parts))
	for i, p := range parts {
		tasks[i] = phase.Task[participant.Vote]{
			Key: p.ID(),
			Call: func(ctx context.Context) (participant.Vote, error) {
				return p.Prepare(ctx, rec.id)
			},
		}
	}
	start := c.clock.Now()
	results := phase.Run(ctx, c.exec, tasks, phase.Options{
		Name:        phasePrepare,
		Timeout:     c.cfg.PrepareTimeout,
		MaxAttempts: 1,
	})
	c.metrics.recordPhase(ctx, phasePrepare, c.clock.Now().Sub(start))

	logger := svcfields.WithTxn(c.logger, rec.id)
	allYes := true
	for _, res := range results {
		outcome, vote, err := classifyVote(res)
		if outcome != OutcomeVotedYes {
			allYes = false
			logger.Info("txn.prepare.declined", "participant", res.Key, "outcome", outcome, "error", err)
		}
		rec.setOutcome(res.Key, outcome, err, c.clock.Now())
		c.metrics.recordParticipantCall(ctx, phasePrepare, outcome)
		c.appendBestEffort(durable, decisionlog.Entry{
			TxnID:       rec.id,
			Kind:        decisionlog.KindPrepareVote,
			Participant: res.Key,
			Value:       vote,
		})
	}
	return allYes
}

func classifyVote(res phase.Result[participant.Vote]) (Outcome, string, error) {
	switch {
	case res.TimedOut:
		return OutcomeTimedOut, decisionlog.VoteTimeout, fmt.Errorf("%w: %w", ErrPrepareTimeout, res.Err)
	case res.Err != nil:
		return OutcomePrepareFailed, decisionlog.VoteError, res.Err
	case res.Value != participant.VoteYes:
		return OutcomeVotedNo, decisionlog.VoteNo, ErrVoteNo
	default:
		return OutcomeVotedYes, decisionlog.VoteYes, nil
	}
}

// complete carries out a durable decision and finishes the transaction.
func (c *Coordinator) complete(ctx context.Context, rec *txnRecord, decision string) (bool, error) {
	logger := svcfields.WithTxn(c.logger, rec.id)
	var (
		state TxnState
		res   txnResult
	)
	if decision == decisionlog.DecisionCommit {
		if err := rec.setState(StateCommitting, c.clock.Now()); err != nil {
			return false, err
		}
		failures := c.runCommit(ctx, rec)
		res.committed = true
		state = StateCommitted
		if len(failures) > 0 {
			state = StateFailed
			res.err = &PartialCommitError{TxnID: rec.id, Failures: failures}
			logger.Error("txn.commit.partial_failure", "failed", len(failures), "error", res.err)
		}
	} else {
		if err := rec.setState(StateRollingBack, c.clock.Now()); err != nil {
			return false, err
		}
		c.runRollback(ctx, rec)
		state = StateRolledBack
	}
	c.terminate(ctx, rec, state, res)
	return res.committed, res.err
}

// resume finishes a transaction whose driver stopped part way. Without a
// recorded decision the only safe choice is ABORT.
func (c *Coordinator) resume(ctx context.Context, rec *txnRecord) (bool, error) {
	rec.mu.RLock()
	decision := rec.decision
	rec.mu.RUnlock()
	if decision == "" {
		decision = decisionlog.DecisionAbort
		if err := c.appendDecision(ctx, rec, decision); err != nil {
			return c.failAfterLogError(ctx, rec, err)
		}
	}
	if decision == decisionlog.DecisionCommit && rec.State() == StatePreparing {
		if err := rec.setState(StatePrepared, c.clock.Now()); err != nil {
			return false, err
		}
	}
	return c.complete(ctx, rec, decision)
}

// failAfterLogError handles a log append that failed before any COMMIT
// decision could exist: participants are rolled back best-effort and the
// transaction is marked failed.
func (c *Coordinator) failAfterLogError(ctx context.Context, rec *txnRecord, cause error) (bool, error) {
	svcfields.WithTxn(c.logger, rec.id).Error("txn.decisionlog.append_failed", "error", cause)
	if rec.State() != StateRollingBack {
		if err := rec.setState(StateRollingBack, c.clock.Now()); err != nil {
			return false, multierr.Append(cause, err)
		}
	}
	c.runRollback(ctx, rec)
	err := fmt.Errorf("tpcd: decision log: %w", cause)
	c.terminate(ctx, rec, StateFailed, txnResult{err: err})
	return false, err
}

// decisionInDoubt handles a COMMIT decision whose append reported an error.
// The entry may still have reached the log, so participants are left
// prepared and no terminal entry is written; recovery settles the
// transaction from whatever the log holds.
func (c *Coordinator) decisionInDoubt(ctx context.Context, rec *txnRecord, cause error) (bool, error) {
	svcfields.WithTxn(c.logger, rec.id).Error("txn.decision.in_doubt", "error", cause)
	err := fmt.Errorf("%w: %s: %w", ErrDecisionInDoubt, rec.id, cause)
	if ferr := rec.finish(StateFailed, txnResult{err: err}, c.clock.Now()); ferr != nil {
		return false, multierr.Append(err, ferr)
	}
	c.metrics.recordTerminal(ctx, StateFailed)
	return false, err
}

func (c *Coordinator) terminate(ctx context.Context, rec *txnRecord, state TxnState, res txnResult) {
	if err := rec.finish(state, res, c.clock.Now()); err != nil {
		c.logger.Error("txn.terminal.transition_failed", svcfields.TxnKey, rec.id, "state", state, "error", err)
		return
	}
	c.appendBestEffort(ctx, decisionlog.Entry{TxnID: rec.id, Kind: decisionlog.KindTerminal, Value: state.LogValue()})
	c.metrics.recordTerminal(ctx, state)
	c.logger.Info("txn.terminal", svcfields.TxnKey, rec.id, "state", state)
}

func (c *Coordinator) runCommit(ctx context.Context, rec *txnRecord) []ParticipantFailure {
	parts := rec.participantList()
	tasks := make([]phase.Task[struct{}], len(parts))
	for i, p := range parts {
		tasks[i] = phase.Task[struct{}]{
			Key: p.ID(),
			Call: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, p.Commit(ctx, rec.id)
			},
		}
	}
	start := c.clock.Now()
	results := phase.Run(ctx, c.exec, tasks, c.retryOptions(phaseCommit, c.cfg.CommitCallTimeout, c.cfg.CommitRetries, false))
	c.metrics.recordPhase(ctx, phaseCommit, c.clock.Now().Sub(start))

	var failures []ParticipantFailure
	for _, res := range results {
		if res.Err != nil {
			rec.setOutcome(res.Key, OutcomePartialFailure, res.Err, c.clock.Now())
			c.metrics.recordParticipantCall(ctx, phaseCommit, OutcomePartialFailure)
			failures = append(failures, ParticipantFailure{Participant: res.Key, Err: res.Err})
			continue
		}
		rec.setOutcome(res.Key, OutcomeCommitted, nil, c.clock.Now())
		c.metrics.recordParticipantCall(ctx, phaseCommit, OutcomeCommitted)
		c.appendBestEffort(ctx, decisionlog.Entry{
			TxnID:       rec.id,
			Kind:        decisionlog.KindParticipantDone,
			Participant: res.Key,
			Value:       decisionlog.DoneCommitted,
		})
	}
	return failures
}

// runRollback rolls every participant back, launching the most recently
// enlisted first. Failures are recorded and logged, never returned.
func (c *Coordinator) runRollback(ctx context.Context, rec *txnRecord) {
	parts := rec.participantList()
	slices.Reverse(parts)
	tasks := make([]phase.Task[struct{}], len(parts))
	for i, p := range parts {
		tasks[i] = phase.Task[struct{}]{
			Key: p.ID(),
			Call: func(ctx context.Context) (struct{}, error) {
				return struct{}{}, p.Rollback(ctx, rec.id)
			},
		}
	}
	start := c.clock.Now()
	results := phase.Run(ctx, c.exec, tasks, c.retryOptions(phaseRollback, c.cfg.RollbackCallTimeout, c.cfg.RollbackRetries, c.cfg.SequentialRollback))
	c.metrics.recordPhase(ctx, phaseRollback, c.clock.Now().Sub(start))

	logger := svcfields.WithTxn(c.logger, rec.id)
	for _, res := range results {
		if res.Err != nil {
			rec.setOutcome(res.Key, OutcomeRollbackFailed, res.Err, c.clock.Now())
			c.metrics.recordParticipantCall(ctx, phaseRollback, OutcomeRollbackFailed)
			logger.Warn("txn.rollback.participant_failed", "participant", res.Key, "attempts", res.Attempts, "error", res.Err)
			continue
		}
		rec.setOutcome(res.Key, OutcomeRolledBack, nil, c.clock.Now())
		c.metrics.recordParticipantCall(ctx, phaseRollback, OutcomeRolledBack)
		c.appendBestEffort(ctx, decisionlog.Entry{
			TxnID:       rec.id,
			Kind:        decisionlog.KindParticipantDone,
			Participant: res.Key,
			Value:       decisionlog.DoneRolledBack,
		})
	}
}

func (c *Coordinator) retryOptions(name string, timeout time.Duration, retries int, sequential bool) phase.Options {
	return phase.Options{
		Name:        name,
		Timeout:     timeout,
		MaxAttempts: retries + 1,
		BaseDelay:   c.cfg.RetryBaseDelay,
		MaxDelay:    c.cfg.RetryMaxDelay,
		Multiplier:  c.cfg.RetryMultiplier,
		Sequential:  sequential,
	}
}

func (c *Coordinator) appendDecision(ctx context.Context, rec *txnRecord, decision string) error {
	if err := c.append(ctx, decisionlog.Entry{TxnID: rec.id, Kind: decisionlog.KindDecision, Value: decision}); err != nil {
		return err
	}
	rec.setDecision(decision)
	return nil
}

func (c *Coordinator) append(ctx context.Context, e decisionlog.Entry) error {
	e.Timestamp = c.clock.Now()
	start := time.Now()
	_, err := c.log.Append(ctx, e)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.recordAppend(ctx, time.Since(start), result)
	return err
}

// appendBestEffort writes entries that recovery does not depend on for
// correctness. A failure is logged; recovery re-drives the idempotent phase.
func (c *Coordinator) appendBestEffort(ctx context.Context, e decisionlog.Entry) {
	if err := c.append(ctx, e); err != nil {
		c.logger.Warn("txn.decisionlog.append_skipped", svcfields.TxnKey, e.TxnID, "event", e.Event(), "error", err)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, name, txnID string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tpcd.txn_id", txnID)),
	)
}

func endSpan(span trace.Span, state TxnState, err error) {
	span.SetAttributes(attribute.String("tpcd.txn.state", string(state)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "txn_error")
		return
	}
	span.SetStatus(codes.Ok, "")
}

func participantHTTPClient(timeout time.Duration) *http.Client {
	client := participant.DefaultHTTPClient()
	client.Timeout = timeout
	return client
}
