package tpcd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/decisionlog"
	"pkt.systems/tpcd/internal/decisionlog/memory"
	"pkt.systems/tpcd/participant"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.PrepareTimeout = 2 * time.Second
	return cfg
}

func newTestCoordinator(t *testing.T, cfg Config, opts ...Option) (*Coordinator, *memory.Log) {
	t.Helper()
	log := memory.New()
	opts = append([]Option{WithoutSweeper()}, opts...)
	c, err := New(cfg, log, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, log
}

func beginWith(t *testing.T, c *Coordinator, parts ...participant.Participant) string {
	t.Helper()
	ctx := context.Background()
	txnID, err := c.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for _, p := range parts {
		if err := c.Enlist(ctx, txnID, p); err != nil {
			t.Fatalf("enlist %s: %v", p.ID(), err)
		}
	}
	return txnID
}

func requireState(t *testing.T, c *Coordinator, txnID string, want TxnState) {
	t.Helper()
	got, err := c.Status(context.Background(), txnID)
	if err != nil {
		t.Fatalf("status %s: %v", txnID, err)
	}
	if got != want {
		t.Fatalf("expected state %s, got %s", want, got)
	}
}

func txnEvents(t *testing.T, log decisionlog.Log, txnID string) []string {
	t.Helper()
	entries, err := log.ReadAll(context.Background())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var out []string
	for _, e := range entries {
		if e.TxnID == txnID {
			out = append(out, e.Event())
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// callOrder collects calls from several Memory participants in arrival order.
type callOrder struct {
	mu    sync.Mutex
	calls []participant.Call
}

func (o *callOrder) observe(c participant.Call) {
	o.mu.Lock()
	o.calls = append(o.calls, c)
	o.mu.Unlock()
}

func (o *callOrder) ids(op string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, c := range o.calls {
		if c.Op == op {
			out = append(out, c.Participant)
		}
	}
	return out
}

func TestCommitAllYesCommits(t *testing.T) {
	t.Parallel()
	c, log := newTestCoordinator(t, testConfig())
	a := participant.NewMemory("a")
	b := participant.NewMemory("b")
	d := participant.NewMemory("c")
	txnID := beginWith(t, c, a, b, d)

	committed, err := c.Commit(context.Background(), txnID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed {
		t.Fatalf("expected commit to succeed")
	}
	requireState(t, c, txnID, StateCommitted)
	for _, p := range []*participant.Memory{a, b, d} {
		if p.State(txnID) != participant.TxnCommitted {
			t.Fatalf("participant %s state %q", p.ID(), p.State(txnID))
		}
		if n := p.Count(participant.OpCommit, txnID); n != 1 {
			t.Fatalf("participant %s commit calls %d", p.ID(), n)
		}
		if n := p.Count(participant.OpRollback, txnID); n != 0 {
			t.Fatalf("participant %s unexpectedly rolled back", p.ID())
		}
	}

	events := txnEvents(t, log, txnID)
	want := []string{
		"BEGIN", "ENLIST:a", "ENLIST:b", "ENLIST:c", "PREPARE_START",
	}
	if !slices.Equal(events[:len(want)], want) {
		t.Fatalf("unexpected log prefix: %v", events)
	}
	if last := events[len(events)-1]; last != "TRANSACTION_TERMINAL:COMMITTED" {
		t.Fatalf("expected terminal entry last, got %v", events)
	}
	decisionAt := slices.Index(events, "DECISION:COMMIT")
	if decisionAt < 0 {
		t.Fatalf("missing decision entry: %v", events)
	}
	for i, ev := range events {
		if strings.HasPrefix(ev, "PREPARE_VOTE:") && i > decisionAt {
			t.Fatalf("vote logged after decision: %v", events)
		}
		if strings.HasPrefix(ev, "PARTICIPANT_DONE:") && i < decisionAt {
			t.Fatalf("participant done before decision: %v", events)
		}
	}
}

func TestDecisionIsDurableBeforeCommitCalls(t *testing.T) {
	t.Parallel()
	log := memory.New()
	c, err := New(testConfig(), log, WithoutSweeper())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	var sawDecision atomic.Int32
	var commits atomic.Int32
	observer := func(call participant.Call) {
		if call.Op != participant.OpCommit {
			return
		}
		commits.Add(1)
		entries, _ := log.ReadAll(context.Background())
		for _, e := range entries {
			if e.TxnID == call.TxnID && e.Kind == decisionlog.KindDecision && e.Value == decisionlog.DecisionCommit {
				sawDecision.Add(1)
				return
			}
		}
	}
	txnID := beginWith(t, c,
		participant.NewMemory("a", participant.WithObserver(observer)),
		participant.NewMemory("b", participant.WithObserver(observer)),
	)
	if ok, err := c.Commit(context.Background(), txnID); err != nil || !ok {
		t.Fatalf("commit: ok=%v err=%v", ok, err)
	}
	if commits.Load() != 2 || sawDecision.Load() != 2 {
		t.Fatalf("expected decision logged before each commit call, commits=%d with decision=%d", commits.Load(), sawDecision.Load())
	}
}

func TestCommitVoteNoRollsBackAll(t *testing.T) {
	t.Parallel()
	c, log := newTestCoordinator(t, testConfig())
	a := participant.NewMemory("a")
	b := participant.NewMemory("b", participant.WithVote(participant.VoteNo))
	d := participant.NewMemory("c")
	txnID := beginWith(t, c, a, b, d)

	committed, err := c.Commit(context.Background(), txnID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed {
		t.Fatalf("expected abort when a participant votes no")
	}
	requireState(t, c, txnID, StateRolledBack)
	for _, p := range []*participant.Memory{a, b, d} {
		if n := p.Count(participant.OpCommit, txnID); n != 0 {
			t.Fatalf("participant %s received commit", p.ID())
		}
		if n := p.Count(participant.OpRollback, txnID); n < 1 {
			t.Fatalf("participant %s did not receive rollback", p.ID())
		}
	}
	snap, err := c.Describe(context.Background(), txnID)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if snap.Decision != decisionlog.DecisionAbort {
		t.Fatalf("expected ABORT decision, got %q", snap.Decision)
	}
	if !slices.Contains(txnEvents(t, log, txnID), "PREPARE_VOTE:b:NO") {
		t.Fatalf("expected NO vote logged")
	}
}

func TestCommitPrepareTimeoutAborts(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.PrepareTimeout = 100 * time.Millisecond
	c, _ := newTestCoordinator(t, cfg)
	fast := participant.NewMemory("fast")
	slow := participant.NewMemory("slow", participant.WithPrepareDelay(500*time.Millisecond))
	txnID := beginWith(t, c, fast, slow)

	start := time.Now()
	committed, err := c.Commit(context.Background(), txnID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed {
		t.Fatalf("expected timeout to abort")
	}
	if elapsed := time.Since(start); elapsed >= 450*time.Millisecond {
		t.Fatalf("commit waited for the slow participant: %s", elapsed)
	}
	requireState(t, c, txnID, StateRolledBack)
	if n := fast.Count(participant.OpCommit, txnID); n != 0 {
		t.Fatalf("fast participant received commit")
	}
	snap, err := c.Describe(context.Background(), txnID)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	for _, ps := range snap.Participants {
		if ps.ID == "slow" && ps.Outcome != OutcomeRolledBack {
			t.Fatalf("slow participant outcome %s", ps.Outcome)
		}
	}
}

// stubborn ignores its context while preparing.
type stubborn struct {
	id    string
	delay time.Duration
}

func (s stubborn) ID() string { return s.id }

func (s stubborn) Prepare(context.Context, string) (participant.Vote, error) {
	time.Sleep(s.delay)
	return participant.VoteYes, nil
}

func (s stubborn) Commit(context.Context, string) error   { return nil }
func (s stubborn) Rollback(context.Context, string) error { return nil }

func TestCommitPrepareTimeoutAbandonsStubbornParticipant(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.PrepareTimeout = 50 * time.Millisecond
	c, _ := newTestCoordinator(t, cfg)
	txnID := beginWith(t, c, participant.NewMemory("a"), stubborn{id: "stubborn", delay: 400 * time.Millisecond})

	start := time.Now()
	committed, err := c.Commit(context.Background(), txnID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed {
		t.Fatalf("expected abort")
	}
	if elapsed := time.Since(start); elapsed >= 350*time.Millisecond {
		t.Fatalf("commit blocked on stubborn participant: %s", elapsed)
	}
}

func TestCommitRetriesTransientCommitFailures(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.CommitRetries = 3
	c, _ := newTestCoordinator(t, cfg)
	steady := participant.NewMemory("steady")
	flaky := participant.NewMemory("flaky", participant.WithCommitFailures(2))
	txnID := beginWith(t, c, steady, flaky)

	committed, err := c.Commit(context.Background(), txnID)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !committed {
		t.Fatalf("expected commit")
	}
	requireState(t, c, txnID, StateCommitted)
	if n := flaky.Count(participant.OpCommit, txnID); n != 3 {
		t.Fatalf("expected 3 commit attempts, got %d", n)
	}
	if flaky.State(txnID) != participant.TxnCommitted {
		t.Fatalf("flaky participant not committed")
	}
}

func TestCommitPartialFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.CommitRetries = 1
	c, _ := newTestCoordinator(t, cfg)
	good := participant.NewMemory("good")
	broken := participant.NewMemory("broken", participant.WithCommitFailures(100))
	txnID := beginWith(t, c, good, broken)

	committed, err := c.Commit(context.Background(), txnID)
	if !committed {
		t.Fatalf("decision was COMMIT; expected committed=true")
	}
	if !errors.Is(err, ErrCommitPartialFailure) {
		t.Fatalf("expected partial failure, got %v", err)
	}
	var partial *PartialCommitError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *PartialCommitError, got %T", err)
	}
	if partial.TxnID != txnID || len(partial.Failures) != 1 || partial.Failures[0].Participant != "broken" {
		t.Fatalf("unexpected failures: %+v", partial)
	}
	requireState(t, c, txnID, StateFailed)
	if n := broken.Count(participant.OpCommit, txnID); n != 2 {
		t.Fatalf("expected 2 commit attempts, got %d", n)
	}
	if n := good.Count(participant.OpRollback, txnID); n != 0 {
		t.Fatalf("committed participant must not be rolled back")
	}

	again, err2 := c.Commit(context.Background(), txnID)
	if !again || !errors.Is(err2, ErrCommitPartialFailure) {
		t.Fatalf("expected cached partial failure, got %v %v", again, err2)
	}
	if n := broken.Count(participant.OpCommit, txnID); n != 2 {
		t.Fatalf("duplicate commit contacted participant")
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	t.Parallel()
	for _, vote := range []participant.Vote{participant.VoteYes, participant.VoteNo} {
		t.Run(vote.String(), func(t *testing.T) {
			t.Parallel()
			c, _ := newTestCoordinator(t, testConfig())
			a := participant.NewMemory("a")
			b := participant.NewMemory("b", participant.WithVote(vote))
			txnID := beginWith(t, c, a, b)

			first, err := c.Commit(context.Background(), txnID)
			if err != nil {
				t.Fatalf("first commit: %v", err)
			}
			calls := len(a.Calls()) + len(b.Calls())
			second, err := c.Commit(context.Background(), txnID)
			if err != nil {
				t.Fatalf("second commit: %v", err)
			}
			if first != second {
				t.Fatalf("commit results differ: %v then %v", first, second)
			}
			if first != (vote == participant.VoteYes) {
				t.Fatalf("unexpected result %v for vote %s", first, vote)
			}
			if got := len(a.Calls()) + len(b.Calls()); got != calls {
				t.Fatalf("duplicate commit contacted participants (%d -> %d calls)", calls, got)
			}
		})
	}
}

func TestConcurrentCommitsRunProtocolOnce(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, testConfig())
	a := participant.NewMemory("a", participant.WithPrepareDelay(20*time.Millisecond))
	txnID := beginWith(t, c, a)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Commit(context.Background(), txnID)
		}(i)
	}
	wg.Wait()
	for i := range results {
		if errs[i] != nil || !results[i] {
			t.Fatalf("commit %d: ok=%v err=%v", i, results[i], errs[i])
		}
	}
	if n := a.Count(participant.OpPrepare, txnID); n != 1 {
		t.Fatalf("expected one prepare, got %d", n)
	}
}

func TestSequentialRollbackOrderIsReverseEnlistment(t *testing.T) {
	t.Parallel()
	order := &callOrder{}
	cfg := testConfig()
	cfg.SequentialRollback = true
	c, _ := newTestCoordinator(t, cfg)
	txnID := beginWith(t, c,
		participant.NewMemory("first", participant.WithObserver(order.observe)),
		participant.NewMemory("second", participant.WithObserver(order.observe)),
		participant.NewMemory("third", participant.WithObserver(order.observe), participant.WithVote(participant.VoteNo)),
	)
	if ok, err := c.Commit(context.Background(), txnID); err != nil || ok {
		t.Fatalf("expected abort, got ok=%v err=%v", ok, err)
	}
	got := order.ids(participant.OpRollback)
	want := []string{"third", "second", "first"}
	if !slices.Equal(got, want) {
		t.Fatalf("rollback order %v, want %v", got, want)
	}
}

func TestSlowRollbackDoesNotHoldBackOthers(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, testConfig())
	fastRolledBack := make(chan struct{})
	var overlapped atomic.Bool
	fast := participant.NewMemory("fast", participant.WithObserver(func(call participant.Call) {
		if call.Op == participant.OpRollback {
			close(fastRolledBack)
		}
	}))
	slow := participant.NewMemory("slow", participant.WithObserver(func(call participant.Call) {
		if call.Op != participant.OpRollback {
			return
		}
		select {
		case <-fastRolledBack:
			overlapped.Store(true)
		case <-time.After(2 * time.Second):
		}
	}))
	no := participant.NewMemory("no", participant.WithVote(participant.VoteNo))
	txnID := beginWith(t, c, fast, no, slow)

	if ok, err := c.Commit(context.Background(), txnID); err != nil || ok {
		t.Fatalf("expected abort, got ok=%v err=%v", ok, err)
	}
	if !overlapped.Load() {
		t.Fatal("fast participant was not rolled back while slow rollback was in flight")
	}
	requireState(t, c, txnID, StateRolledBack)
	if fast.State(txnID) != participant.TxnRolledBack || slow.State(txnID) != participant.TxnRolledBack {
		t.Fatalf("unexpected participant states fast=%q slow=%q", fast.State(txnID), slow.State(txnID))
	}
}

func TestRollbackFailuresAreNotEscalated(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RollbackRetries = 1
	c, _ := newTestCoordinator(t, cfg)
	bad := participant.NewMemory("bad", participant.WithRollbackFailures(100))
	no := participant.NewMemory("no", participant.WithVote(participant.VoteNo))
	txnID := beginWith(t, c, bad, no)

	committed, err := c.Commit(context.Background(), txnID)
	if err != nil || committed {
		t.Fatalf("expected clean abort, got ok=%v err=%v", committed, err)
	}
	requireState(t, c, txnID, StateRolledBack)
	snap, _ := c.Describe(context.Background(), txnID)
	if snap.Participants[0].Outcome != OutcomeRollbackFailed || snap.Participants[0].Err == "" {
		t.Fatalf("expected rollback failure recorded, got %+v", snap.Participants[0])
	}
	if n := bad.Count(participant.OpRollback, txnID); n != 2 {
		t.Fatalf("expected 2 rollback attempts, got %d", n)
	}
}

func TestExplicitRollback(t *testing.T) {
	t.Parallel()
	c, log := newTestCoordinator(t, testConfig())
	a := participant.NewMemory("a")
	txnID := beginWith(t, c, a)

	rolledBack, err := c.Rollback(context.Background(), txnID)
	if err != nil || !rolledBack {
		t.Fatalf("rollback: ok=%v err=%v", rolledBack, err)
	}
	requireState(t, c, txnID, StateRolledBack)
	if n := a.Count(participant.OpPrepare, txnID); n != 0 {
		t.Fatalf("rollback from init must not prepare")
	}
	if !slices.Contains(txnEvents(t, log, txnID), "DECISION:ABORT") {
		t.Fatalf("expected ABORT decision logged")
	}
	committed, err := c.Commit(context.Background(), txnID)
	if err != nil || committed {
		t.Fatalf("commit after rollback: ok=%v err=%v", committed, err)
	}
	again, err := c.Rollback(context.Background(), txnID)
	if err != nil || !again {
		t.Fatalf("repeat rollback: ok=%v err=%v", again, err)
	}
}

func TestRollbackAfterCommitReportsFalse(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, testConfig())
	a := participant.NewMemory("a")
	txnID := beginWith(t, c, a)
	if ok, err := c.Commit(context.Background(), txnID); err != nil || !ok {
		t.Fatalf("commit: ok=%v err=%v", ok, err)
	}
	rolledBack, err := c.Rollback(context.Background(), txnID)
	if err != nil || rolledBack {
		t.Fatalf("rollback after commit: ok=%v err=%v", rolledBack, err)
	}
	if n := a.Count(participant.OpRollback, txnID); n != 0 {
		t.Fatalf("committed participant was rolled back")
	}
	requireState(t, c, txnID, StateCommitted)
}

func TestCommitWithoutParticipants(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, testConfig())
	txnID := beginWith(t, c)
	committed, err := c.Commit(context.Background(), txnID)
	if err != nil || !committed {
		t.Fatalf("empty commit: ok=%v err=%v", committed, err)
	}
	requireState(t, c, txnID, StateCommitted)
}

func TestUnknownTransaction(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()
	const missing = "never-begun"
	if _, err := c.Commit(ctx, missing); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("commit: expected invalid transaction, got %v", err)
	}
	if _, err := c.Rollback(ctx, missing); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("rollback: expected invalid transaction, got %v", err)
	}
	if _, err := c.Status(ctx, missing); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("status: expected invalid transaction, got %v", err)
	}
	if err := c.Enlist(ctx, missing, participant.NewMemory("a")); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("enlist: expected invalid transaction, got %v", err)
	}
	var failure Failure
	_, err := c.Commit(ctx, missing)
	if !errors.As(err, &failure) || failure.HTTPStatus != 404 {
		t.Fatalf("expected 404 failure, got %#v", err)
	}
}

func TestEnlistValidation(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, testConfig())
	ctx := context.Background()
	txnID := beginWith(t, c, participant.NewMemory("a"))

	if err := c.Enlist(ctx, txnID, participant.NewMemory("a")); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("duplicate enlist: expected invalid transaction, got %v", err)
	}
	if err := c.Enlist(ctx, txnID, nil); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("nil participant: expected invalid transaction, got %v", err)
	}
	if _, err := c.Commit(ctx, txnID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := c.Enlist(ctx, txnID, participant.NewMemory("late")); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("enlist after commit: expected invalid transaction, got %v", err)
	}
	snap, _ := c.Describe(ctx, txnID)
	if len(snap.Participants) != 1 {
		t.Fatalf("late enlist must not join: %+v", snap.Participants)
	}
}

func TestDistinctTransactionsRunInParallel(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t, testConfig())
	const n = 4
	ids := make([]string, n)
	for i := range ids {
		ids[i] = beginWith(t, c, participant.NewMemory(fmt.Sprintf("p%d", i), participant.WithPrepareDelay(150*time.Millisecond)))
	}
	start := time.Now()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if ok, err := c.Commit(context.Background(), id); err != nil || !ok {
				t.Errorf("commit %s: ok=%v err=%v", id, ok, err)
			}
		}(id)
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed >= 450*time.Millisecond {
		t.Fatalf("transactions were serialised: %s", elapsed)
	}
}

// faultyLog fails appends of one kind, optionally after persisting them, and
// fails every later append once tripped.
type faultyLog struct {
	decisionlog.Log
	kind    decisionlog.Kind
	persist bool
	tripped atomic.Bool
}

func (f *faultyLog) Append(ctx context.Context, e decisionlog.Entry) (decisionlog.Entry, error) {
	if f.tripped.Load() {
		return decisionlog.Entry{}, errors.New("faulty log: unavailable")
	}
	if e.Kind == f.kind {
		f.tripped.Store(true)
		if f.persist {
			if _, err := f.Log.Append(ctx, e); err != nil {
				return decisionlog.Entry{}, err
			}
			return decisionlog.Entry{}, errors.New("faulty log: acknowledgement lost")
		}
		return decisionlog.Entry{}, errors.New("faulty log: append rejected")
	}
	return f.Log.Append(ctx, e)
}

func TestCommitDecisionLogFailureLeavesParticipantsPrepared(t *testing.T) {
	t.Parallel()
	base := memory.New()
	log := &faultyLog{Log: base, kind: decisionlog.KindDecision}
	c, err := New(testConfig(), log, WithoutSweeper())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	a := participant.NewMemory("a")
	txnID := beginWith(t, c, a)

	committed, err := c.Commit(context.Background(), txnID)
	if committed || !errors.Is(err, ErrDecisionInDoubt) {
		t.Fatalf("expected in-doubt failure, got ok=%v err=%v", committed, err)
	}
	if errors.Is(err, ErrCommitPartialFailure) {
		t.Fatalf("log failure must not look like a partial commit")
	}
	requireState(t, c, txnID, StateFailed)
	if n := a.Count(participant.OpCommit, txnID) + a.Count(participant.OpRollback, txnID); n != 0 {
		t.Fatalf("phase-two call issued for an undecided commit")
	}
	if a.State(txnID) != participant.TxnPrepared {
		t.Fatalf("participant should stay prepared, got %q", a.State(txnID))
	}
	if again, err := c.Commit(context.Background(), txnID); again || !errors.Is(err, ErrDecisionInDoubt) {
		t.Fatalf("expected cached in-doubt result, got ok=%v err=%v", again, err)
	}
}

func TestAbortDecisionLogFailureRollsBack(t *testing.T) {
	t.Parallel()
	log := &faultyLog{Log: memory.New(), kind: decisionlog.KindDecision}
	c, err := New(testConfig(), log, WithoutSweeper())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	yes := participant.NewMemory("yes")
	no := participant.NewMemory("no", participant.WithVote(participant.VoteNo))
	txnID := beginWith(t, c, yes, no)

	committed, err := c.Commit(context.Background(), txnID)
	if committed || err == nil || errors.Is(err, ErrDecisionInDoubt) {
		t.Fatalf("expected plain log failure, got ok=%v err=%v", committed, err)
	}
	requireState(t, c, txnID, StateFailed)
	if yes.State(txnID) != participant.TxnRolledBack {
		t.Fatalf("participant should be rolled back, got %q", yes.State(txnID))
	}
}

func TestPersistedCommitDecisionIsHonouredByRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := memory.New()
	log := &faultyLog{Log: base, kind: decisionlog.KindDecision, persist: true}
	first, err := New(testConfig(), log, WithoutSweeper())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := participant.NewMemory("a")
	b := participant.NewMemory("b")
	txnID := beginWith(t, first, a, b)
	if _, err := first.Commit(ctx, txnID); !errors.Is(err, ErrDecisionInDoubt) {
		t.Fatalf("expected in-doubt failure, got %v", err)
	}
	for _, p := range []*participant.Memory{a, b} {
		if n := p.Count(participant.OpRollback, txnID); n != 0 {
			t.Fatalf("%s rolled back after a possibly durable COMMIT", p.ID())
		}
	}
	entries, err := base.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for _, e := range entries {
		if e.Kind == decisionlog.KindTerminal {
			t.Fatalf("terminal entry written for an in-doubt transaction: %s", e.Event())
		}
	}
	_ = first.Close()

	registry := participant.NewRegistry(participant.WithoutRemoteFallback())
	for _, p := range []participant.Participant{a, b} {
		if err := registry.Register(p); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	second, err := New(testConfig(), base.Reopen(), WithoutSweeper(), WithResolver(registry))
	if err != nil {
		t.Fatalf("new second: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	report, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Recommitted != 1 {
		t.Fatalf("expected the logged COMMIT to be carried out, got %+v", report)
	}
	requireState(t, second, txnID, StateCommitted)
	if a.State(txnID) != participant.TxnCommitted || b.State(txnID) != participant.TxnCommitted {
		t.Fatalf("participants not committed: %q %q", a.State(txnID), b.State(txnID))
	}
}

func TestSweepEvictsExpiredTransactions(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.DecisionRetention = time.Minute
	c, _ := newTestCoordinator(t, cfg, WithClock(clk))
	done := beginWith(t, c, participant.NewMemory("a"))
	if _, err := c.Commit(context.Background(), done); err != nil {
		t.Fatalf("commit: %v", err)
	}
	open := beginWith(t, c, participant.NewMemory("b"))

	if n := c.Sweep(clk.Now().Add(30 * time.Second)); n != 0 {
		t.Fatalf("swept %d transactions inside retention", n)
	}
	if n := c.Sweep(clk.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("expected one eviction, got %d", n)
	}
	if _, err := c.Status(context.Background(), done); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("expected evicted transaction to be unknown, got %v", err)
	}
	requireState(t, c, open, StateInit)
	if got := len(c.Transactions()); got != 1 {
		t.Fatalf("expected one live transaction, got %d", got)
	}
}

func TestBackgroundSweeper(t *testing.T) {
	t.Parallel()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.DecisionRetention = time.Minute
	cfg.SweeperInterval = time.Minute
	c, err := New(cfg, memory.New(), WithClock(clk))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	txnID := beginWith(t, c, participant.NewMemory("a"))
	if _, err := c.Commit(context.Background(), txnID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.WaitForTimers(ctx, 1); err != nil {
		t.Fatalf("sweeper timer: %v", err)
	}
	clk.Advance(time.Minute)
	waitFor(t, 2*time.Second, func() bool {
		_, err := c.Status(context.Background(), txnID)
		return errors.Is(err, ErrInvalidTransaction)
	})
}

func TestClosedCoordinatorRejectsCalls(t *testing.T) {
	t.Parallel()
	c, err := New(testConfig(), memory.New(), WithoutSweeper())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.Begin(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
