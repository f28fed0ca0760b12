package participant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/tpcd/internal/correlation"
)

// ErrNotPrepared is returned by Memory.Commit for a transaction it never
// voted YES on.
var ErrNotPrepared = errors.New("participant: transaction not prepared")

// Operation names recorded in Call.
const (
	OpPrepare  = "prepare"
	OpCommit   = "commit"
	OpRollback = "rollback"
)

// Call records one invocation received by a Memory participant. RequestID
// is the coordinator API request that caused it, when known.
type Call struct {
	Participant string
	Op          string
	TxnID       string
	RequestID   string
}

// TxnState is a Memory participant's view of one transaction.
type TxnState string

// Memory participant states.
const (
	TxnUnknown    TxnState = ""
	TxnPrepared   TxnState = "prepared"
	TxnCommitted  TxnState = "committed"
	TxnRolledBack TxnState = "rolled_back"
)

// Memory is an idempotent in-process participant with scriptable behaviour.
// It backs the demo participant and most coordinator tests.
type Memory struct {
	id string

	mu               sync.Mutex
	vote             Vote
	prepareDelay     time.Duration
	prepareErr       error
	commitFailures   int
	rollbackFailures int
	observer         func(Call)
	states           map[string]TxnState
	calls            []Call
}

// MemoryOption customises a Memory participant.
type MemoryOption func(*Memory)

// WithVote sets the vote returned by Prepare (default YES).
func WithVote(v Vote) MemoryOption {
	return func(m *Memory) { m.vote = v }
}

// WithPrepareDelay delays Prepare by d, or until the call context ends.
func WithPrepareDelay(d time.Duration) MemoryOption {
	return func(m *Memory) { m.prepareDelay = d }
}

// WithPrepareError makes Prepare fail with err.
func WithPrepareError(err error) MemoryOption {
	return func(m *Memory) { m.prepareErr = err }
}

// WithCommitFailures makes the first n Commit calls fail.
func WithCommitFailures(n int) MemoryOption {
	return func(m *Memory) { m.commitFailures = n }
}

// WithRollbackFailures makes the first n Rollback calls fail.
func WithRollbackFailures(n int) MemoryOption {
	return func(m *Memory) { m.rollbackFailures = n }
}

// WithObserver invokes fn synchronously for every call received.
func WithObserver(fn func(Call)) MemoryOption {
	return func(m *Memory) { m.observer = fn }
}

// NewMemory returns a Memory participant named id.
func NewMemory(id string, opts ...MemoryOption) *Memory {
	m := &Memory{id: id, vote: VoteYes, states: make(map[string]TxnState)}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ID returns the participant name.
func (m *Memory) ID() string { return m.id }

// Prepare records the call, waits for the configured delay and votes.
func (m *Memory) Prepare(ctx context.Context, txnID string) (Vote, error) {
	delay, err := func() (time.Duration, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.recordLocked(ctx, OpPrepare, txnID)
		return m.prepareDelay, m.prepareErr
	}()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return VoteNo, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return VoteNo, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.states[txnID] {
	case TxnCommitted:
		return VoteYes, nil
	case TxnRolledBack:
		return VoteNo, nil
	}
	if m.vote == VoteYes {
		m.states[txnID] = TxnPrepared
	}
	return m.vote, nil
}

// Commit finalises a prepared transaction. Repeats succeed.
func (m *Memory) Commit(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(ctx, OpCommit, txnID)
	if m.commitFailures > 0 {
		m.commitFailures--
		return fmt.Errorf("participant %s: injected commit failure", m.id)
	}
	switch m.states[txnID] {
	case TxnCommitted:
		return nil
	case TxnPrepared:
		m.states[txnID] = TxnCommitted
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrNotPrepared, txnID)
	}
}

// Rollback discards tentative work. Repeats and unknown ids succeed; a
// committed transaction stays committed.
func (m *Memory) Rollback(ctx context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordLocked(ctx, OpRollback, txnID)
	if m.rollbackFailures > 0 {
		m.rollbackFailures--
		return fmt.Errorf("participant %s: injected rollback failure", m.id)
	}
	if m.states[txnID] == TxnCommitted {
		return fmt.Errorf("participant %s: transaction %s already committed", m.id, txnID)
	}
	m.states[txnID] = TxnRolledBack
	return nil
}

// State returns the participant's view of txnID.
func (m *Memory) State(txnID string) TxnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[txnID]
}

// Calls returns a copy of every call received, in arrival order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Count returns how many op calls were received for txnID.
func (m *Memory) Count(op, txnID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && c.TxnID == txnID {
			n++
		}
	}
	return n
}

func (m *Memory) recordLocked(ctx context.Context, op, txnID string) {
	call := Call{Participant: m.id, Op: op, TxnID: txnID, RequestID: correlation.ID(ctx)}
	m.calls = append(m.calls, call)
	if m.observer != nil {
		m.observer(call)
	}
}
