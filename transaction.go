package tpcd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/tpcd/internal/decisionlog"
	"pkt.systems/tpcd/participant"
)

// TxnState is the coordinator-side state of a transaction.
type TxnState string

// Transaction states. Committed, RolledBack and Failed are terminal.
const (
	StateInit        TxnState = "init"
	StatePreparing   TxnState = "preparing"
	StatePrepared    TxnState = "prepared"
	StateCommitting  TxnState = "committing"
	StateCommitted   TxnState = "committed"
	StateRollingBack TxnState = "rolling_back"
	StateRolledBack  TxnState = "rolled_back"
	StateFailed      TxnState = "failed"
)

// Terminal reports whether s is a final state.
func (s TxnState) Terminal() bool {
	switch s {
	case StateCommitted, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// LogValue renders the state as written to the decision log (COMMITTED, ...).
func (s TxnState) LogValue() string {
	return strings.ToUpper(string(s))
}

// ParseTxnState accepts the API or log spelling of a state.
func ParseTxnState(raw string) (TxnState, error) {
	s := TxnState(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StateInit, StatePreparing, StatePrepared, StateCommitting,
		StateCommitted, StateRollingBack, StateRolledBack, StateFailed:
		return s, nil
	}
	return "", fmt.Errorf("tpcd: unknown transaction state %q", raw)
}

var transitions = map[TxnState][]TxnState{
	StateInit:        {StatePreparing, StateRollingBack, StateFailed},
	StatePreparing:   {StatePrepared, StateRollingBack, StateFailed},
	StatePrepared:    {StateCommitting, StateRollingBack, StateFailed},
	StateCommitting:  {StateCommitted, StateFailed},
	StateRollingBack: {StateRolledBack, StateFailed},
}

// canTransition enforces the monotonic state machine. Terminal states have
// no successors.
func canTransition(from, to TxnState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is the last observed result for one participant.
type Outcome string

// Participant outcomes.
const (
	OutcomePending        Outcome = "pending"
	OutcomeVotedYes       Outcome = "voted_yes"
	OutcomeVotedNo        Outcome = "voted_no"
	OutcomeTimedOut       Outcome = "timed_out"
	OutcomePrepareFailed  Outcome = "prepare_failed"
	OutcomeCommitted      Outcome = "committed"
	OutcomePartialFailure Outcome = "partial_failure"
	OutcomeRolledBack     Outcome = "rolled_back"
	OutcomeRollbackFailed Outcome = "rollback_failed"
)

// ParticipantSnapshot describes one enlisted participant.
type ParticipantSnapshot struct {
	ID      string
	Outcome Outcome
	Err     string
}

// TxnSnapshot is a point-in-time copy of a transaction record.
type TxnSnapshot struct {
	ID           string
	State        TxnState
	Decision     string
	Participants []ParticipantSnapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
	TerminalAt   time.Time
}

type txnResult struct {
	committed bool
	err       error
}

// txnRecord is the in-memory state of one transaction. drive is held by
// whoever is moving the transaction through its phases; mu guards the fields
// so status reads never wait on a running phase.
type txnRecord struct {
	drive sync.Mutex

	mu           sync.RWMutex
	id           string
	state        TxnState
	decision     string
	participants []participant.Participant
	outcomes     map[string]Outcome
	errs         map[string]error
	createdAt    time.Time
	updatedAt    time.Time
	terminalAt   time.Time
	result       *txnResult
}

func newTxnRecord(id string, now time.Time) *txnRecord {
	return &txnRecord{
		id:        id,
		state:     StateInit,
		outcomes:  make(map[string]Outcome),
		errs:      make(map[string]error),
		createdAt: now,
		updatedAt: now,
	}
}

func (r *txnRecord) State() TxnState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *txnRecord) setState(to TxnState, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == to {
		return nil
	}
	if !canTransition(r.state, to) {
		return fmt.Errorf("tpcd: illegal transition %s -> %s for %s", r.state, to, r.id)
	}
	r.state = to
	r.updatedAt = now
	return nil
}

func (r *txnRecord) setDecision(decision string) {
	r.mu.Lock()
	r.decision = decision
	r.mu.Unlock()
}

func (r *txnRecord) hasParticipant(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.outcomes[id]
	return ok
}

// addParticipant appends p. Callers hold drive and have checked state.
func (r *txnRecord) addParticipant(p participant.Participant, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants = append(r.participants, p)
	r.outcomes[p.ID()] = OutcomePending
	r.updatedAt = now
}

func (r *txnRecord) participantList() []participant.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]participant.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

func (r *txnRecord) participantIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.participants))
	for i, p := range r.participants {
		ids[i] = p.ID()
	}
	return ids
}

func (r *txnRecord) setOutcome(id string, outcome Outcome, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[id] = outcome
	if err != nil {
		r.errs[id] = err
	} else {
		delete(r.errs, id)
	}
	r.updatedAt = now
}

// finish stores the terminal state and the result returned to every later
// Commit call.
func (r *txnRecord) finish(state TxnState, res txnResult, now time.Time) error {
	if err := r.setState(state, now); err != nil {
		return err
	}
	r.mu.Lock()
	r.terminalAt = now
	r.result = &res
	r.mu.Unlock()
	return nil
}

func (r *txnRecord) cached() *txnResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

func (r *txnRecord) expired(now time.Time, retention time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Terminal() && !r.terminalAt.IsZero() && !now.Before(r.terminalAt.Add(retention))
}

func (r *txnRecord) snapshot() TxnSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := TxnSnapshot{
		ID:           r.id,
		State:        r.state,
		Decision:     r.decision,
		Participants: make([]ParticipantSnapshot, len(r.participants)),
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
		TerminalAt:   r.terminalAt,
	}
	for i, p := range r.participants {
		ps := ParticipantSnapshot{ID: p.ID(), Outcome: r.outcomes[p.ID()]}
		if err := r.errs[p.ID()]; err != nil {
			ps.Err = err.Error()
		}
		snap.Participants[i] = ps
	}
	return snap
}

// restoreTerminal rebuilds a finished transaction from its log summary so
// duplicate commit calls keep answering after a restart.
func restoreTerminal(s decisionlog.Summary, participants []participant.Participant) (*txnRecord, error) {
	state, err := ParseTxnState(s.Terminal)
	if err != nil {
		return nil, err
	}
	if !state.Terminal() {
		return nil, fmt.Errorf("tpcd: terminal entry for %s carries non-terminal state %s", s.TxnID, state)
	}
	rec := newTxnRecord(s.TxnID, s.BeganAt)
	rec.participants = participants
	rec.decision = s.Decision
	for _, p := range participants {
		rec.outcomes[p.ID()] = outcomeFromLog(s, p.ID())
	}
	rec.state = state
	rec.updatedAt = s.UpdatedAt
	rec.terminalAt = s.TerminalAt
	res := txnResult{committed: s.Decision == decisionlog.DecisionCommit}
	if state == StateFailed && res.committed {
		var failures []ParticipantFailure
		for _, p := range participants {
			if rec.outcomes[p.ID()] != OutcomeCommitted {
				rec.outcomes[p.ID()] = OutcomePartialFailure
				failures = append(failures, ParticipantFailure{Participant: p.ID()})
			}
		}
		res.err = &PartialCommitError{TxnID: s.TxnID, Failures: failures}
	}
	rec.result = &res
	return rec, nil
}

func outcomeFromLog(s decisionlog.Summary, id string) Outcome {
	switch s.Done[id] {
	case decisionlog.DoneCommitted:
		return OutcomeCommitted
	case decisionlog.DoneRolledBack:
		return OutcomeRolledBack
	}
	switch s.Votes[id] {
	case decisionlog.VoteYes:
		return OutcomeVotedYes
	case decisionlog.VoteNo:
		return OutcomeVotedNo
	case decisionlog.VoteTimeout:
		return OutcomeTimedOut
	case decisionlog.VoteError:
		return OutcomePrepareFailed
	}
	return OutcomePending
}
