// Package decisionlog defines the append-only record the coordinator writes
// at every transaction transition. It is the only state recovery trusts.
package decisionlog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind identifies the transition an Entry records.
type Kind string

const (
	// KindBegin records Coordinator.Begin.
	KindBegin Kind = "BEGIN"
	// KindEnlist records a participant joining the transaction.
	KindEnlist Kind = "ENLIST"
	// KindPrepareStart records the move to the preparing state.
	KindPrepareStart Kind = "PREPARE_START"
	// KindPrepareVote records one participant's prepare outcome.
	KindPrepareVote Kind = "PREPARE_VOTE"
	// KindDecision records the commit/abort decision. The last one wins.
	KindDecision Kind = "DECISION"
	// KindParticipantDone records a participant acknowledging phase two.
	KindParticipantDone Kind = "PARTICIPANT_DONE"
	// KindTerminal records the terminal state of the transaction.
	KindTerminal Kind = "TRANSACTION_TERMINAL"
)

// Decision values.
const (
	DecisionCommit = "COMMIT"
	DecisionAbort  = "ABORT"
)

// Prepare vote values.
const (
	VoteYes     = "YES"
	VoteNo      = "NO"
	VoteTimeout = "TIMEOUT"
	VoteError   = "ERROR"
)

// Participant completion values.
const (
	DoneCommitted  = "COMMITTED"
	DoneRolledBack = "ROLLED_BACK"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("decisionlog: closed")
	// ErrCorrupt reports a record that failed framing or checksum validation.
	ErrCorrupt = errors.New("decisionlog: corrupt record")
	// ErrInvalidEntry reports an entry missing required fields.
	ErrInvalidEntry = errors.New("decisionlog: invalid entry")
)

// Entry is one record in the decision log.
type Entry struct {
	// Seq is assigned by the log on append and increases strictly.
	Seq uint64 `json:"seq"`
	// TxnID identifies the transaction.
	TxnID string `json:"txn_id"`
	// Timestamp is the coordinator clock time of the transition.
	Timestamp time.Time `json:"ts"`
	// Kind is the transition type.
	Kind Kind `json:"kind"`
	// Participant is set for ENLIST, PREPARE_VOTE and PARTICIPANT_DONE.
	Participant string `json:"participant,omitempty"`
	// Value carries the vote, decision, completion or terminal state.
	Value string `json:"value,omitempty"`
}

// Event renders the entry in its canonical textual form, for example
// "PREPARE_VOTE:http://inventory:9500:YES".
func (e Entry) Event() string {
	switch e.Kind {
	case KindEnlist:
		return string(e.Kind) + ":" + e.Participant
	case KindPrepareVote, KindParticipantDone:
		return string(e.Kind) + ":" + e.Participant + ":" + e.Value
	case KindDecision, KindTerminal:
		return string(e.Kind) + ":" + e.Value
	default:
		return string(e.Kind)
	}
}

// Validate checks that the fields required by Kind are present.
func (e Entry) Validate() error {
	if e.TxnID == "" {
		return fmt.Errorf("%w: missing txn id", ErrInvalidEntry)
	}
	switch e.Kind {
	case KindBegin, KindPrepareStart:
		return nil
	case KindEnlist:
		if e.Participant == "" {
			return fmt.Errorf("%w: %s requires participant", ErrInvalidEntry, e.Kind)
		}
		return nil
	case KindPrepareVote, KindParticipantDone:
		if e.Participant == "" || e.Value == "" {
			return fmt.Errorf("%w: %s requires participant and value", ErrInvalidEntry, e.Kind)
		}
		return nil
	case KindDecision:
		if e.Value != DecisionCommit && e.Value != DecisionAbort {
			return fmt.Errorf("%w: decision %q", ErrInvalidEntry, e.Value)
		}
		return nil
	case KindTerminal:
		if e.Value == "" {
			return fmt.Errorf("%w: terminal requires state", ErrInvalidEntry)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
}

// Log is an append-only, durable sequence of entries.
type Log interface {
	// Append persists e and returns it with Seq assigned. It must not return
	// before the entry is durable.
	Append(ctx context.Context, e Entry) (Entry, error)
	// ReadAll returns every entry in append order.
	ReadAll(ctx context.Context) ([]Entry, error)
	// Close releases resources held by the log.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked retryable or is a network
// timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te transientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
