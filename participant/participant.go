// Package participant defines the contract every 2PC participant satisfies
// and ships the implementations tpcd needs out of the box: an HTTP client
// (Remote), an HTTP server adapter (Handler), an in-memory participant
// (Memory) and a Registry used to re-materialise participants during
// recovery.
//
// All three operations must be idempotent. Rollback must be accepted for a
// transaction that was never prepared.
package participant

import (
	"context"
	"fmt"
	"strings"
)

// Participant is the three-operation capability the coordinator drives.
type Participant interface {
	// ID returns a stable identifier, unique within a transaction.
	ID() string
	// Prepare asks the participant to vote. It must not make anything
	// irreversible and must tolerate repeated calls.
	Prepare(ctx context.Context, txnID string) (Vote, error)
	// Commit finalises prepared work. A repeat after success reports success.
	Commit(ctx context.Context, txnID string) error
	// Rollback discards tentative work, including when Prepare never ran.
	Rollback(ctx context.Context, txnID string) error
}

// Vote is a participant's answer to Prepare.
type Vote int

const (
	// VoteNo declines the transaction.
	VoteNo Vote = iota
	// VoteYes promises the participant can commit.
	VoteYes
)

// String renders the wire form (YES or NO).
func (v Vote) String() string {
	if v == VoteYes {
		return "YES"
	}
	return "NO"
}

// MarshalText implements encoding.TextMarshaler.
func (v Vote) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Vote) UnmarshalText(text []byte) error {
	parsed, err := ParseVote(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVote accepts YES/NO in any case.
func ParseVote(raw string) (Vote, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "YES", "Y", "TRUE":
		return VoteYes, nil
	case "NO", "N", "FALSE":
		return VoteNo, nil
	default:
		return VoteNo, fmt.Errorf("participant: invalid vote %q", raw)
	}
}
