package tpcd

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidTransaction reports an unknown transaction id or a call that
	// is not allowed in the transaction's current state. It is never retried.
	ErrInvalidTransaction = errors.New("tpcd: invalid transaction")
	// ErrCommitPartialFailure is matched by *PartialCommitError.
	ErrCommitPartialFailure = errors.New("tpcd: commit partial failure")
	// ErrVoteNo is recorded for a participant that declined to prepare.
	ErrVoteNo = errors.New("tpcd: participant voted no")
	// ErrPrepareTimeout is recorded for a participant that did not vote in time.
	ErrPrepareTimeout = errors.New("tpcd: prepare timed out")
	// ErrDecisionInDoubt is returned when appending a COMMIT decision failed
	// in a way that may still have persisted it. Participants stay prepared
	// until recovery reads the log.
	ErrDecisionInDoubt = errors.New("tpcd: commit decision in doubt")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("tpcd: coordinator closed")
)

// Failure is a coded error carrying an HTTP status hint for the API layer.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int
	Err        error
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Unwrap exposes the sentinel the failure classifies.
func (f Failure) Unwrap() error { return f.Err }

func invalidTxn(status int, format string, args ...any) error {
	return Failure{
		Code:       "invalid_transaction",
		Detail:     fmt.Sprintf(format, args...),
		HTTPStatus: status,
		Err:        ErrInvalidTransaction,
	}
}

func unknownTxn(txnID string) error {
	return invalidTxn(http.StatusNotFound, "transaction %q not found", txnID)
}

// ParticipantFailure captures the last error of a participant that never
// acknowledged commit.
type ParticipantFailure struct {
	Participant string
	Err         error
}

// PartialCommitError reports a COMMIT decision that some participants never
// acknowledged. The decision stands; those participants need out-of-band
// reconciliation.
type PartialCommitError struct {
	TxnID    string
	Failures []ParticipantFailure
}

func (e *PartialCommitError) Error() string {
	if e == nil || len(e.Failures) == 0 {
		return "commit partial failure"
	}
	var b strings.Builder
	b.WriteString("commit partial failure for ")
	b.WriteString(e.TxnID)
	b.WriteString(": ")
	for i, f := range e.Failures {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Participant)
		if f.Err != nil {
			b.WriteString(": ")
			b.WriteString(f.Err.Error())
		}
	}
	return b.String()
}

// Is makes errors.Is(err, ErrCommitPartialFailure) hold.
func (e *PartialCommitError) Is(target error) bool {
	return target == ErrCommitPartialFailure
}
