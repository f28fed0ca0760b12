// Package api holds the JSON wire types shared by the tpcd server, the
// client SDK and HTTP participants.
package api

// BeginResponse returns the identifier of a new transaction.
type BeginResponse struct {
	// TxnID identifies the transaction for every later call.
	TxnID string `json:"txn_id"`
}

// EnlistRequest drives POST /v1/txn/enlist.
type EnlistRequest struct {
	// TxnID identifies the transaction to enlist into.
	TxnID string `json:"txn_id"`
	// Participant is the participant id. HTTP participants use their base
	// endpoint URL as id.
	Participant string `json:"participant"`
}

// EnlistResponse acknowledges an enlistment.
type EnlistResponse struct {
	TxnID        string   `json:"txn_id"`
	Participants []string `json:"participants"`
}

// TxnRequest carries a bare transaction id (commit, rollback).
type TxnRequest struct {
	TxnID string `json:"txn_id"`
}

// CommitResponse reports the outcome of a commit call.
type CommitResponse struct {
	// TxnID identifies the transaction.
	TxnID string `json:"txn_id"`
	// Committed is true when the decision was COMMIT.
	Committed bool `json:"committed"`
	// State is the terminal state (committed, rolled_back, failed).
	State string `json:"state"`
	// PartialFailures lists participants that never acknowledged commit.
	PartialFailures []ParticipantFailure `json:"partial_failures,omitempty"`
}

// RollbackResponse reports the outcome of an explicit rollback.
type RollbackResponse struct {
	TxnID      string `json:"txn_id"`
	RolledBack bool   `json:"rolled_back"`
	State      string `json:"state"`
}

// ParticipantFailure names a participant and the last error it returned.
type ParticipantFailure struct {
	Participant string `json:"participant"`
	Error       string `json:"error,omitempty"`
}

// ParticipantStatus describes one enlisted participant.
type ParticipantStatus struct {
	// ID is the participant identifier.
	ID string `json:"id"`
	// Outcome is the last observed result (pending, voted_yes, committed, ...).
	Outcome string `json:"outcome"`
	// Error is the last error observed for the participant, if any.
	Error string `json:"error,omitempty"`
}

// StatusResponse answers GET /v1/txn/status.
type StatusResponse struct {
	// TxnID identifies the transaction.
	TxnID string `json:"txn_id"`
	// State is the current transaction state.
	State string `json:"state"`
	// Decision is COMMIT or ABORT once decided.
	Decision string `json:"decision,omitempty"`
	// Participants lists enlisted participants in enlistment order.
	Participants []ParticipantStatus `json:"participants"`
	// CreatedAtUnix is the Begin timestamp in Unix seconds.
	CreatedAtUnix int64 `json:"created_at_unix,omitempty"`
	// UpdatedAtUnix is the last state change in Unix seconds.
	UpdatedAtUnix int64 `json:"updated_at_unix,omitempty"`
}

// HealthResponse answers GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}

// TxnListResponse answers GET /v1/txn/list.
type TxnListResponse struct {
	Transactions []StatusResponse `json:"transactions"`
}
