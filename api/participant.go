package api

// ParticipantRequest is the body of every participant protocol call
// (POST <endpoint>/v1/participant/{prepare,commit,rollback}).
type ParticipantRequest struct {
	TxnID string `json:"txn_id"`
}

// PrepareResponse carries a participant's vote: YES or NO.
type PrepareResponse struct {
	TxnID string `json:"txn_id"`
	Vote  string `json:"vote"`
}

// AckResponse acknowledges commit or rollback.
type AckResponse struct {
	TxnID string `json:"txn_id"`
	OK    bool   `json:"ok"`
}
