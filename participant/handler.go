package participant

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
)

// Handler exposes a Participant over the participant HTTP protocol.
type Handler struct {
	participant Participant
	logger      pslog.Logger
	mux         *http.ServeMux
}

// NewHandler wraps p. A nil logger discards logs.
func NewHandler(p Participant, logger pslog.Logger) *Handler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	h := &Handler{participant: p, logger: logger.With("participant", p.ID()), mux: http.NewServeMux()}
	h.mux.HandleFunc("POST "+PreparePath, h.handlePrepare)
	h.mux.HandleFunc("POST "+CommitPath, h.handleCommit)
	h.mux.HandleFunc("POST "+RollbackPath, h.handleRollback)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if id, ok := correlation.Normalize(r.Header.Get(correlation.Header)); ok {
		w.Header().Set(correlation.Header, id)
		r = r.WithContext(correlation.Set(r.Context(), id))
	}
	h.mux.ServeHTTP(w, r)
}

// Instrumented returns h wrapped with otelhttp.
func (h *Handler) Instrumented() http.Handler {
	return otelhttp.NewHandler(h, "tpcd.participant")
}

func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	txnID, ok := h.readTxnID(w, r)
	if !ok {
		return
	}
	vote, err := h.participant.Prepare(r.Context(), txnID)
	if err != nil {
		h.fail(w, "prepare", txnID, err)
		return
	}
	h.logger.Debug("participant.prepare.voted", "txn_id", txnID, "vote", vote.String())
	writeJSON(w, http.StatusOK, api.PrepareResponse{TxnID: txnID, Vote: vote.String()})
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	txnID, ok := h.readTxnID(w, r)
	if !ok {
		return
	}
	if err := h.participant.Commit(r.Context(), txnID); err != nil {
		h.fail(w, "commit", txnID, err)
		return
	}
	h.logger.Debug("participant.commit.ok", "txn_id", txnID)
	writeJSON(w, http.StatusOK, api.AckResponse{TxnID: txnID, OK: true})
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	txnID, ok := h.readTxnID(w, r)
	if !ok {
		return
	}
	if err := h.participant.Rollback(r.Context(), txnID); err != nil {
		h.fail(w, "rollback", txnID, err)
		return
	}
	h.logger.Debug("participant.rollback.ok", "txn_id", txnID)
	writeJSON(w, http.StatusOK, api.AckResponse{TxnID: txnID, OK: true})
}

func (h *Handler) readTxnID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req api.ParticipantRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxResponseBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "invalid_body", Detail: err.Error()})
		return "", false
	}
	req.TxnID = strings.TrimSpace(req.TxnID)
	if req.TxnID == "" {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{ErrorCode: "missing_txn_id", Detail: "txn_id required"})
		return "", false
	}
	return req.TxnID, true
}

func (h *Handler) fail(w http.ResponseWriter, op, txnID string, err error) {
	h.logger.Warn("participant."+op+".failed", "txn_id", txnID, "error", err)
	status := http.StatusInternalServerError
	code := op + "_failed"
	if errors.Is(err, ErrNotPrepared) {
		status = http.StatusConflict
		code = "not_prepared"
	}
	writeJSON(w, status, api.ErrorResponse{ErrorCode: code, Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
