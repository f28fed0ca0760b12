package tpcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/internal/txnid"
	"pkt.systems/tpcd/internal/version"
)

const maxRequestBytes = 1 << 20

// httpError is a handler failure with an explicit status and error code.
type httpError struct {
	Status int
	Code   string
	Detail string
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// Handler exposes a Coordinator over JSON/HTTP.
type Handler struct {
	coord   *Coordinator
	logger  pslog.Logger
	tracer  trace.Tracer
	tracing bool
}

// NewHandler builds the API handler for c.
func NewHandler(c *Coordinator, logger pslog.Logger, tracing bool) *Handler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		coord:   c,
		logger:  logger,
		tracer:  otel.Tracer("pkt.systems/tpcd/api"),
		tracing: tracing,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/txn/begin", h.wrap("txn.begin", h.handleBegin))
	mux.Handle("POST /v1/txn/enlist", h.wrap("txn.enlist", h.handleEnlist))
	mux.Handle("POST /v1/txn/commit", h.wrap("txn.commit", h.handleCommit))
	mux.Handle("POST /v1/txn/rollback", h.wrap("txn.rollback", h.handleRollback))
	mux.Handle("GET /v1/txn/status", h.wrap("txn.status", h.handleStatus))
	mux.Handle("GET /v1/txn/list", h.wrap("txn.list", h.handleList))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := correlation.FromHeader(r.Header.Get(correlation.Header))
		ctx = correlation.Set(ctx, reqID)
		w.Header().Set(correlation.Header, reqID)
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "tpcd.http."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("tpcd.operation", operation),
					attribute.String("tpcd.request_id", reqID),
				),
			)
			defer span.End()
		}
		logger := svcfields.WithSubsystem(h.logger, svcfields.HTTPAPI).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		err := fn(w, r)
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, operation)
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}
		if err != nil {
			h.handleError(ctx, w, err)
			return
		}
		logger.Debug("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "tpcd."+operation)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	var (
		httpErr httpError
		failure Failure
	)
	switch {
	case errors.As(err, &httpErr):
	case errors.As(err, &failure):
		httpErr = httpError{Status: failure.HTTPStatus, Code: failure.Code, Detail: failure.Detail}
	case errors.Is(err, ErrDecisionInDoubt):
		httpErr = httpError{Status: http.StatusServiceUnavailable, Code: "decision_in_doubt", Detail: err.Error()}
	case errors.Is(err, ErrClosed):
		httpErr = httpError{Status: http.StatusServiceUnavailable, Code: "closed", Detail: err.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpErr = httpError{Status: http.StatusServiceUnavailable, Code: "canceled", Detail: err.Error()}
	default:
		httpErr = httpError{Status: http.StatusInternalServerError, Code: "internal_error", Detail: err.Error()}
	}
	if httpErr.Status == 0 {
		httpErr.Status = http.StatusBadRequest
	}
	if httpErr.Status >= http.StatusInternalServerError {
		logger.Error("http.request.error", "status", httpErr.Status, "code", httpErr.Code, "error", err)
	} else {
		logger.Debug("http.request.rejected", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
	}
	writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) error {
	id, err := h.coord.Begin(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.BeginResponse{TxnID: id})
	return nil
}

func (h *Handler) handleEnlist(w http.ResponseWriter, r *http.Request) error {
	var req api.EnlistRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.TxnID == "" || req.Participant == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_fields", Detail: "txn_id and participant are required"}
	}
	if err := checkTxnID(req.TxnID); err != nil {
		return err
	}
	p, err := h.coord.resolver.Resolve(req.Participant)
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_participant", Detail: err.Error()}
	}
	if err := h.coord.Enlist(r.Context(), req.TxnID, p); err != nil {
		return err
	}
	snap, err := h.coord.Describe(r.Context(), req.TxnID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(snap.Participants))
	for _, ps := range snap.Participants {
		ids = append(ids, ps.ID)
	}
	writeJSON(w, http.StatusOK, api.EnlistResponse{TxnID: req.TxnID, Participants: ids})
	return nil
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) error {
	txnID, err := decodeTxnID(r)
	if err != nil {
		return err
	}
	committed, err := h.coord.Commit(r.Context(), txnID)
	resp := api.CommitResponse{TxnID: txnID, Committed: committed}
	if err != nil {
		var partial *PartialCommitError
		if !errors.As(err, &partial) {
			return err
		}
		for _, f := range partial.Failures {
			pf := api.ParticipantFailure{Participant: f.Participant}
			if f.Err != nil {
				pf.Error = f.Err.Error()
			}
			resp.PartialFailures = append(resp.PartialFailures, pf)
		}
	}
	state, err := h.coord.Status(r.Context(), txnID)
	if err != nil {
		return err
	}
	resp.State = string(state)
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) error {
	txnID, err := decodeTxnID(r)
	if err != nil {
		return err
	}
	rolledBack, err := h.coord.Rollback(r.Context(), txnID)
	if err != nil {
		return err
	}
	state, err := h.coord.Status(r.Context(), txnID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, api.RollbackResponse{TxnID: txnID, RolledBack: rolledBack, State: string(state)})
	return nil
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) error {
	txnID := strings.TrimSpace(r.URL.Query().Get("txn_id"))
	if txnID == "" {
		return httpError{Status: http.StatusBadRequest, Code: "missing_txn_id", Detail: "txn_id query parameter required"}
	}
	if err := checkTxnID(txnID); err != nil {
		return err
	}
	snap, err := h.coord.Describe(r.Context(), txnID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, statusFromSnapshot(snap))
	return nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	snaps := h.coord.Transactions()
	resp := api.TxnListResponse{Transactions: make([]api.StatusResponse, 0, len(snaps))}
	for _, snap := range snaps {
		resp.Transactions = append(resp.Transactions, statusFromSnapshot(snap))
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	if h.coord.closed.Load() {
		return ErrClosed
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: version.Current()})
	return nil
}

func statusFromSnapshot(snap TxnSnapshot) api.StatusResponse {
	resp := api.StatusResponse{
		TxnID:        snap.ID,
		State:        string(snap.State),
		Decision:     snap.Decision,
		Participants: make([]api.ParticipantStatus, 0, len(snap.Participants)),
	}
	if !snap.CreatedAt.IsZero() {
		resp.CreatedAtUnix = snap.CreatedAt.Unix()
	}
	if !snap.UpdatedAt.IsZero() {
		resp.UpdatedAtUnix = snap.UpdatedAt.Unix()
	}
	for _, p := range snap.Participants {
		resp.Participants = append(resp.Participants, api.ParticipantStatus{
			ID:      p.ID,
			Outcome: string(p.Outcome),
			Error:   p.Err,
		})
	}
	return resp
}

func decodeTxnID(r *http.Request) (string, error) {
	var req api.TxnRequest
	if err := decodeBody(r, &req); err != nil {
		return "", err
	}
	if req.TxnID == "" {
		return "", httpError{Status: http.StatusBadRequest, Code: "missing_txn_id", Detail: "txn_id is required"}
	}
	if err := checkTxnID(req.TxnID); err != nil {
		return "", err
	}
	return req.TxnID, nil
}

// checkTxnID rejects ids Begin could never have issued before they reach
// the coordinator.
func checkTxnID(id string) error {
	if err := txnid.Validate(id); err != nil {
		return invalidTxn(http.StatusNotFound, "malformed transaction id %q", id)
	}
	return nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
