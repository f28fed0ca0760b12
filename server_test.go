package tpcd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/correlation"
	"pkt.systems/tpcd/internal/decisionlog/memory"
	"pkt.systems/tpcd/internal/txnid"
	"pkt.systems/tpcd/participant"
)

func newAPIServer(t *testing.T) (*Coordinator, *httptest.Server) {
	t.Helper()
	c, err := New(testConfig(), memory.New(), WithoutSweeper())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	mux := http.NewServeMux()
	NewHandler(c, pslog.NoopLogger(), false).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = c.Close()
	})
	return c, srv
}

func newParticipantServer(t *testing.T, p *participant.Memory) string {
	t.Helper()
	srv := httptest.NewServer(participant.NewHandler(p, pslog.NoopLogger()))
	t.Cleanup(srv.Close)
	return srv.URL
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.Header.Get(correlation.Header) == "" {
		t.Fatalf("missing request id header")
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHTTPCommitFlow(t *testing.T) {
	t.Parallel()
	_, srv := newAPIServer(t)
	inventory := participant.NewMemory("inventory")
	ledger := participant.NewMemory("ledger")
	invURL := newParticipantServer(t, inventory)
	ledURL := newParticipantServer(t, ledger)

	var begin api.BeginResponse
	if status := doJSON(t, http.MethodPost, srv.URL+"/v1/txn/begin", nil, &begin); status != http.StatusOK {
		t.Fatalf("begin status %d", status)
	}
	if begin.TxnID == "" {
		t.Fatalf("expected txn id")
	}
	var enlist api.EnlistResponse
	for _, url := range []string{invURL, ledURL} {
		if status := doJSON(t, http.MethodPost, srv.URL+"/v1/txn/enlist", api.EnlistRequest{TxnID: begin.TxnID, Participant: url}, &enlist); status != http.StatusOK {
			t.Fatalf("enlist status %d", status)
		}
	}
	if len(enlist.Participants) != 2 || enlist.Participants[0] != invURL {
		t.Fatalf("unexpected enlist response %+v", enlist)
	}

	var commit api.CommitResponse
	if status := doJSON(t, http.MethodPost, srv.URL+"/v1/txn/commit", api.TxnRequest{TxnID: begin.TxnID}, &commit); status != http.StatusOK {
		t.Fatalf("commit status %d", status)
	}
	if !commit.Committed || commit.State != string(StateCommitted) {
		t.Fatalf("unexpected commit response %+v", commit)
	}
	if inventory.State(begin.TxnID) != participant.TxnCommitted || ledger.State(begin.TxnID) != participant.TxnCommitted {
		t.Fatalf("participants not committed")
	}

	var status api.StatusResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/txn/status?txn_id="+begin.TxnID, nil, &status); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if status.State != string(StateCommitted) || status.Decision != "COMMIT" || len(status.Participants) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	for _, ps := range status.Participants {
		if ps.Outcome != string(OutcomeCommitted) {
			t.Fatalf("participant %s outcome %s", ps.ID, ps.Outcome)
		}
	}

	var list api.TxnListResponse
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/txn/list", nil, &list); code != http.StatusOK {
		t.Fatalf("list code %d", code)
	}
	if len(list.Transactions) != 1 || list.Transactions[0].TxnID != begin.TxnID {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestHTTPRollbackAndVoteNo(t *testing.T) {
	t.Parallel()
	_, srv := newAPIServer(t)
	no := participant.NewMemory("no", participant.WithVote(participant.VoteNo))
	noURL := newParticipantServer(t, no)

	var begin api.BeginResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/txn/begin", nil, &begin)
	doJSON(t, http.MethodPost, srv.URL+"/v1/txn/enlist", api.EnlistRequest{TxnID: begin.TxnID, Participant: noURL}, nil)
	var commit api.CommitResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/txn/commit", api.TxnRequest{TxnID: begin.TxnID}, &commit)
	if commit.Committed || commit.State != string(StateRolledBack) {
		t.Fatalf("expected rolled back commit response, got %+v", commit)
	}

	var second api.BeginResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/txn/begin", nil, &second)
	var rollback api.RollbackResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/txn/rollback", api.TxnRequest{TxnID: second.TxnID}, &rollback); code != http.StatusOK {
		t.Fatalf("rollback code %d", code)
	}
	if !rollback.RolledBack || rollback.State != string(StateRolledBack) {
		t.Fatalf("unexpected rollback response %+v", rollback)
	}
}

func TestHTTPPartialFailureReported(t *testing.T) {
	t.Parallel()
	c, err := New(func() Config {
		cfg := testConfig()
		cfg.CommitRetries = 0
		return cfg
	}(), memory.New(), WithoutSweeper())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	mux := http.NewServeMux()
	NewHandler(c, pslog.NoopLogger(), false).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	broken := participant.NewMemory("broken", participant.WithCommitFailures(10))
	txnID := beginWith(t, c, broken)
	var commit api.CommitResponse
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/txn/commit", api.TxnRequest{TxnID: txnID}, &commit); code != http.StatusOK {
		t.Fatalf("commit code %d", code)
	}
	if !commit.Committed || commit.State != string(StateFailed) || len(commit.PartialFailures) != 1 {
		t.Fatalf("unexpected commit response %+v", commit)
	}
	if commit.PartialFailures[0].Participant != "broken" || commit.PartialFailures[0].Error == "" {
		t.Fatalf("unexpected partial failure %+v", commit.PartialFailures[0])
	}
}

func TestHTTPErrors(t *testing.T) {
	t.Parallel()
	_, srv := newAPIServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown commit", http.MethodPost, "/v1/txn/commit", api.TxnRequest{TxnID: "missing"}, http.StatusNotFound, "invalid_transaction"},
		{"unknown status", http.MethodGet, "/v1/txn/status?txn_id=missing", nil, http.StatusNotFound, "invalid_transaction"},
		{"missing status id", http.MethodGet, "/v1/txn/status", nil, http.StatusBadRequest, "missing_txn_id"},
		{"missing commit id", http.MethodPost, "/v1/txn/commit", api.TxnRequest{}, http.StatusBadRequest, "missing_txn_id"},
		{"bad enlist", http.MethodPost, "/v1/txn/enlist", api.EnlistRequest{TxnID: "x"}, http.StatusBadRequest, "missing_fields"},
		{"malformed enlist id", http.MethodPost, "/v1/txn/enlist", api.EnlistRequest{TxnID: "x", Participant: "http://127.0.0.1:1"}, http.StatusNotFound, "invalid_transaction"},
		{"malformed rollback id", http.MethodPost, "/v1/txn/rollback", api.TxnRequest{TxnID: "not-a-uuid"}, http.StatusNotFound, "invalid_transaction"},
		{"unknown well-formed id", http.MethodPost, "/v1/txn/commit", api.TxnRequest{TxnID: txnid.New()}, http.StatusNotFound, "invalid_transaction"},
		{"unknown field", http.MethodPost, "/v1/txn/rollback", map[string]string{"txn": "x"}, http.StatusBadRequest, "invalid_body"},
	}
	for _, tc := range cases {
		var resp api.ErrorResponse
		if got := doJSON(t, tc.method, srv.URL+tc.path, tc.body, &resp); got != tc.status {
			t.Fatalf("%s: status %d, want %d", tc.name, got, tc.status)
		}
		if resp.ErrorCode != tc.code {
			t.Fatalf("%s: code %q, want %q", tc.name, resp.ErrorCode, tc.code)
		}
	}
}

func TestHTTPEnlistUnresolvableParticipant(t *testing.T) {
	t.Parallel()
	_, srv := newAPIServer(t)
	var begin api.BeginResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/txn/begin", nil, &begin)
	var resp api.ErrorResponse
	code := doJSON(t, http.MethodPost, srv.URL+"/v1/txn/enlist", api.EnlistRequest{TxnID: begin.TxnID, Participant: "not-a-url"}, &resp)
	if code != http.StatusBadRequest || resp.ErrorCode != "invalid_participant" {
		t.Fatalf("unexpected response %d %+v", code, resp)
	}
}

func TestStartServerServesHealth(t *testing.T) {
	cfg := testConfig()
	cfg.Listen = "127.0.0.1:0"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	addr := srv.ListenerAddr()
	if addr == nil {
		t.Fatalf("expected listener address")
	}
	var health api.HealthResponse
	if code := doJSON(t, http.MethodGet, "http://"+addr.String()+"/healthz", nil, &health); code != http.StatusOK {
		t.Fatalf("health code %d", code)
	}
	if health.Status != "ok" {
		t.Fatalf("unexpected health %+v", health)
	}
	if srv.Coordinator() == nil {
		t.Fatalf("expected coordinator")
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestHTTPRequestIDReachesParticipants(t *testing.T) {
	t.Parallel()
	_, srv := newAPIServer(t)
	inventory := participant.NewMemory("inventory")
	invURL := newParticipantServer(t, inventory)

	var begin api.BeginResponse
	doJSON(t, http.MethodPost, srv.URL+"/v1/txn/begin", nil, &begin)
	doJSON(t, http.MethodPost, srv.URL+"/v1/txn/enlist", api.EnlistRequest{TxnID: begin.TxnID, Participant: invURL}, nil)

	payload, err := json.Marshal(api.TxnRequest{TxnID: begin.TxnID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/txn/commit", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(correlation.Header, "req-commit-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "req-commit-1" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	calls := inventory.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected prepare and commit, got %+v", calls)
	}
	for _, call := range calls {
		if call.RequestID != "req-commit-1" {
			t.Fatalf("call %s carried request id %q", call.Op, call.RequestID)
		}
	}
}
