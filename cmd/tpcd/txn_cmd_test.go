package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/api"
	"pkt.systems/tpcd/internal/decisionlog/memory"
	"pkt.systems/tpcd/participant"
)

func startCoordinator(t *testing.T) string {
	t.Helper()
	cfg := tpcd.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.CommitRetries = 1
	coord, err := tpcd.New(cfg, memory.New(), tpcd.WithoutSweeper())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	mux := http.NewServeMux()
	tpcd.NewHandler(coord, pslog.NoopLogger(), false).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = coord.Close()
	})
	return srv.URL
}

func startMemoryParticipant(t *testing.T, p *participant.Memory) string {
	t.Helper()
	srv := httptest.NewServer(participant.NewHandler(p, pslog.NoopLogger()))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestTxnCommandsCommitFlow(t *testing.T) {
	resetViper(t)
	server := startCoordinator(t)
	inventory := participant.NewMemory("inventory")
	ledger := participant.NewMemory("ledger")
	invURL := startMemoryParticipant(t, inventory)
	ledURL := startMemoryParticipant(t, ledger)

	stdout, _, err := executeRootCommand(t, "txn", "begin", "--server", server, "--output", "json")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var begin api.BeginResponse
	if err := json.Unmarshal([]byte(stdout), &begin); err != nil || begin.TxnID == "" {
		t.Fatalf("decode begin %q: %v", stdout, err)
	}

	stdout, _, err = executeRootCommand(t, "txn", "enlist", "-s", server, "--txn", begin.TxnID, invURL, ledURL)
	if err != nil {
		t.Fatalf("enlist: %v", err)
	}
	if got := strings.Fields(stdout); len(got) != 2 || got[0] != invURL || got[1] != ledURL {
		t.Fatalf("unexpected enlist output %q", stdout)
	}

	t.Setenv(envTxnID, begin.TxnID)
	stdout, _, err = executeRootCommand(t, "txn", "commit", "--server", server)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !strings.Contains(stdout, "committed: true") || !strings.Contains(stdout, "state: "+string(tpcd.StateCommitted)) {
		t.Fatalf("unexpected commit output %q", stdout)
	}
	if inventory.State(begin.TxnID) != participant.TxnCommitted || ledger.State(begin.TxnID) != participant.TxnCommitted {
		t.Fatalf("participants not committed")
	}

	stdout, _, err = executeRootCommand(t, "txn", "status", "--server", server)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"txn_id: " + begin.TxnID, "decision: COMMIT", invURL + ": " + string(tpcd.OutcomeCommitted)} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("missing %q in status output %q", want, stdout)
		}
	}

	stdout, _, err = executeRootCommand(t, "txn", "list", "--server", server, "--output", "json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list api.TxnListResponse
	if err := json.Unmarshal([]byte(stdout), &list); err != nil || len(list.Transactions) != 1 {
		t.Fatalf("unexpected list %q: %v", stdout, err)
	}
}

func TestTxnCommitPartialFailureExitsNonZero(t *testing.T) {
	resetViper(t)
	server := startCoordinator(t)
	broken := participant.NewMemory("broken", participant.WithCommitFailures(100))
	brokenURL := startMemoryParticipant(t, broken)

	stdout, _, err := executeRootCommand(t, "txn", "begin", "--server", server)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	txnID := strings.TrimSpace(stdout)
	if _, _, err := executeRootCommand(t, "txn", "enlist", "--server", server, "--txn", txnID, brokenURL); err != nil {
		t.Fatalf("enlist: %v", err)
	}
	stdout, _, err = executeRootCommand(t, "txn", "commit", "--server", server, "--txn", txnID)
	if err == nil {
		t.Fatalf("expected partial commit error")
	}
	if !strings.Contains(stdout, "unacknowledged: "+brokenURL) {
		t.Fatalf("expected unacknowledged participant in %q", stdout)
	}
}

func TestTxnRollbackAndMissingID(t *testing.T) {
	resetViper(t)
	server := startCoordinator(t)
	stdout, _, err := executeRootCommand(t, "txn", "begin", "--server", server, "--output", "env")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	prefix := "export " + envTxnID + "="
	if !strings.HasPrefix(stdout, prefix) {
		t.Fatalf("unexpected env output %q", stdout)
	}
	txnID := strings.TrimSpace(strings.TrimPrefix(stdout, prefix))
	stdout, _, err = executeRootCommand(t, "txn", "rollback", "--server", server, "--txn", txnID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !strings.Contains(stdout, "rolled_back: true") {
		t.Fatalf("unexpected rollback output %q", stdout)
	}

	t.Setenv(envTxnID, "")
	if _, _, err := executeRootCommand(t, "txn", "commit", "--server", server); err == nil || !strings.Contains(err.Error(), envTxnID) {
		t.Fatalf("expected missing txn id error, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "txn", "status", "--server", server, "--txn", "unknown"); err == nil || !strings.Contains(err.Error(), "invalid_transaction") {
		t.Fatalf("expected invalid transaction error, got %v", err)
	}
}
