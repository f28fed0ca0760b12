package main

import (
	"context"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/participant"
)

func TestStartParticipantServesProtocol(t *testing.T) {
	srv, ln, err := startParticipant(participantServeOptions{id: "demo", listen: "127.0.0.1:0", vote: "no"}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("start participant: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	remote, err := participant.NewRemote("http://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	vote, err := remote.Prepare(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if vote != participant.VoteNo {
		t.Fatalf("expected NO vote, got %s", vote)
	}
	if err := remote.Rollback(context.Background(), "txn-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestStartParticipantRejectsBadOptions(t *testing.T) {
	if _, _, err := startParticipant(participantServeOptions{id: "x", listen: "127.0.0.1:0", vote: "maybe"}, pslog.NoopLogger()); err == nil {
		t.Fatalf("expected invalid vote error")
	}
	if _, _, err := startParticipant(participantServeOptions{id: "x", listen: "127.0.0.1:0", vote: "yes", commitFailures: -1}, pslog.NoopLogger()); err == nil {
		t.Fatalf("expected negative failure count error")
	}
}
