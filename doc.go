// Package tpcd is a two-phase commit coordinator. It drives a set of
// participants through prepare and commit (or rollback), writes its decision
// to a durable append-only log before telling anyone about it, and replays
// that log on start so an interrupted transaction finishes the way it was
// decided.
//
// # Embedding a coordinator
//
// Open builds a Coordinator from a Config, opening the decision log named by
// Config.Store and replaying it before returning:
//
//	cfg := tpcd.DefaultConfig()
//	cfg.Store = "disk:///var/lib/tpcd"
//	coord, err := tpcd.Open(ctx, cfg, tpcd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	defer coord.Close()
//
//	txnID, _ := coord.Begin(ctx)
//	_ = coord.Enlist(ctx, txnID, inventory)
//	_ = coord.Enlist(ctx, txnID, ledger)
//	committed, err := coord.Commit(ctx, txnID)
//
// Commit returns (true, nil) when every participant voted YES and
// acknowledged the commit, and (false, nil) when the transaction was rolled
// back. When the COMMIT decision is durable but some participants never
// acknowledged it, Commit returns true together with a *PartialCommitError
// listing them; the transaction ends FAILED and recovery does not retry it.
// Calling Commit again on a finished transaction returns the recorded outcome
// without contacting anyone.
//
// Participants implement participant.Participant. participant.Remote talks
// to a participant over HTTP; participant.Memory is an in-process participant
// with scriptable votes and failures.
//
// # Running a server
//
// NewServer wraps a Coordinator in the JSON/HTTP API served under /v1/txn:
//
//	srv, err := tpcd.NewServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("tpcd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer does the same and returns once the listener is ready, which is
// convenient in tests. The Go client in pkt.systems/tpcd/client wraps the API.
//
// # Decision log backends
//
// Config.Store selects where the log lives:
//
//   - mem:// keeps entries in memory (tests, demos).
//   - disk:///var/lib/tpcd writes fsynced, size-rotated segment files.
//   - s3://bucket/prefix, aws://bucket/prefix and azure://container/prefix
//     store one object per entry.
//
// Storage calls are retried with exponential backoff for transient errors
// (Config.StorageRetry*). When the COMMIT decision cannot be confirmed as
// written, Commit returns ErrDecisionInDoubt without contacting participants
// again; they stay prepared and the next start settles the transaction from
// whatever the log holds.
//
// # Recovery and retention
//
// On start every unfinished transaction in the log is resolved: those with a
// DECISION are driven to completion, those without one are rolled back.
// Finished transactions stay queryable for Config.DecisionRetention, after
// which the sweeper forgets them and Status reports ErrInvalidTransaction.
package tpcd
