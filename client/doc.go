// Package client provides the Go SDK for driving a tpcd coordinator over
// HTTP. It mirrors the CLI and exposes the transaction lifecycle as typed
// calls.
//
// # Quick start
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:9451")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	txnID, err := cli.Begin(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, endpoint := range []string{"http://inventory:9500", "http://ledger:9500"} {
//	    if _, err := cli.Enlist(ctx, txnID, endpoint); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//	res, err := cli.Commit(ctx, txnID)
//	switch {
//	case errors.Is(err, client.ErrPartialCommit):
//	    // COMMIT was decided but some participants never acknowledged.
//	case err != nil:
//	    log.Fatal(err)
//	case !res.Committed:
//	    // a participant voted NO or timed out; everything was rolled back.
//	}
//
// Participants are addressed by their base endpoint URL. The coordinator
// calls /v1/participant/{prepare,commit,rollback} below that URL.
//
// # Errors
//
// Non-2xx answers surface as *APIError carrying the server's error code.
// Unknown transaction ids map to ErrInvalidTransaction via errors.Is.
package client
