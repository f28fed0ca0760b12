package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/svcfields"
	"pkt.systems/tpcd/participant"
)

func newParticipantCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "participant",
		Short: "Run demo participants that speak the participant HTTP protocol",
	}
	cmd.AddCommand(newParticipantServeCommand(baseLogger))
	return cmd
}

type participantServeOptions struct {
	id               string
	listen           string
	vote             string
	prepareDelay     time.Duration
	commitFailures   int
	rollbackFailures int
}

func newParticipantServeCommand(baseLogger pslog.Logger) *cobra.Command {
	opts := participantServeOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory participant with scriptable votes and failures",
		Example: `  # A participant that always votes YES
  tpcd participant serve --id inventory --listen :9500

  # A participant that votes NO
  tpcd participant serve --id ledger --listen :9501 --vote no

  # A participant that fails its first two commit calls
  tpcd participant serve --id flaky --listen :9502 --commit-failures 2`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := svcfields.WithSubsystem(baseLogger, svcfields.Participant).With("participant", opts.id)
			srv, ln, err := startParticipant(opts, logger)
			if err != nil {
				return err
			}
			logger.Info("participant.listening", "address", ln.Addr().String())
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()
			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.id, "id", "demo", "participant id (used in logs; the coordinator addresses it by URL)")
	flags.StringVar(&opts.listen, "listen", ":9500", "listen address")
	flags.StringVar(&opts.vote, "vote", "yes", "vote returned by prepare (yes|no)")
	flags.DurationVar(&opts.prepareDelay, "prepare-delay", 0, "delay before answering prepare (simulates a slow participant)")
	flags.IntVar(&opts.commitFailures, "commit-failures", 0, "number of commit calls to fail before succeeding")
	flags.IntVar(&opts.rollbackFailures, "rollback-failures", 0, "number of rollback calls to fail before succeeding")
	return cmd
}

func startParticipant(opts participantServeOptions, logger pslog.Logger) (*http.Server, net.Listener, error) {
	vote, err := participant.ParseVote(opts.vote)
	if err != nil {
		return nil, nil, err
	}
	if opts.commitFailures < 0 || opts.rollbackFailures < 0 {
		return nil, nil, fmt.Errorf("failure counts must be >= 0")
	}
	mem := participant.NewMemory(opts.id,
		participant.WithVote(vote),
		participant.WithPrepareDelay(opts.prepareDelay),
		participant.WithCommitFailures(opts.commitFailures),
		participant.WithRollbackFailures(opts.rollbackFailures),
		participant.WithObserver(func(c participant.Call) {
			logger.Info("participant.call", "op", c.Op, svcfields.TxnKey, c.TxnID, "req_id", c.RequestID)
		}),
	)
	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen (%s): %w", opts.listen, err)
	}
	srv := &http.Server{
		Handler:           participant.NewHandler(mem, logger).Instrumented(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, ln, nil
}
