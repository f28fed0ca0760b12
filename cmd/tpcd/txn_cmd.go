package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/api"
	tpcdclient "pkt.systems/tpcd/client"
	"pkt.systems/tpcd/internal/svcfields"
)

const (
	txnServerKey   = "txn.server"
	txnTimeoutKey  = "txn.timeout"
	txnLogLevelKey = "txn.log-level"

	envTxnID = "TPCD_TXN_ID"

	defaultServer = "http://127.0.0.1:9451"
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

type txnCLIConfig struct {
	baseLogger pslog.Logger
	server     string
	timeout    time.Duration
	logger     pslog.Logger
	loaded     bool
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *txnCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	c.server = strings.TrimSpace(viper.GetString(txnServerKey))
	if c.server == "" {
		c.server = defaultServer
	}
	c.timeout = durationOr(viper.GetDuration(txnTimeoutKey), tpcdclient.DefaultHTTPTimeout)
	c.logger = pslog.NoopLogger()
	levelName := strings.TrimSpace(viper.GetString(txnLogLevelKey))
	if levelName != "" && levelName != "none" {
		level, ok := pslog.ParseLevel(levelName)
		if !ok {
			return fmt.Errorf("invalid log level %q", levelName)
		}
		c.logger = svcfields.WithSubsystem(c.baseLogger, "cli.txn").LogLevel(level)
	}
	c.loaded = true
	return nil
}

func (c *txnCLIConfig) client() (*tpcdclient.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	return tpcdclient.New(c.server,
		tpcdclient.WithHTTPTimeout(c.timeout),
		tpcdclient.WithLogger(c.logger),
	)
}

func resolveTxnID(flagValue string) (string, error) {
	if id := strings.TrimSpace(flagValue); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(os.Getenv(envTxnID)); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("transaction id required (specify --txn or export %s)", envTxnID)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func newTxnCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &txnCLIConfig{baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:          "txn",
		Short:        "Drive transactions on a running coordinator",
		SilenceUsage: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultServer, "coordinator base URL")
	flags.Duration("timeout", tpcdclient.DefaultHTTPTimeout, "HTTP request timeout")
	flags.String("client-log-level", "none", "client log level (trace|debug|info|warn|error|none)")
	mustBindFlag(txnServerKey, "TPCD_SERVER", flags.Lookup("server"))
	mustBindFlag(txnTimeoutKey, "TPCD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(txnLogLevelKey, "TPCD_CLIENT_LOG_LEVEL", flags.Lookup("client-log-level"))

	cmd.AddCommand(
		newTxnBeginCommand(cfg),
		newTxnEnlistCommand(cfg),
		newTxnCommitCommand(cfg),
		newTxnRollbackCommand(cfg),
		newTxnStatusCommand(cfg),
		newTxnListCommand(cfg),
	)
	return cmd
}

func newTxnBeginCommand(cfg *txnCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Start a transaction",
		Example: `  # Start a transaction and keep its id for later commands
  eval "$(tpcd txn begin --output env)"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			txnID, err := cli.Begin(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch outputMode(strings.ToLower(output)) {
			case outputJSON:
				return writeJSON(out, api.BeginResponse{TxnID: txnID})
			case "env":
				_, err = fmt.Fprintf(out, "export %s=%s\n", envTxnID, txnID)
			default:
				_, err = fmt.Fprintln(out, txnID)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json|env)")
	return cmd
}

func newTxnEnlistCommand(cfg *txnCLIConfig) *cobra.Command {
	var txnFlag, output string
	cmd := &cobra.Command{
		Use:   "enlist PARTICIPANT...",
		Short: "Enlist participants (registered ids or HTTP endpoints) into a transaction",
		Example: `  tpcd txn enlist --txn "$TPCD_TXN_ID" http://inventory:9500 http://ledger:9500`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			txnID, err := resolveTxnID(txnFlag)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			var enlisted []string
			for _, participant := range args {
				enlisted, err = cli.Enlist(cmd.Context(), txnID, participant)
				if err != nil {
					return fmt.Errorf("enlist %s: %w", participant, err)
				}
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), api.EnlistResponse{TxnID: txnID, Participants: enlisted})
			}
			for _, id := range enlisted {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&txnFlag, "txn", "", "transaction id (falls back to "+envTxnID+")")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newTxnCommitCommand(cfg *txnCLIConfig) *cobra.Command {
	var txnFlag, output string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Run two-phase commit for a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			txnID, err := resolveTxnID(txnFlag)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.Commit(cmd.Context(), txnID)
			var partial *tpcdclient.PartialCommitError
			if err != nil && !errors.As(err, &partial) {
				return err
			}
			out := cmd.OutOrStdout()
			if outputMode(strings.ToLower(output)) == outputJSON {
				if werr := writeJSON(out, resp); werr != nil {
					return werr
				}
			} else {
				fmt.Fprintf(out, "committed: %t\nstate: %s\n", resp.Committed, resp.State)
				for _, f := range resp.PartialFailures {
					fmt.Fprintf(out, "unacknowledged: %s (%s)\n", f.Participant, f.Error)
				}
			}
			// A partial commit still exits non-zero.
			return err
		},
	}
	cmd.Flags().StringVar(&txnFlag, "txn", "", "transaction id (falls back to "+envTxnID+")")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newTxnRollbackCommand(cfg *txnCLIConfig) *cobra.Command {
	var txnFlag, output string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Abort a transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			txnID, err := resolveTxnID(txnFlag)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.Rollback(cmd.Context(), txnID)
			if err != nil {
				return err
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "rolled_back: %t\nstate: %s\n", resp.RolledBack, resp.State)
			return err
		},
	}
	cmd.Flags().StringVar(&txnFlag, "txn", "", "transaction id (falls back to "+envTxnID+")")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newTxnStatusCommand(cfg *txnCLIConfig) *cobra.Command {
	var txnFlag, output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a transaction's state and participants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			txnID, err := resolveTxnID(txnFlag)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			resp, err := cli.Status(cmd.Context(), txnID)
			if err != nil {
				return err
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			printStatus(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&txnFlag, "txn", "", "transaction id (falls back to "+envTxnID+")")
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func newTxnListCommand(cfg *txnCLIConfig) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions the coordinator tracks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			txns, err := cli.List(cmd.Context())
			if err != nil {
				return err
			}
			if outputMode(strings.ToLower(output)) == outputJSON {
				return writeJSON(cmd.OutOrStdout(), api.TxnListResponse{Transactions: txns})
			}
			for _, txn := range txns {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d participants\t%s\n",
					txn.TxnID, txn.State, len(txn.Participants), formatTime(txn.UpdatedAtUnix))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	return cmd
}

func printStatus(out io.Writer, resp api.StatusResponse) {
	fmt.Fprintf(out, "txn_id: %s\nstate: %s\n", resp.TxnID, resp.State)
	if resp.Decision != "" {
		fmt.Fprintf(out, "decision: %s\n", resp.Decision)
	}
	if ts := formatTime(resp.CreatedAtUnix); ts != "" {
		fmt.Fprintf(out, "created: %s\n", ts)
	}
	if ts := formatTime(resp.UpdatedAtUnix); ts != "" {
		fmt.Fprintf(out, "updated: %s\n", ts)
	}
	for _, p := range resp.Participants {
		if p.Error != "" {
			fmt.Fprintf(out, "  %s: %s (%s)\n", p.ID, p.Outcome, p.Error)
			continue
		}
		fmt.Fprintf(out, "  %s: %s\n", p.ID, p.Outcome)
	}
}
