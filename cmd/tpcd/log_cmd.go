package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/decisionlog"
	"pkt.systems/tpcd/internal/decisionlog/disk"
)

func newLogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect a disk decision log",
		Long: `Inspect a disk decision log directory. The commands read segments
without taking the writer lock, so they are safe against a running
coordinator.`,
	}
	cmd.AddCommand(newLogDumpCommand(), newLogTailCommand(), newLogStatCommand())
	return cmd
}

// resolveLogDir accepts a directory or a disk:// store URL.
func resolveLogDir(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", errors.New("log directory required")
	}
	if !strings.Contains(arg, "://") {
		return expandPath(arg)
	}
	dcfg, err := tpcd.BuildDiskConfig(tpcd.Config{Store: arg})
	if err != nil {
		return "", err
	}
	return dcfg.Dir, nil
}

func newLogDumpCommand() *cobra.Command {
	var output, txnFilter string
	var summary bool
	cmd := &cobra.Command{
		Use:   "dump DIR",
		Short: "Print every entry (or a per-transaction summary)",
		Example: `  tpcd log dump /var/lib/tpcd
  tpcd log dump disk:///var/lib/tpcd --summary
  tpcd log dump /var/lib/tpcd --txn 0190f6d2-8c1e-7c4e-9c55-4f3b7e8f2a10 --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveLogDir(args[0])
			if err != nil {
				return err
			}
			entries, err := disk.Read(dir)
			if err != nil {
				return err
			}
			if txnFilter != "" {
				filtered := entries[:0]
				for _, e := range entries {
					if e.TxnID == txnFilter {
						filtered = append(filtered, e)
					}
				}
				entries = filtered
			}
			out := cmd.OutOrStdout()
			asJSON := outputMode(strings.ToLower(output)) == outputJSON
			if summary {
				groups := decisionlog.Group(entries)
				if asJSON {
					return writeJSON(out, groups)
				}
				for _, s := range groups {
					printSummary(out, s)
				}
				return nil
			}
			if asJSON {
				return writeJSON(out, entries)
			}
			for _, e := range entries {
				printEntry(out, e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", string(outputText), "output format (text|json)")
	cmd.Flags().StringVar(&txnFilter, "txn", "", "only show entries for this transaction")
	cmd.Flags().BoolVar(&summary, "summary", false, "fold entries into one summary per transaction")
	return cmd
}

func newLogTailCommand() *cobra.Command {
	var afterSeq uint64
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "tail DIR",
		Short: "Stream entries as they are appended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveLogDir(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = disk.Follow(cmd.Context(), dir, disk.FollowOptions{AfterSeq: afterSeq, PollInterval: poll}, func(e decisionlog.Entry) error {
				printEntry(out, e)
				return nil
			})
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&afterSeq, "after", 0, "skip entries with seq <= after")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "rescan interval when no filesystem events arrive")
	return cmd
}

func newLogStatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat DIR",
		Short: "Summarise segments and transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := resolveLogDir(args[0])
			if err != nil {
				return err
			}
			st, err := disk.Stat(dir)
			if err != nil {
				return err
			}
			entries, err := disk.Read(dir)
			if err != nil {
				return err
			}
			groups := decisionlog.Group(entries)
			var unfinished int
			for _, s := range groups {
				if !s.Finished() {
					unfinished++
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "directory: %s\n", dir)
			fmt.Fprintf(out, "segments: %d (%s)\n", st.Segments, humanizeBytes(st.Bytes))
			fmt.Fprintf(out, "entries: %s\n", humanize.Comma(int64(len(entries))))
			fmt.Fprintf(out, "transactions: %d (%d unfinished)\n", len(groups), unfinished)
			if n := len(entries); n > 0 {
				last := entries[n-1]
				fmt.Fprintf(out, "last entry: seq %d, %s\n", last.Seq, humanize.Time(last.Timestamp))
			}
			return nil
		},
	}
	return cmd
}

func printEntry(out io.Writer, e decisionlog.Entry) {
	fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano), e.TxnID, e.Event())
}

func printSummary(out io.Writer, s decisionlog.Summary) {
	state := s.Terminal
	if state == "" {
		state = "UNFINISHED"
	}
	decision := "-"
	if s.Decided() {
		decision = s.Decision
	}
	fmt.Fprintf(out, "%s\t%s\tdecision=%s\tparticipants=%s\n", s.TxnID, state, decision, strings.Join(s.Participants, ","))
}
