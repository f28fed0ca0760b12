package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TPCD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tpcd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server (root
// command) rather than a subcommand, so errors go to the structured log
// instead of plain stderr.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") {
			if strings.IndexByte(arg, '=') >= 0 {
				i++
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			consumeNext := false
			sh := strings.TrimPrefix(arg, "-")
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(sh)-1
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := tpcd.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg tpcd.Config
	cmd := &cobra.Command{
		Use:           "tpcd",
		Short:         "tpcd is a two-phase commit coordinator with a durable decision log",
		SilenceErrors: true,
		Example: `
  # Disk-backed decision log under /var/lib/tpcd
  tpcd --store disk:///var/lib/tpcd

  # MinIO bucket (TLS on by default; append ?insecure=1 for HTTP)
  TPCD_STORE=s3://localhost:9000/tpcd/decisions?insecure=1 TPCD_S3_ACCESS_KEY_ID=minioadmin TPCD_S3_SECRET_ACCESS_KEY=minioadmin tpcd

  # AWS S3 (credentials from the default AWS chain)
  tpcd --store aws://my-bucket/tpcd --aws-region eu-north-1

  # In-memory log (tests/dev only, decisions are lost on restart)
  tpcd --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to tpcd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := tpcd.NewServer(ctx, cfg, tpcd.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdown := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}
			defer shutdown()
			go func() {
				<-ctx.Done()
				shutdown()
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.tpcd/config.yaml)")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", tpcd.DefaultListen, "API listen address")
	flags.String("metrics-listen", tpcd.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "add Go runtime metrics to the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("disable-http-tracing", false, "disable OpenTelemetry instrumentation of the HTTP API")
	flags.String("store", tpcd.DefaultStore, "decision log backend (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("disk-segment-size", humanizeBytes(tpcd.DefaultDiskSegmentSize), "disk log segment size before rolling")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("s3-access-key-id", "", "access key for s3:// stores (or TPCD_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores (or TPCD_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "session token for s3:// stores")
	flags.String("azure-account", "", "Azure Storage account (defaults to the azure:// host)")
	flags.String("azure-key", "", "Azure Storage account key (or TPCD_AZURE_ACCOUNT_KEY)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.Duration("prepare-timeout", tpcd.DefaultPrepareTimeout, "per-participant prepare timeout (a silent participant votes NO)")
	flags.Duration("commit-timeout", tpcd.DefaultCommitCallTimeout, "per-attempt commit call timeout")
	flags.Duration("rollback-timeout", tpcd.DefaultRollbackCallTimeout, "per-attempt rollback call timeout")
	flags.Int("commit-retries", tpcd.DefaultCommitRetries, "retries after a failed commit call")
	flags.Int("rollback-retries", tpcd.DefaultRollbackRetries, "retries after a failed rollback call")
	flags.Duration("retry-base-delay", tpcd.DefaultRetryBaseDelay, "initial participant retry backoff")
	flags.Duration("retry-max-delay", tpcd.DefaultRetryMaxDelay, "maximum participant retry backoff")
	flags.Float64("retry-multiplier", tpcd.DefaultRetryMultiplier, "participant retry backoff multiplier")
	flags.Int("max-inflight", tpcd.DefaultMaxInflight, "maximum concurrent participant calls")
	flags.Bool("sequential-rollback", false, "roll participants back one at a time in reverse enlistment order")
	flags.Duration("participant-timeout", tpcd.DefaultParticipantTimeout, "HTTP client timeout for remote participants")
	flags.Duration("decision-retention", tpcd.DefaultDecisionRetention, "how long finished transactions stay queryable")
	flags.Duration("sweeper-interval", tpcd.DefaultSweeperInterval, "interval between retention sweeps")
	flags.Float64("recovery-rate", tpcd.DefaultRecoveryRate, "transactions recovered per second at startup")
	flags.Int("recovery-burst", tpcd.DefaultRecoveryBurst, "recovery rate limiter burst")
	flags.Int("storage-retry-attempts", tpcd.DefaultStorageRetryMaxAttempts, "maximum decision log retry attempts")
	flags.Duration("storage-retry-base-delay", tpcd.DefaultStorageRetryBaseDelay, "initial backoff for decision log retries")
	flags.Duration("storage-retry-max-delay", tpcd.DefaultStorageRetryMaxDelay, "maximum backoff for decision log retries")
	flags.Float64("storage-retry-multiplier", tpcd.DefaultStorageRetryMultiplier, "backoff multiplier for decision log retries")
	flags.Duration("shutdown-timeout", tpcd.DefaultShutdownTimeout, "graceful shutdown timeout")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("TPCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range serverFlagNames {
		bindFlag(name)
	}

	cmd.AddCommand(newTxnCommand(baseLogger))
	cmd.AddCommand(newLogCommand())
	cmd.AddCommand(newParticipantCommand(baseLogger))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

var serverFlagNames = []string{
	"config", "log-level",
	"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "disable-http-tracing",
	"store", "disk-segment-size",
	"aws-region", "s3-access-key-id", "s3-secret-access-key", "s3-session-token",
	"azure-account", "azure-key", "azure-endpoint", "azure-sas-token",
	"prepare-timeout", "commit-timeout", "rollback-timeout", "commit-retries", "rollback-retries",
	"retry-base-delay", "retry-max-delay", "retry-multiplier", "max-inflight", "sequential-rollback", "participant-timeout",
	"decision-retention", "sweeper-interval", "recovery-rate", "recovery-burst",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"shutdown-timeout",
}

func bindConfig(cfg *tpcd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.DisableHTTPTracing = viper.GetBool("disable-http-tracing")
	cfg.Store = viper.GetString("store")
	if raw := strings.TrimSpace(viper.GetString("disk-segment-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse disk-segment-size: %w", err)
		}
		cfg.DiskSegmentSize = int64(size)
	}
	cfg.AWSRegion = viper.GetString("aws-region")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.PrepareTimeout = viper.GetDuration("prepare-timeout")
	cfg.CommitCallTimeout = viper.GetDuration("commit-timeout")
	cfg.RollbackCallTimeout = viper.GetDuration("rollback-timeout")
	cfg.CommitRetries = viper.GetInt("commit-retries")
	cfg.RollbackRetries = viper.GetInt("rollback-retries")
	cfg.RetryBaseDelay = viper.GetDuration("retry-base-delay")
	cfg.RetryMaxDelay = viper.GetDuration("retry-max-delay")
	cfg.RetryMultiplier = viper.GetFloat64("retry-multiplier")
	cfg.MaxInflight = viper.GetInt("max-inflight")
	cfg.SequentialRollback = viper.GetBool("sequential-rollback")
	cfg.ParticipantTimeout = viper.GetDuration("participant-timeout")
	cfg.DecisionRetention = viper.GetDuration("decision-retention")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	cfg.RecoveryRate = viper.GetFloat64("recovery-rate")
	cfg.RecoveryBurst = viper.GetInt("recovery-burst")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

// durationOr returns d, or fallback when d is not positive.
func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
