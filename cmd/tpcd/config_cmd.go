package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tpcd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tpcd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tpcd/config.yaml"
	if p, err := tpcd.DefaultConfigPath(); err == nil {
		defaultOutput = p
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tpcd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				p, err := tpcd.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = p
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the file back without translation.
type configDefaults struct {
	Listen                  string  `yaml:"listen"`
	MetricsListen           string  `yaml:"metrics-listen"`
	PprofListen             string  `yaml:"pprof-listen"`
	EnableProfilingMetrics  bool    `yaml:"enable-profiling-metrics"`
	OTLPEndpoint            string  `yaml:"otlp-endpoint"`
	DisableHTTPTracing      bool    `yaml:"disable-http-tracing"`
	Store                   string  `yaml:"store"`
	DiskSegmentSize         string  `yaml:"disk-segment-size"`
	AWSRegion               string  `yaml:"aws-region"`
	AzureEndpoint           string  `yaml:"azure-endpoint"`
	PrepareTimeout          string  `yaml:"prepare-timeout"`
	CommitTimeout           string  `yaml:"commit-timeout"`
	RollbackTimeout         string  `yaml:"rollback-timeout"`
	CommitRetries           int     `yaml:"commit-retries"`
	RollbackRetries         int     `yaml:"rollback-retries"`
	RetryBaseDelay          string  `yaml:"retry-base-delay"`
	RetryMaxDelay           string  `yaml:"retry-max-delay"`
	RetryMultiplier         float64 `yaml:"retry-multiplier"`
	MaxInflight             int     `yaml:"max-inflight"`
	SequentialRollback      bool    `yaml:"sequential-rollback"`
	ParticipantTimeout      string  `yaml:"participant-timeout"`
	DecisionRetention       string  `yaml:"decision-retention"`
	SweeperInterval         string  `yaml:"sweeper-interval"`
	RecoveryRate            float64 `yaml:"recovery-rate"`
	RecoveryBurst           int     `yaml:"recovery-burst"`
	StorageRetryMaxAttempts int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay   string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay    string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier  float64 `yaml:"storage-retry-multiplier"`
	ShutdownTimeout         string  `yaml:"shutdown-timeout"`
	LogLevel                string  `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                  tpcd.DefaultListen,
		MetricsListen:           tpcd.DefaultMetricsListen,
		Store:                   tpcd.DefaultStore,
		DiskSegmentSize:         humanizeBytes(tpcd.DefaultDiskSegmentSize),
		PrepareTimeout:          tpcd.DefaultPrepareTimeout.String(),
		CommitTimeout:           tpcd.DefaultCommitCallTimeout.String(),
		RollbackTimeout:         tpcd.DefaultRollbackCallTimeout.String(),
		CommitRetries:           tpcd.DefaultCommitRetries,
		RollbackRetries:         tpcd.DefaultRollbackRetries,
		RetryBaseDelay:          tpcd.DefaultRetryBaseDelay.String(),
		RetryMaxDelay:           tpcd.DefaultRetryMaxDelay.String(),
		RetryMultiplier:         tpcd.DefaultRetryMultiplier,
		MaxInflight:             tpcd.DefaultMaxInflight,
		ParticipantTimeout:      tpcd.DefaultParticipantTimeout.String(),
		DecisionRetention:       tpcd.DefaultDecisionRetention.String(),
		SweeperInterval:         tpcd.DefaultSweeperInterval.String(),
		RecoveryRate:            tpcd.DefaultRecoveryRate,
		RecoveryBurst:           tpcd.DefaultRecoveryBurst,
		StorageRetryMaxAttempts: tpcd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:   tpcd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:    tpcd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier:  tpcd.DefaultStorageRetryMultiplier,
		ShutdownTimeout:         tpcd.DefaultShutdownTimeout.String(),
		LogLevel:                "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
