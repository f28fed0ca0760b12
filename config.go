package tpcd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/tpcd/internal/decisionlog/disk"
	"pkt.systems/tpcd/internal/phase"
)

const (
	// DefaultListen is the default TCP endpoint the coordinator API binds to.
	DefaultListen = ":9451"
	// DefaultMetricsListen is the default Prometheus scrape endpoint.
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultStore points the coordinator at the in-memory decision log.
	DefaultStore = "mem://"
	// DefaultPrepareTimeout bounds each participant prepare call.
	DefaultPrepareTimeout = 5 * time.Second
	// DefaultCommitCallTimeout bounds each participant commit attempt.
	DefaultCommitCallTimeout = 5 * time.Second
	// DefaultRollbackCallTimeout bounds each participant rollback attempt.
	DefaultRollbackCallTimeout = 5 * time.Second
	// DefaultCommitRetries is how many times a failed commit call is retried.
	DefaultCommitRetries = 3
	// DefaultRollbackRetries is how many times a failed rollback call is retried.
	DefaultRollbackRetries = 3
	// DefaultRetryBaseDelay is the first backoff delay between participant retries.
	DefaultRetryBaseDelay = 100 * time.Millisecond
	// DefaultRetryMaxDelay caps the participant retry backoff.
	DefaultRetryMaxDelay = 5 * time.Second
	// DefaultRetryMultiplier is the exponential backoff ratio.
	DefaultRetryMultiplier = 2.0
	// DefaultMaxInflight bounds concurrent participant calls across transactions.
	DefaultMaxInflight = phase.DefaultMaxInflight
	// DefaultDecisionRetention keeps terminal records for duplicate commit queries.
	DefaultDecisionRetention = 15 * time.Minute
	// DefaultSweeperInterval sets how often expired terminal records are evicted.
	DefaultSweeperInterval = time.Minute
	// DefaultRecoveryRate caps how many transactions recovery resumes per second.
	DefaultRecoveryRate = 50.0
	// DefaultRecoveryBurst is the recovery limiter burst.
	DefaultRecoveryBurst = 10
	// DefaultStorageRetryMaxAttempts describes how many transient log errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between log retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between log retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the log retry backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultParticipantTimeout bounds a single HTTP request to a remote participant.
	DefaultParticipantTimeout = 30 * time.Second
	// DefaultDiskSegmentSize caps a disk log segment before rolling.
	DefaultDiskSegmentSize = disk.DefaultSegmentSize
	// DefaultS3Region is used for aws:// stores when no region is configured.
	DefaultS3Region = "us-east-1"
)

// Config captures the tunables for a tpcd coordinator and server.
type Config struct {
	// Listen is the HTTP API bind address (for example ":9451").
	Listen string
	// MetricsListen is the Prometheus endpoint bind address; empty disables it.
	MetricsListen string
	// OTLPEndpoint enables OTLP trace export to the given collector.
	OTLPEndpoint string
	// PprofListen exposes net/http/pprof on a separate listener; empty disables it.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool
	// Store is the decision log DSN (mem://, disk://, s3://, aws://, azure://).
	Store string
	// DiskSegmentSize caps disk log segments.
	DiskSegmentSize int64

	// AWSRegion is used by aws:// stores.
	AWSRegion string
	// S3AccessKeyID and S3SecretAccessKey override the credential chain for s3:// stores.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// AzureAccount, AzureAccountKey, AzureEndpoint and AzureSASToken configure azure:// stores.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// PrepareTimeout bounds each prepare call; a silent participant votes NO.
	PrepareTimeout time.Duration
	// CommitCallTimeout bounds each commit attempt.
	CommitCallTimeout time.Duration
	// RollbackCallTimeout bounds each rollback attempt.
	RollbackCallTimeout time.Duration
	// CommitRetries is the number of retries after a failed commit call.
	CommitRetries int
	// RollbackRetries is the number of retries after a failed rollback call.
	RollbackRetries int
	// RetryBaseDelay, RetryMaxDelay and RetryMultiplier shape participant
	// retry backoff: base * multiplier^attempt, capped at max.
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RetryMultiplier float64
	// MaxInflight bounds concurrent participant calls.
	MaxInflight int
	// SequentialRollback rolls participants back one at a time in reverse
	// enlistment order instead of launching them concurrently in that order.
	SequentialRollback bool

	// DecisionRetention keeps terminal transactions queryable.
	DecisionRetention time.Duration
	// SweeperInterval controls how often expired terminal records are evicted.
	SweeperInterval time.Duration
	// RecoveryRate and RecoveryBurst pace recovery of unfinished transactions.
	RecoveryRate  float64
	RecoveryBurst int

	// StorageRetry* configure retries of transient decision log errors.
	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// ShutdownTimeout caps graceful HTTP shutdown.
	ShutdownTimeout time.Duration
	// ParticipantTimeout bounds each HTTP request made to a remote participant.
	ParticipantTimeout time.Duration
	// DisableHTTPTracing disables otelhttp instrumentation of the API.
	DisableHTTPTracing bool
}

// DefaultConfig returns a Config with every default applied. Validate
// treats zero retries as "no retries", so the retry defaults only come from
// here.
func DefaultConfig() Config {
	cfg := Config{
		Store:           DefaultStore,
		CommitRetries:   DefaultCommitRetries,
		RollbackRetries: DefaultRollbackRetries,
	}
	_ = cfg.Validate()
	return cfg
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}
	c.Store = strings.TrimSpace(c.Store)
	if c.Store == "" {
		return fmt.Errorf("config: store is required")
	}
	if c.DiskSegmentSize < 0 {
		return fmt.Errorf("config: disk segment size must be >= 0")
	}
	if c.DiskSegmentSize == 0 {
		c.DiskSegmentSize = DefaultDiskSegmentSize
	}
	if c.AWSRegion == "" {
		c.AWSRegion = DefaultS3Region
	}
	for name, d := range map[string]time.Duration{
		"prepare timeout":       c.PrepareTimeout,
		"commit call timeout":   c.CommitCallTimeout,
		"rollback call timeout": c.RollbackCallTimeout,
		"retry base delay":      c.RetryBaseDelay,
		"retry max delay":       c.RetryMaxDelay,
		"decision retention":    c.DecisionRetention,
		"sweeper interval":      c.SweeperInterval,
		"shutdown timeout":      c.ShutdownTimeout,
		"participant timeout":   c.ParticipantTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must be >= 0", name)
		}
	}
	if c.PrepareTimeout == 0 {
		c.PrepareTimeout = DefaultPrepareTimeout
	}
	if c.CommitCallTimeout == 0 {
		c.CommitCallTimeout = DefaultCommitCallTimeout
	}
	if c.RollbackCallTimeout == 0 {
		c.RollbackCallTimeout = DefaultRollbackCallTimeout
	}
	if c.CommitRetries < 0 {
		return fmt.Errorf("config: commit retries must be >= 0")
	}
	if c.RollbackRetries < 0 {
		return fmt.Errorf("config: rollback retries must be >= 0")
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry max delay must be >= retry base delay")
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1")
	}
	if c.MaxInflight < 0 {
		return fmt.Errorf("config: max inflight must be >= 0")
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.DecisionRetention == 0 {
		c.DecisionRetention = DefaultDecisionRetention
	}
	if c.SweeperInterval == 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.RecoveryRate < 0 {
		return fmt.Errorf("config: recovery rate must be >= 0")
	}
	if c.RecoveryRate == 0 {
		c.RecoveryRate = DefaultRecoveryRate
	}
	if c.RecoveryBurst <= 0 {
		c.RecoveryBurst = DefaultRecoveryBurst
	}
	if c.StorageRetryMaxAttempts < 0 {
		return fmt.Errorf("config: storage retry attempts must be >= 0")
	}
	if c.StorageRetryMaxAttempts == 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ParticipantTimeout == 0 {
		c.ParticipantTimeout = DefaultParticipantTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.tpcd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TPCD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tpcd"), nil
}

// DefaultConfigPath returns the default YAML config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
