package tpcd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/clock"
	"pkt.systems/tpcd/internal/decisionlog"
	awslog "pkt.systems/tpcd/internal/decisionlog/aws"
	azurelog "pkt.systems/tpcd/internal/decisionlog/azure"
	"pkt.systems/tpcd/internal/decisionlog/disk"
	"pkt.systems/tpcd/internal/decisionlog/logging"
	"pkt.systems/tpcd/internal/decisionlog/memory"
	"pkt.systems/tpcd/internal/decisionlog/objectlog"
	"pkt.systems/tpcd/internal/decisionlog/retry"
	"pkt.systems/tpcd/internal/decisionlog/s3"
	"pkt.systems/tpcd/internal/svcfields"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenDecisionLog opens the decision log named by cfg.Store, wrapped with
// tracing and transient-error retries. cfg must already be validated.
func OpenDecisionLog(ctx context.Context, cfg Config, logger pslog.Logger) (decisionlog.Log, error) {
	return openDecisionLog(ctx, cfg, logger, clock.Real{})
}

func openDecisionLog(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (decisionlog.Log, error) {
	logger = svcfields.WithSubsystem(logger, svcfields.DecisionLog)
	scheme, inner, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	wrapped := retry.Wrap(inner, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	logger.Info("decisionlog.opened", "backend", scheme)
	return logging.Wrap(wrapped, logger, scheme), nil
}

func openBackend(ctx context.Context, cfg Config, logger pslog.Logger) (string, decisionlog.Log, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return "", nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return "mem", memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return "", nil, err
		}
		diskCfg.Logger = logger
		log, err := disk.Open(diskCfg)
		if err != nil {
			return "", nil, err
		}
		return "disk", log, nil
	case "s3":
		s3cfg, prefix, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return "", nil, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return "", nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return "", nil, fmt.Errorf("object store connectivity check failed: %w", err)
		}
		log, err := objectlog.New(ctx, store, prefix, logger)
		return "s3", log, err
	case "aws":
		awscfg, prefix, err := BuildAWSConfig(cfg)
		if err != nil {
			return "", nil, err
		}
		store, err := awslog.New(ctx, awscfg)
		if err != nil {
			return "", nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return "", nil, fmt.Errorf("object store connectivity check failed: %w", err)
		}
		log, err := objectlog.New(ctx, store, prefix, logger)
		return "aws", log, err
	case "azure":
		azureCfg, prefix, err := BuildAzureConfig(cfg)
		if err != nil {
			return "", nil, err
		}
		store, err := azurelog.New(ctx, azureCfg)
		if err != nil {
			return "", nil, err
		}
		log, err := objectlog.New(ctx, store, prefix, logger)
		return "azure", log, err
	default:
		return "", nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that
// target S3-compatible services such as MinIO.
func BuildGenericS3Config(cfg Config) (s3.Config, string, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, "", CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, "", CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, "", CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, "", CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if v := query.Get("secure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, "", summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    cred,
	}, prefix, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs.
func BuildAWSConfig(cfg Config) (awslog.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awslog.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awslog.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awslog.Config{}, "", fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return awslog.Config{}, "", fmt.Errorf("aws store requires region (set --aws-region or TPCD_AWS_REGION)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return awslog.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
	}, prefix, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurelog.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurelog.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurelog.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurelog.Config{}, "", fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurelog.Config{}, "", fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("TPCD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("TPCD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurelog.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
	}, prefix, nil
}

// BuildDiskConfig parses disk:///path URLs.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if strings.Trim(pathPart, "/") == "" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/tpcd)")
	}
	return disk.Config{
		Dir:         filepath.Clean(pathPart),
		SegmentSize: cfg.DiskSegmentSize,
	}, nil
}

func splitBucketPath(path string) (string, string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		return bucket, strings.Trim(parts[1], "/")
	}
	return bucket, ""
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TPCD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("TPCD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("TPCD_S3_SESSION_TOKEN")
		source = "env:TPCD_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	summary.AccessKey = accessKey
	summary.HasSecret = secretKey != ""
	summary.Source = source
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
