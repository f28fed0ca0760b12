// Package svcfields holds the structured log keys shared across tpcd.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// TxnKey tags entries that belong to one transaction.
const TxnKey = pslog.TrustedString("txn_id")

// Subsystem names used by tpcd components.
const (
	Coordinator = "txn.coordinator"
	Phase       = "txn.phase"
	Recovery    = "txn.recovery"
	DecisionLog = "decisionlog"
	HTTPAPI     = "api.http"
	Server      = "server.lifecycle"
	Telemetry   = "telemetry"
	ClientSDK   = "client.sdk"
	CLI         = "cli"
	Participant = "participant"
)

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithTxn tags logger with a transaction id.
func WithTxn(logger pslog.Logger, txnID string) pslog.Logger {
	logger = Ensure(logger)
	if txnID == "" {
		return logger
	}
	return logger.With(TxnKey, txnID)
}

// Ensure returns logger or a no-op logger when nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
