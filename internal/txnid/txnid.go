// Package txnid generates and validates transaction identifiers.
package txnid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a time-ordered UUIDv7 transaction id.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Validate reports whether raw is a UUIDv7 string.
func Validate(raw string) error {
	id, err := uuid.Parse(raw)
	if err != nil {
		return fmt.Errorf("txnid: %w", err)
	}
	if id.Version() != 7 {
		return fmt.Errorf("txnid: unexpected uuid version %d", id.Version())
	}
	return nil
}
