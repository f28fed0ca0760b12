// Package memory provides an in-process decision log for tests and
// development. Entries survive coordinator restarts only while the Log value
// itself is shared.
package memory

import (
	"context"
	"sync"

	"pkt.systems/tpcd/internal/decisionlog"
)

// Log keeps entries in a slice guarded by a mutex.
type Log struct {
	mu      sync.Mutex
	entries []decisionlog.Entry
	closed  bool
}

// New returns an empty memory log.
func New() *Log {
	return &Log{}
}

// Append stores e with the next sequence number.
func (l *Log) Append(ctx context.Context, e decisionlog.Entry) (decisionlog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return decisionlog.Entry{}, err
	}
	if err := e.Validate(); err != nil {
		return decisionlog.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return decisionlog.Entry{}, decisionlog.ErrClosed
	}
	e.Seq = uint64(len(l.entries)) + 1
	l.entries = append(l.entries, e)
	return e, nil
}

// ReadAll returns a copy of every entry in append order.
func (l *Log) ReadAll(ctx context.Context) ([]decisionlog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, decisionlog.ErrClosed
	}
	out := make([]decisionlog.Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}

// Close marks the log closed. Reopen makes it usable again.
func (l *Log) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Reopen clears the closed flag, keeping the entries. Tests use it to hand
// the same log to a restarted coordinator.
func (l *Log) Reopen() *Log {
	l.mu.Lock()
	l.closed = false
	l.mu.Unlock()
	return l
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
