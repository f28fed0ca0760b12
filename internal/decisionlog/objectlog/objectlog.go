// Package objectlog implements the decision log on top of an object store:
// one immutable JSON object per entry, ordered by a zero-padded sequence in
// the key.
package objectlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/decisionlog"
)

var (
	// ErrExists is returned by Store.PutIfAbsent when the key is taken.
	ErrExists = errors.New("objectlog: object already exists")
	// ErrNotFound is returned by Store.Get for a missing key.
	ErrNotFound = errors.New("objectlog: object not found")
)

// Store is the minimal object API a backend must provide.
type Store interface {
	// PutIfAbsent creates key with body, failing with ErrExists when the key
	// already exists. It returns once the object is durable.
	PutIfAbsent(ctx context.Context, key string, body []byte) error
	// Get returns the object body or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

const (
	entriesDir   = "entries/"
	seqWidth     = 20
	maxConflicts = 5
)

// Log adapts a Store into a decisionlog.Log.
type Log struct {
	store  Store
	prefix string
	logger pslog.Logger

	mu      sync.Mutex
	lastSeq uint64
	closed  bool
}

// New scans the existing entries under prefix to resume the sequence.
func New(ctx context.Context, store Store, prefix string, logger pslog.Logger) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("objectlog: store required")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	l := &Log{store: store, prefix: prefix, logger: logger}
	keys, err := l.keys(ctx)
	if err != nil {
		return nil, err
	}
	if n := len(keys); n > 0 {
		seq, err := seqFromKey(keys[n-1])
		if err != nil {
			return nil, err
		}
		l.lastSeq = seq
	}
	return l, nil
}

// Append writes e as a new object. A key collision means another writer
// used the sequence; the log rescans and retries with the next one.
func (l *Log) Append(ctx context.Context, e decisionlog.Entry) (decisionlog.Entry, error) {
	if err := e.Validate(); err != nil {
		return decisionlog.Entry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return decisionlog.Entry{}, decisionlog.ErrClosed
	}
	for attempt := 1; ; attempt++ {
		e.Seq = l.lastSeq + 1
		body, err := json.Marshal(e)
		if err != nil {
			return decisionlog.Entry{}, fmt.Errorf("objectlog: encode entry: %w", err)
		}
		err = l.store.PutIfAbsent(ctx, l.entryKey(e.Seq), body)
		if err == nil {
			l.lastSeq = e.Seq
			return e, nil
		}
		if !errors.Is(err, ErrExists) || attempt >= maxConflicts {
			return decisionlog.Entry{}, fmt.Errorf("objectlog: append seq %d: %w", e.Seq, err)
		}
		l.logger.Warn("decisionlog.object.seq_conflict", "seq", e.Seq, "attempt", attempt)
		keys, err := l.keys(ctx)
		if err != nil {
			return decisionlog.Entry{}, err
		}
		if n := len(keys); n > 0 {
			if seq, err := seqFromKey(keys[n-1]); err == nil && seq > l.lastSeq {
				l.lastSeq = seq
				continue
			}
		}
		l.lastSeq++
	}
}

// ReadAll lists and fetches every entry in sequence order.
func (l *Log) ReadAll(ctx context.Context) ([]decisionlog.Entry, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, decisionlog.ErrClosed
	}
	keys, err := l.keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]decisionlog.Entry, 0, len(keys))
	for _, key := range keys {
		body, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("objectlog: get %s: %w", key, err)
		}
		var e decisionlog.Entry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", decisionlog.ErrCorrupt, key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the underlying store.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.store.Close()
}

func (l *Log) entryKey(seq uint64) string {
	return fmt.Sprintf("%s%s%0*d.json", l.prefix, entriesDir, seqWidth, seq)
}

func (l *Log) keys(ctx context.Context) ([]string, error) {
	all, err := l.store.List(ctx, l.prefix+entriesDir)
	if err != nil {
		return nil, fmt.Errorf("objectlog: list: %w", err)
	}
	keys := all[:0]
	for _, key := range all {
		if strings.HasSuffix(key, ".json") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func seqFromKey(key string) (uint64, error) {
	name := key[strings.LastIndex(key, "/")+1:]
	if len(name) < seqWidth {
		return 0, fmt.Errorf("%w: key %q", decisionlog.ErrCorrupt, key)
	}
	seq, err := strconv.ParseUint(name[:seqWidth], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q", decisionlog.ErrCorrupt, key)
	}
	return seq, nil
}
