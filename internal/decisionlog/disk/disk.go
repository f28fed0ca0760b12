// Package disk implements the decision log as fsync'd segment files in a
// local directory.
package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/decisionlog"
)

const (
	// DefaultSegmentSize is the size at which a new segment is started.
	DefaultSegmentSize int64 = 64 << 20
	segmentSuffix            = ".log"
	lockFileName             = "LOCK"
)

// ErrLocked is returned when another process holds the log directory.
var ErrLocked = errors.New("disk: decision log directory is locked by another process")

// Config configures the disk log.
type Config struct {
	// Dir holds the segments and the LOCK file.
	Dir string
	// SegmentSize caps a segment before rollover; 0 uses DefaultSegmentSize.
	SegmentSize int64
	Logger      pslog.Logger
}

// Log is a decision log stored as numbered segment files. One process at a
// time may hold it open.
type Log struct {
	cfg    Config
	logger pslog.Logger

	mu       sync.Mutex
	lock     *os.File
	active   *os.File
	index    uint64
	size     int64
	lastSeq  uint64
	closed   bool
	segments []uint64
}

// Open locks dir, validates existing segments and prepares the last one for
// appends. A torn record at the end of the last segment is truncated.
func Open(cfg Config) (*Log, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("disk: directory required")
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create %q: %w", cfg.Dir, err)
	}
	lock, err := os.OpenFile(filepath.Join(cfg.Dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	if err := tryLockFile(lock); err != nil {
		_ = lock.Close()
		if errors.Is(err, ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, cfg.Dir)
		}
		return nil, fmt.Errorf("disk: lock %q: %w", cfg.Dir, err)
	}
	l := &Log{cfg: cfg, logger: logger, lock: lock}
	if err := l.load(); err != nil {
		_ = unlockFile(lock)
		_ = lock.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) load() error {
	segments, err := listSegments(l.cfg.Dir)
	if err != nil {
		return err
	}
	for i, idx := range segments {
		path := segmentPath(l.cfg.Dir, idx)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("disk: read segment %s: %w", path, err)
		}
		entries, valid, decodeErr := decodeRecords(data)
		if decodeErr != nil {
			if i != len(segments)-1 {
				return fmt.Errorf("disk: segment %s: %w", path, decodeErr)
			}
			l.logger.Warn("decisionlog.disk.torn_tail",
				"segment", path,
				"valid_bytes", valid,
				"dropped_bytes", int64(len(data))-valid,
				"error", decodeErr,
			)
			if err := os.Truncate(path, valid); err != nil {
				return fmt.Errorf("disk: truncate torn tail of %s: %w", path, err)
			}
		}
		if n := len(entries); n > 0 {
			l.lastSeq = entries[n-1].Seq
		}
		if i == len(segments)-1 {
			l.size = valid
		}
	}
	l.segments = segments
	if len(segments) == 0 {
		return l.openSegment(1)
	}
	last := segments[len(segments)-1]
	f, err := os.OpenFile(segmentPath(l.cfg.Dir, last), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disk: open segment: %w", err)
	}
	l.active = f
	l.index = last
	return nil
}

func (l *Log) openSegment(index uint64) error {
	path := segmentPath(l.cfg.Dir, index)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("disk: create segment %s: %w", path, err)
	}
	if err := syncDir(l.cfg.Dir); err != nil {
		_ = f.Close()
		return err
	}
	if l.active != nil {
		_ = l.active.Close()
	}
	l.active = f
	l.index = index
	l.size = 0
	l.segments = append(l.segments, index)
	return nil
}

// Append frames e, writes it to the active segment and fsyncs before
// returning.
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
	e.Seq = l.lastSeq + 1
	record := encodeRecord(e)
	if l.size > 0 && l.size+int64(len(record)) > l.cfg.SegmentSize {
		if err := l.openSegment(l.index + 1); err != nil {
			return decisionlog.Entry{}, err
		}
		l.logger.Debug("decisionlog.disk.segment.rolled", "segment", l.index)
	}
	n, err := l.active.Write(record)
	if err == nil {
		err = syncFile(l.active)
	}
	if err != nil {
		if truncErr := l.active.Truncate(l.size); truncErr != nil {
			l.logger.Error("decisionlog.disk.rewind_failed", "error", truncErr, "segment", l.index)
		}
		return decisionlog.Entry{}, fmt.Errorf("disk: append seq %d: %w", e.Seq, err)
	}
	l.size += int64(n)
	l.lastSeq = e.Seq
	return e, nil
}

// ReadAll returns every entry across all segments in append order.
func (l *Log) ReadAll(ctx context.Context) ([]decisionlog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, decisionlog.ErrClosed
	}
	var out []decisionlog.Entry
	for _, idx := range l.segments {
		data, err := os.ReadFile(segmentPath(l.cfg.Dir, idx))
		if err != nil {
			return nil, fmt.Errorf("disk: read segment %d: %w", idx, err)
		}
		entries, _, err := decodeRecords(data)
		if err != nil {
			return nil, fmt.Errorf("disk: segment %d: %w", idx, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Close syncs and closes the active segment and releases the directory lock.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var errs []error
	if l.active != nil {
		if err := syncFile(l.active); err != nil {
			errs = append(errs, err)
		}
		if err := l.active.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.lock != nil {
		if err := unlockFile(l.lock); err != nil {
			errs = append(errs, err)
		}
		if err := l.lock.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Segments returns the number of segment files.
func (l *Log) Segments() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.segments)
}

// Read scans dir without taking the lock. A torn tail on the last segment is
// ignored rather than truncated, so Read is safe against a live writer.
func Read(dir string) ([]decisionlog.Entry, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	var out []decisionlog.Entry
	for i, idx := range segments {
		data, err := os.ReadFile(segmentPath(dir, idx))
		if err != nil {
			return nil, fmt.Errorf("disk: read segment %d: %w", idx, err)
		}
		entries, _, err := decodeRecords(data)
		if err != nil && i != len(segments)-1 {
			return nil, fmt.Errorf("disk: segment %d: %w", idx, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Stats describes the segments in a log directory.
type Stats struct {
	Segments int
	Bytes    int64
}

// Stat reports segment count and total size for dir without taking the lock.
func Stat(dir string) (Stats, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Segments: len(segments)}
	for _, idx := range segments {
		info, err := os.Stat(segmentPath(dir, idx))
		if err != nil {
			return Stats{}, fmt.Errorf("disk: stat segment %d: %w", idx, err)
		}
		st.Bytes += info.Size()
	}
	return st, nil
}

func listSegments(dir string) ([]uint64, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: list %q: %w", dir, err)
	}
	var out []uint64
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func segmentPath(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016d%s", index, segmentSuffix))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("disk: open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("disk: sync dir: %w", err)
	}
	return nil
}
