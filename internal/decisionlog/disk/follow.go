package disk

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/tpcd/internal/decisionlog"
)

// FollowOptions controls Follow.
type FollowOptions struct {
	// AfterSeq skips entries with Seq <= AfterSeq.
	AfterSeq uint64
	// PollInterval rescans the directory even without filesystem events;
	// 0 uses one second.
	PollInterval time.Duration
}

// Follow emits entries from dir as they are appended until ctx ends or fn
// returns an error. Filesystem notifications trigger rescans and a periodic
// poll covers filesystems that do not deliver them.
func Follow(ctx context.Context, dir string, opts FollowOptions, fn func(decisionlog.Entry) error) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: create %q: %w", dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("disk: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("disk: watch %q: %w", dir, err)
	}
	last := opts.AfterSeq
	emit := func() error {
		entries, err := Read(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Seq <= last {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
			last = e.Seq
		}
		return nil
	}
	if err := emit(); err != nil {
		return err
	}
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				return fmt.Errorf("disk: watcher: %w", err)
			}
		case <-ticker.C:
		}
		if err := emit(); err != nil {
			return err
		}
	}
}
