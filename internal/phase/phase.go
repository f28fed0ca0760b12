// Package phase fans a single 2PC phase out to participants. Every call runs
// under its own deadline, which also covers the wait for an in-flight slot,
// and is abandoned when the deadline passes, so a participant that ignores its
// context cannot stall the coordinator. An abandoned call holds its slot until
// it returns. Task failures never escape Run; they are reported per task in
// Result.
package phase

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"pkt.systems/pslog"

	"pkt.systems/tpcd/internal/clock"
)

// DefaultMaxInflight bounds concurrent participant calls across all phases.
const DefaultMaxInflight = 256

var (
	// ErrTimeout reports an attempt abandoned at its per-call deadline.
	ErrTimeout = errors.New("phase: call timed out")
	// ErrPanic reports a task that panicked.
	ErrPanic = errors.New("phase: task panicked")
)

// Config configures an Executor.
type Config struct {
	MaxInflight int64
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Executor runs phases. It is safe for concurrent use; the in-flight bound is
// shared by every Run on the same Executor.
type Executor struct {
	sem    *semaphore.Weighted
	clock  clock.Clock
	logger pslog.Logger
}

// New returns an Executor.
func New(cfg Config) *Executor {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Executor{
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
		clock:  clock.Or(cfg.Clock),
		logger: logger,
	}
}

// Task is one participant call.
type Task[T any] struct {
	Key  string
	Call func(ctx context.Context) (T, error)
}

// Result is the outcome of a Task after all attempts.
type Result[T any] struct {
	Key      string
	Value    T
	Err      error
	Attempts int
	// TimedOut is set when the final attempt hit its per-call deadline.
	TimedOut bool
	Duration time.Duration
}

// Options controls a single Run.
type Options struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Sequential runs tasks one at a time in slice order.
	Sequential bool
	// Retryable filters errors eligible for another attempt. Nil retries
	// every error.
	Retryable func(error) bool
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 50 * time.Millisecond
	}
	if o.Multiplier < 1 {
		o.Multiplier = 2
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.Name == "" {
		o.Name = "phase"
	}
	return o
}

// Backoff returns the delay before retry number attempt (1-based):
// base * multiplier^(attempt-1), capped at max.
func Backoff(base, maxDelay time.Duration, multiplier float64, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// Run executes tasks and returns one Result per task in task order.
func Run[T any](ctx context.Context, e *Executor, tasks []Task[T], opts Options) []Result[T] {
	opts = opts.normalized()
	results := make([]Result[T], len(tasks))
	if len(tasks) == 0 {
		return results
	}
	if opts.Sequential {
		for i, task := range tasks {
			results[i] = runTask(ctx, e, task, opts)
		}
		return results
	}
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for i, task := range tasks {
		go func() {
			defer wg.Done()
			results[i] = runTask(ctx, e, task, opts)
		}()
	}
	wg.Wait()
	return results
}

func runTask[T any](ctx context.Context, e *Executor, task Task[T], opts Options) Result[T] {
	start := e.clock.Now()
	res := Result[T]{Key: task.Key}
	defer func() {
		res.Duration = e.clock.Now().Sub(start)
	}()
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		value, timedOut, err := attemptOnce(ctx, e, task, opts.Timeout)
		res.Value, res.TimedOut, res.Err = value, timedOut, err
		if err == nil {
			return res
		}
		if ctx.Err() != nil || attempt == opts.MaxAttempts {
			break
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			break
		}
		delay := Backoff(opts.BaseDelay, opts.MaxDelay, opts.Multiplier, attempt)
		e.logger.Debug("txn.phase.attempt.retry",
			"phase", opts.Name,
			"participant", task.Key,
			"attempt", attempt,
			"max_attempts", opts.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if werr := clock.Wait(ctx, e.clock, delay); werr != nil {
			break
		}
	}
	return res
}

type outcome[T any] struct {
	value T
	err   error
}

func attemptOnce[T any](ctx context.Context, e *Executor, task Task[T], timeout time.Duration) (T, bool, error) {
	var zero T
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	// Time spent queued for a slot counts against the call deadline.
	if err := e.sem.Acquire(callCtx, 1); err != nil {
		if ctx.Err() != nil {
			return zero, false, ctx.Err()
		}
		return zero, true, fmt.Errorf("%w after %s waiting for a call slot", ErrTimeout, timeout)
	}

	done := make(chan outcome[T], 1)
	go func() {
		// An abandoned call keeps its slot until it actually returns.
		defer e.sem.Release(1)
		var out outcome[T]
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("txn.phase.task.panic", "participant", task.Key, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				out = outcome[T]{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
			done <- out
		}()
		out.value, out.err = task.Call(callCtx)
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, true, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, out.err)
		}
		return out.value, false, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return zero, false, ctx.Err()
		}
		return zero, true, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
