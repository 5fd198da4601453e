package retry

import (
	"context"
	"time"
)

// PollConfig controls WaitUntil.
type PollConfig struct {
	// First is the delay before the first evaluation.
	First time.Duration
	// Step is the delay between subsequent evaluations.
	Step time.Duration
	// Timeout bounds the whole wait, measured from the call, First included.
	Timeout time.Duration
}

// WaitUntil evaluates predicate until it returns true or the timeout elapses.
// It never fails: a false return means the condition was not observed in time
// (or ctx was cancelled) and the caller decides whether that is fatal.
func WaitUntil(ctx context.Context, cfg PollConfig, predicate func() bool) bool {
	deadline := time.Now().Add(cfg.Timeout)

	if !sleep(ctx, cfg.First) {
		return false
	}

	for time.Now().Before(deadline) {
		if predicate() {
			return true
		}
		if !sleep(ctx, cfg.Step) {
			return false
		}
	}

	return false
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
