package engine

import (
	"context"
	"time"
)

// waitResult says how a bounded poll finished.
type waitResult int

const (
	waitSatisfied waitResult = iota
	waitTimedOut
	waitCancelled
)

// waitFor polls pred at the given interval until it returns true, the
// timeout elapses, or ctx is cancelled. This is the suspend-until-predicate
// primitive behind every hardware wait: completion signals are advisory, so
// every suspension point carries an enforced ceiling and an abort request is
// never starved longer than one poll interval.
func waitFor(ctx context.Context, timeout, interval time.Duration, pred func() bool) waitResult {
	if pred() {
		return waitSatisfied
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return waitCancelled
		case <-ticker.C:
			if pred() {
				return waitSatisfied
			}
			if time.Now().After(deadline) {
				return waitTimedOut
			}
		}
	}
}

// sleepFor pauses for d but returns early if ctx is cancelled. Zero and
// negative durations return immediately.
func sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
