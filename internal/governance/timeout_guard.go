package governance

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrGuardFired is the cancellation cause set when a TimeoutGuard elapses.
var ErrGuardFired = errors.New("timeout guard fired")

// TimeoutGuard is a watchdog that cancels the context it hands out once its
// timeout elapses. Work observing that context stops cooperatively.
type TimeoutGuard struct {
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelCauseFunc
	fired   atomic.Bool
	done    chan struct{}
}

// StartTimeoutGuard arms a guard. With a non-positive timeout the guard is inert
// and ctx is returned unchanged.
func StartTimeoutGuard(ctx context.Context, timeout time.Duration) (context.Context, *TimeoutGuard) {
	g := &TimeoutGuard{timeout: timeout}
	if timeout <= 0 {
		return ctx, g
	}

	guarded, cancel := context.WithCancelCause(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	g.timer = time.AfterFunc(timeout, func() {
		defer close(g.done)
		g.fired.Store(true)
		cancel(ErrGuardFired)
	})
	return guarded, g
}

// Stop disarms the guard and reports whether it fired. Once Stop returns the
// result is final. Stop must be called exactly once per armed guard.
func (g *TimeoutGuard) Stop() bool {
	if g.timer == nil {
		return false
	}
	if !g.timer.Stop() {
		<-g.done
	}
	g.cancel(context.Canceled)
	return g.fired.Load()
}

// Timeout returns the configured timeout.
func (g *TimeoutGuard) Timeout() time.Duration {
	return g.timeout
}

// IsInterruption reports whether err is what cooperative work returns when its
// context is cancelled.
func IsInterruption(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrGuardFired)
}
