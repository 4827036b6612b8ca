package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/polisai/conduit/pkg/domain"
)

// RetryConfig defines bounded retries within one step invocation.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff grows.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay to each backoff.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryConfigFromSpec converts a step's retry spec, filling unset fields with defaults.
func RetryConfigFromSpec(spec domain.RetrySpec) RetryConfig {
	cfg := DefaultRetryConfig()
	if spec.MaxAttempts > 0 {
		cfg.MaxAttempts = spec.MaxAttempts
	}
	if spec.BaseDelay > 0 {
		cfg.InitialBackoff = spec.BaseDelay
	}
	if spec.MaxDelay > 0 {
		cfg.MaxBackoff = spec.MaxDelay
	}
	return cfg
}

// RetryPolicy decides whether and when a failed attempt is repeated.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff < 0 {
		config.InitialBackoff = 0
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// CalculateBackoff returns the delay before retry number attempt (0-based).
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff < 0 {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Do runs fn until it succeeds, returns a non-retryable error or the attempts are
// exhausted. The last error is returned unchanged.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt := 0; attempt < rp.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(rp.CalculateBackoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}

		err = fn(ctx, attempt)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	return err
}

// IsRetryable reports whether err may succeed on a repeated attempt. Timeouts,
// lock failures, open circuits, configuration errors and cancellation are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case IsInterruption(err),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrLockNotAcquired),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrConfigInvalid),
		errors.Is(err, domain.ErrMessageTooLarge):
		return false
	}
	return true
}
