package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/conduit/pkg/domain"
)

func failing(context.Context) error { return errors.New("simulated failure") }
func succeeding(context.Context) error { return nil }

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Window:               time.Minute,
		FailureRateThreshold: 50,
		MinSamples:           3,
		OpenTimeout:          50 * time.Millisecond,
	})
	ctx := context.Background()

	// Phase 1: closed, failures accumulate
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, failing)
	}
	require.Equal(t, StateOpen, cb.State())

	// Phase 2: open, calls rejected without running
	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called)

	// Phase 3: half-open probe closes the circuit
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MinSamples: 1, OpenTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	_ = cb.Execute(ctx, failing)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerMinSamplesGuard(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MinSamples: 10})
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), failing)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.Stats().Requests)
	assert.InDelta(t, 100.0, cb.Stats().FailureRate, 0.001)
}

func TestCircuitBreakerManagerKeysByName(t *testing.T) {
	m := NewCircuitBreakerManager()
	cfg := ConfigFromSpec(domain.CircuitBreakerSpec{MinSamples: 2})

	a := m.Get("p/a", cfg)
	assert.Same(t, a, m.Get("p/a", cfg))
	assert.NotSame(t, a, m.Get("p/b", cfg))

	cfg.MinSamples = 4
	assert.NotSame(t, a, m.Get("p/a", cfg))

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "p/a", stats[0].Name)
}
