package governance

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGateUnlimitedTakesNoPermit(t *testing.T) {
	gate := NewConcurrencyGate()
	release, waited, err := gate.Acquire(context.Background(), "p/s", 0)
	require.NoError(t, err)
	assert.Zero(t, waited)
	release()
	assert.Empty(t, gate.Stats())
}

// At no point are more than limit callers inside the protected section and all
// callers eventually complete.
func TestGateBoundProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 4).Draw(rt, "limit")
		callers := rapid.IntRange(limit+1, limit+12).Draw(rt, "callers")

		gate := NewConcurrencyGate()
		var inside, peak, completed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, _, err := gate.Acquire(context.Background(), "prop/step", limit)
				if err != nil {
					return
				}
				defer release()
				n := inside.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				completed.Add(1)
			}()
		}
		wg.Wait()

		if peak.Load() > int64(limit) {
			rt.Fatalf("peak %d exceeded limit %d", peak.Load(), limit)
		}
		if completed.Load() != int64(callers) {
			rt.Fatalf("completed %d of %d callers", completed.Load(), callers)
		}
	})
}

func TestGateRecordsWaitTime(t *testing.T) {
	gate := NewConcurrencyGate()
	release, _, err := gate.Acquire(context.Background(), "p/throttled", 1)
	require.NoError(t, err)

	done := make(chan time.Duration)
	go func() {
		r, waited, err := gate.Acquire(context.Background(), "p/throttled", 1)
		if err == nil {
			r()
		}
		done <- waited
	}()

	time.Sleep(30 * time.Millisecond)
	release()
	waited := <-done
	assert.GreaterOrEqual(t, waited, 20*time.Millisecond)
}

func TestGateCancelledWaiterHoldsNoPermit(t *testing.T) {
	gate := NewConcurrencyGate()
	release, _, err := gate.Acquire(context.Background(), "p/s", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = gate.Acquire(ctx, "p/s", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // idempotent

	r, _, err := gate.Acquire(context.Background(), "p/s", 1)
	require.NoError(t, err)
	stats := gate.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].InFlight)
	assert.Equal(t, int64(0), stats[0].Waiting)
	r()
}

func TestGateLimitChangeKeepsOldHoldersCounted(t *testing.T) {
	gate := NewConcurrencyGate()
	first, _, err := gate.Acquire(context.Background(), "p/s", 2)
	require.NoError(t, err)
	second, _, err := gate.Acquire(context.Background(), "p/s", 2)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = gate.Acquire(ctx, "p/s", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded, "old holders still fill the lowered limit")

	first()
	third, _, err := gate.Acquire(context.Background(), "p/s", 1)
	require.NoError(t, err)

	stats := gate.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Limit)
	assert.Equal(t, int64(1), stats[0].InFlight)

	second()
	third()
	assert.Equal(t, int64(0), gate.Stats()[0].InFlight)
}

func TestGateWaiterOnReplacedPoolMovesToNewLimit(t *testing.T) {
	gate := NewConcurrencyGate()
	held, _, err := gate.Acquire(context.Background(), "p/s", 1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		r, _, err := gate.Acquire(context.Background(), "p/s", 1)
		if err == nil {
			r()
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	raised, _, err := gate.Acquire(context.Background(), "p/s", 2)
	require.NoError(t, err)

	held()
	raised()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter on the replaced pool never completed")
	}
}
