package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeeperAggregates(t *testing.T) {
	r := NewRegistry()
	k := r.Keeper("orders/A")
	k.AddDuration(10 * time.Millisecond)
	k.AddDuration(30 * time.Millisecond)
	k.AddSize(5)
	k.AddError()

	snap := k.Snapshot()
	assert.Equal(t, "orders/A", snap.Name)
	assert.Equal(t, int64(2), snap.DurationMS.Count)
	assert.InDelta(t, 10.0, snap.DurationMS.Min, 0.001)
	assert.InDelta(t, 30.0, snap.DurationMS.Max, 0.001)
	assert.InDelta(t, 20.0, snap.DurationMS.Avg(), 0.001)
	assert.Equal(t, int64(1), snap.SizeBytes.Count)
	assert.Equal(t, int64(1), snap.Errors)
	assert.Zero(t, snap.WaitMS.Count)
}

func TestRegistrySharesKeepersAcrossGoroutines(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Keeper("p/s").AddWait(time.Millisecond)
		}()
	}
	wg.Wait()

	k, ok := r.Lookup("p/s")
	require.True(t, ok)
	assert.Equal(t, int64(20), k.Snapshot().WaitMS.Count)

	_, ok = r.Lookup("p/missing")
	assert.False(t, ok)
}

func TestSnapshotsAreOrdered(t *testing.T) {
	r := NewRegistry()
	r.Keeper("b")
	r.Keeper(RequestSizeKey("a"))
	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a/#request", snaps[0].Name)
	assert.Equal(t, "b", snaps[1].Name)
}
