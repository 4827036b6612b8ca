package governance

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyGate bounds simultaneous invocations per step. It keeps one permit
// pool per qualified step name, created lazily on first use and shared by every
// run. Waiters are served in FIFO order, so no caller starves.
type ConcurrencyGate struct {
	mu    sync.Mutex
	pools map[string]*permitPool
}

type permitPool struct {
	limit    int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64

	// Set once the limit changed. Up to carried holders of this pool also
	// occupy a reserved permit in successor and hand it over on release.
	mu        sync.Mutex
	retired   bool
	successor *permitPool
	carried   int64
}

// release returns one permit held in p.
func (p *permitPool) release() {
	p.mu.Lock()
	p.inFlight.Add(-1)
	var next *permitPool
	if p.successor != nil && p.carried > 0 {
		p.carried--
		next = p.successor
	}
	p.mu.Unlock()

	p.sem.Release(1)
	if next != nil {
		next.release()
	}
}

// GateStats is a point-in-time view of one permit pool.
type GateStats struct {
	Name     string `json:"name"`
	Limit    int64  `json:"limit"`
	InFlight int64  `json:"inFlight"`
	Waiting  int64  `json:"waiting"`
}

// NewConcurrencyGate creates an empty gate.
func NewConcurrencyGate() *ConcurrencyGate {
	return &ConcurrencyGate{pools: make(map[string]*permitPool)}
}

// Acquire blocks until a permit for name is available and returns the function
// releasing it together with the time spent waiting. A limit of zero or less
// means unlimited: no permit is taken and release is a no-op.
//
// If ctx ends while waiting, Acquire returns ctx.Err() and no permit is held.
func (g *ConcurrencyGate) Acquire(ctx context.Context, name string, limit int) (release func(), waited time.Duration, err error) {
	if limit <= 0 {
		return func() {}, 0, nil
	}

	start := time.Now()
	for {
		pool := g.pool(name, int64(limit))
		pool.waiting.Add(1)
		err = pool.sem.Acquire(ctx, 1)
		pool.waiting.Add(-1)
		if err != nil {
			return nil, time.Since(start), err
		}

		pool.mu.Lock()
		if pool.retired {
			// The limit changed while waiting; queue on the current pool.
			pool.mu.Unlock()
			pool.sem.Release(1)
			continue
		}
		pool.inFlight.Add(1)
		pool.mu.Unlock()

		var once sync.Once
		return func() { once.Do(pool.release) }, time.Since(start), nil
	}
}

// pool returns the permit pool for name. When the configured limit changed the
// pool is replaced by one that reserves a permit for every call still inside
// the old pool, up to the new limit, so a reload never lets old and new
// holders together exceed the larger of the two limits.
func (g *ConcurrencyGate) pool(name string, limit int64) *permitPool {
	g.mu.Lock()
	defer g.mu.Unlock()

	old, ok := g.pools[name]
	if ok && old.limit == limit {
		return old
	}
	p := &permitPool{limit: limit, sem: semaphore.NewWeighted(limit)}
	if ok {
		old.mu.Lock()
		carried := min(old.inFlight.Load(), limit)
		if carried > 0 && p.sem.TryAcquire(carried) {
			p.inFlight.Store(carried)
			old.carried = carried
			old.successor = p
		}
		old.retired = true
		old.mu.Unlock()
	}
	g.pools[name] = p
	return p
}

// Stats returns a snapshot of every pool ordered by name.
func (g *ConcurrencyGate) Stats() []GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]GateStats, 0, len(g.pools))
	for name, p := range g.pools {
		out = append(out, GateStats{
			Name:     name,
			Limit:    p.limit,
			InFlight: p.inFlight.Load(),
			Waiting:  p.waiting.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
