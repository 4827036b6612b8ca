// Package stats accumulates per-step duration, size and wait samples for the
// lifetime of the process. Keepers are keyed by qualified step name and are safe
// for concurrent use.
package stats

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Summary is a running aggregate of samples.
type Summary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

func (s *Summary) add(v float64) {
	if s.Count == 0 {
		s.Min, s.Max = v, v
	} else {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Count++
	s.Sum += v
}

// Avg returns the mean sample or zero when empty.
func (s Summary) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Keeper holds the samples of one step.
type Keeper struct {
	name string

	mu       sync.Mutex
	duration Summary
	size     Summary
	wait     Summary
	errors   int64
}

// Name returns the qualified step name.
func (k *Keeper) Name() string {
	return k.name
}

// AddDuration records an invocation's elapsed time.
func (k *Keeper) AddDuration(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.duration.add(durationMillis(d))
}

// AddSize records a result payload size in bytes.
func (k *Keeper) AddSize(size int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.size.add(float64(size))
}

// AddWait records the time spent waiting for a concurrency permit.
func (k *Keeper) AddWait(d time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.wait.add(durationMillis(d))
}

// AddError counts a failed invocation.
func (k *Keeper) AddError() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.errors++
}

// Snapshot is a copy of a keeper's aggregates. Durations are in milliseconds.
type Snapshot struct {
	Name       string  `json:"name"`
	DurationMS Summary `json:"durationMs"`
	SizeBytes  Summary `json:"sizeBytes"`
	WaitMS     Summary `json:"waitMs"`
	Errors     int64   `json:"errors"`
}

// Snapshot returns a consistent copy of the keeper's aggregates.
func (k *Keeper) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Snapshot{
		Name:       k.name,
		DurationMS: k.duration,
		SizeBytes:  k.size,
		WaitMS:     k.wait,
		Errors:     k.errors,
	}
}

// Registry owns every keeper in the process.
type Registry struct {
	mu      sync.RWMutex
	keepers map[string]*Keeper
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keepers: make(map[string]*Keeper)}
}

// Keeper returns the keeper for name, creating it on first use.
func (r *Registry) Keeper(name string) *Keeper {
	r.mu.RLock()
	k, ok := r.keepers[name]
	r.mu.RUnlock()
	if ok {
		return k
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keepers[name]; ok {
		return k
	}
	k = &Keeper{name: name}
	r.keepers[name] = k
	return k
}

// Lookup returns the keeper for name without creating it.
func (r *Registry) Lookup(name string) (*Keeper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keepers[name]
	return k, ok
}

// Snapshots returns every keeper's snapshot ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	keepers := make([]*Keeper, 0, len(r.keepers))
	for _, k := range r.keepers {
		keepers = append(keepers, k)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(keepers))
	for _, k := range keepers {
		out = append(out, k.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RequestSizeKey is the keeper name for a pipeline's inbound message sizes.
func RequestSizeKey(pipelineID string) string {
	return pipelineID + "/#request"
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
