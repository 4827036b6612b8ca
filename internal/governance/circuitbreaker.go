package governance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/polisai/conduit/pkg/domain"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and invocations are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and invocations are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is probing whether the step recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// Window is the look-back duration for the rolling failure rate.
	Window time.Duration
	// BucketCount is the number of time buckets approximating the window.
	BucketCount int
	// FailureRateThreshold is the percentage (1-100) of failures in the window
	// that opens the circuit.
	FailureRateThreshold float64
	// MinSamples is the number of calls the window must hold before the rate is
	// evaluated.
	MinSamples int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// MaxHalfOpenRequests is the number of probes admitted while half-open.
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Window:               30 * time.Second,
		BucketCount:          10,
		FailureRateThreshold: 50,
		MinSamples:           5,
		OpenTimeout:          30 * time.Second,
		MaxHalfOpenRequests:  1,
	}
}

// ConfigFromSpec converts a step's breaker spec, filling unset fields with defaults.
func ConfigFromSpec(spec domain.CircuitBreakerSpec) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if spec.Window > 0 {
		cfg.Window = spec.Window
	}
	if spec.FailureRateThreshold > 0 {
		cfg.FailureRateThreshold = float64(spec.FailureRateThreshold)
	}
	if spec.MinSamples > 0 {
		cfg.MinSamples = spec.MinSamples
	}
	if spec.OpenTimeout > 0 {
		cfg.OpenTimeout = spec.OpenTimeout
	}
	return cfg
}

// CircuitBreaker rejects invocations of a step that keeps failing.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitBreakerState
	config CircuitBreakerConfig
	now    func() time.Time

	buckets        []bucket
	bucketDuration time.Duration
	current        int
	currentStart   time.Time

	halfOpenInFlight  int
	halfOpenSuccesses int
	openUntil         time.Time
	lastStateChange   time.Time
}

type bucket struct {
	start    time.Time
	requests int
	failures int
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.BucketCount <= 0 {
		config.BucketCount = defaults.BucketCount
	}
	if config.FailureRateThreshold <= 0 {
		config.FailureRateThreshold = defaults.FailureRateThreshold
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 1
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}

	bucketDuration := config.Window / time.Duration(config.BucketCount)
	if bucketDuration <= 0 {
		bucketDuration = time.Millisecond
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		now:             time.Now,
		buckets:         make([]bucket, config.BucketCount),
		bucketDuration:  bucketDuration,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open, recording its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			return domain.ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen, now)
		fallthrough
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxHalfOpenRequests {
			return domain.ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenInFlight--
		if err != nil {
			cb.transitionLocked(StateOpen, now)
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		cb.rotateLocked(now)
		b := &cb.buckets[cb.current]
		b.requests++
		if err != nil {
			b.failures++
		}
		cb.evaluateLocked(now)
	}
}

func (cb *CircuitBreaker) evaluateLocked(now time.Time) {
	requests, failures := cb.aggregateLocked(now)
	if requests == 0 || requests < cb.config.MinSamples {
		return
	}
	rate := float64(failures) / float64(requests) * 100
	if rate >= cb.config.FailureRateThreshold {
		cb.transitionLocked(StateOpen, now)
	}
}

func (cb *CircuitBreaker) aggregateLocked(now time.Time) (requests, failures int) {
	for _, b := range cb.buckets {
		if b.requests == 0 || b.start.IsZero() || now.Sub(b.start) > cb.config.Window {
			continue
		}
		requests += b.requests
		failures += b.failures
	}
	return requests, failures
}

func (cb *CircuitBreaker) rotateLocked(now time.Time) {
	if cb.currentStart.IsZero() {
		cb.currentStart = now.Truncate(cb.bucketDuration)
		cb.buckets[cb.current].start = cb.currentStart
		return
	}
	elapsed := now.Sub(cb.currentStart)
	if elapsed < cb.bucketDuration {
		return
	}
	steps := int(elapsed / cb.bucketDuration)
	if steps > len(cb.buckets) {
		steps = len(cb.buckets)
	}
	for i := 0; i < steps; i++ {
		cb.current = (cb.current + 1) % len(cb.buckets)
		cb.currentStart = cb.currentStart.Add(cb.bucketDuration)
		cb.buckets[cb.current] = bucket{start: cb.currentStart}
	}
	// After a long idle gap the window restarts at now.
	if now.Sub(cb.currentStart) >= cb.bucketDuration {
		cb.currentStart = now.Truncate(cb.bucketDuration)
		cb.buckets[cb.current].start = cb.currentStart
	}
}

func (cb *CircuitBreaker) resetBucketsLocked() {
	for i := range cb.buckets {
		cb.buckets[i] = bucket{}
	}
	cb.current = 0
	cb.currentStart = time.Time{}
}

func (cb *CircuitBreaker) transitionLocked(state CircuitBreakerState, now time.Time) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.lastStateChange = now
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	cb.resetBucketsLocked()

	if state == StateOpen {
		cb.openUntil = now.Add(cb.config.OpenTimeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	FailureRate     float64 `json:"failureRate"`
	Requests        int     `json:"requests"`
	LastStateChange string  `json:"lastStateChange"`
}

// Stats returns the breaker status.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	requests, failures := cb.aggregateLocked(cb.now())
	rate := 0.0
	if requests > 0 {
		rate = float64(failures) / float64(requests) * 100
	}
	return CircuitBreakerStats{
		State:           string(cb.state),
		FailureRate:     rate,
		Requests:        requests,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
}

// CircuitBreakerManager keeps one breaker per qualified step name.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]CircuitBreakerConfig
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]CircuitBreakerConfig),
	}
}

// Get returns the breaker for name, creating it with config if needed. A changed
// config replaces the breaker.
func (m *CircuitBreakerManager) Get(name string, config CircuitBreakerConfig) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	same := m.configs[name] == config
	m.mu.RUnlock()
	if exists && same {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists := m.breakers[name]; exists && m.configs[name] == config {
		return cb
	}
	cb = NewCircuitBreaker(config)
	m.breakers[name] = cb
	m.configs[name] = config
	return cb
}

// Stats returns statistics for all breakers ordered by name.
func (m *CircuitBreakerManager) Stats() []CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CircuitBreakerStats, 0, len(m.breakers))
	for name, cb := range m.breakers {
		s := cb.Stats()
		s.Name = name
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
