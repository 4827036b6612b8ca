package domain

import (
	"context"
	"time"
)

// Transaction is a handle returned by a TransactionManager.
type Transaction interface {
	ID() string
	SetRollbackOnly()
	RollbackOnly() bool
	// Commit completes the transaction. A rollback-only transaction is rolled back.
	Commit(ctx context.Context) error
}

// TransactionManager begins transactions with a propagation attribute.
type TransactionManager interface {
	Begin(ctx context.Context, propagation Propagation) (Transaction, error)
}

// Locker is a cross-process mutual exclusion backend.
type Locker interface {
	// Acquire returns a token on success. ok is false when no token was issued.
	Acquire(ctx context.Context, spec LockSpec, runID string) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// CacheEntry is a cached result and the outcome label it was produced with.
type CacheEntry struct {
	Message Message
	Outcome string
}

// CacheStore holds cached results. Eviction is the store's responsibility.
type CacheStore interface {
	Get(ctx context.Context, key string) (CacheEntry, bool, error)
	Put(ctx context.Context, key string, entry CacheEntry) error
}

// EventKind classifies monitoring events.
type EventKind string

// Monitoring event kinds.
const (
	EventException     EventKind = "exception"
	EventLongDuration  EventKind = "long-duration"
	EventSizeThreshold EventKind = "size-threshold"
)

// MonitorEvent is emitted to a MonitoringSink.
type MonitorEvent struct {
	PipelineID string
	Step       string
	RunID      string
	Kind       EventKind
	Duration   time.Duration
	Size       int64
	Err        error
}

// MonitoringSink receives monitoring events. Implementations must not block.
type MonitoringSink interface {
	Notify(ctx context.Context, event MonitorEvent)
}

// MonitoringSinkFunc adapts a function to the MonitoringSink interface.
type MonitoringSinkFunc func(ctx context.Context, event MonitorEvent)

// Notify calls f.
func (f MonitoringSinkFunc) Notify(ctx context.Context, event MonitorEvent) {
	f(ctx, event)
}

type transactionKey struct{}

// ContextWithTransaction returns a context carrying the active transaction so
// nested boundaries can join it.
func ContextWithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, transactionKey{}, tx)
}

// TransactionFromContext returns the active transaction, if any.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	tx, ok := ctx.Value(transactionKey{}).(Transaction)
	return tx, ok && tx != nil
}
