package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/conduit/pkg/domain"
)

// MemoryLocker is a process-local domain.Locker. Locks expire after the spec's
// expiry so a crashed holder cannot block others forever.
type MemoryLocker struct {
	mu      sync.Mutex
	held    map[string]lockHold
	byToken map[string]string
	now     func() time.Time

	acquired int
	released int
}

type lockHold struct {
	token   string
	runID   string
	expires time.Time
}

// NewMemoryLocker creates an empty locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:    make(map[string]lockHold),
		byToken: make(map[string]string),
		now:     time.Now,
	}
}

// Acquire tries to take the lock, retrying NumRetries times with RetryDelay in
// between. ok is false when the lock stayed held by someone else.
func (l *MemoryLocker) Acquire(ctx context.Context, spec domain.LockSpec, runID string) (string, bool, error) {
	if spec.ObjectID == "" {
		return "", false, fmt.Errorf("lock spec has no objectId")
	}
	for attempt := 0; ; attempt++ {
		if token, ok := l.tryAcquire(spec, runID); ok {
			return token, true, nil
		}
		if attempt >= spec.NumRetries {
			return "", false, nil
		}

		timer := time.NewTimer(spec.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *MemoryLocker) tryAcquire(spec domain.LockSpec, runID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if hold, ok := l.held[spec.ObjectID]; ok {
		if hold.expires.IsZero() || now.Before(hold.expires) {
			return "", false
		}
		delete(l.byToken, hold.token)
	}

	hold := lockHold{token: uuid.NewString(), runID: runID}
	if spec.Expiry > 0 {
		hold.expires = now.Add(spec.Expiry)
	}
	l.held[spec.ObjectID] = hold
	l.byToken[hold.token] = spec.ObjectID
	l.acquired++
	return hold.token, true
}

// Release frees the lock identified by token.
func (l *MemoryLocker) Release(_ context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	objectID, ok := l.byToken[token]
	if !ok {
		return fmt.Errorf("unknown lock token %q", token)
	}
	delete(l.byToken, token)
	if hold, ok := l.held[objectID]; ok && hold.token == token {
		delete(l.held, objectID)
	}
	l.released++
	return nil
}

// Held reports whether objectID is currently locked.
func (l *MemoryLocker) Held(objectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	hold, ok := l.held[objectID]
	return ok && (hold.expires.IsZero() || l.now().Before(hold.expires))
}

// Counts returns the number of successful acquisitions and releases.
func (l *MemoryLocker) Counts() (acquired, released int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired, l.released
}
