package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/conduit/pkg/domain"
)

var (
	// ErrNoTransaction is returned for mandatory propagation without an active transaction.
	ErrNoTransaction = errors.New("no active transaction for mandatory propagation")
	// ErrTransactionExists is returned for never propagation inside an active transaction.
	ErrTransactionExists = errors.New("active transaction found for never propagation")
	// ErrAlreadyCompleted is returned when a transaction is committed twice.
	ErrAlreadyCompleted = errors.New("transaction already completed")
)

// TransactionRecord describes a completed physical transaction.
type TransactionRecord struct {
	ID         string
	RolledBack bool
}

// MemoryTransactionManager is an in-memory domain.TransactionManager that records
// every physical commit and rollback. Joined and non-transactional boundaries do
// not produce records.
type MemoryTransactionManager struct {
	mu      sync.Mutex
	records []TransactionRecord
	begun   int
}

// NewMemoryTransactionManager creates an empty manager.
func NewMemoryTransactionManager() *MemoryTransactionManager {
	return &MemoryTransactionManager{}
}

// Begin starts, joins or suspends a transaction according to propagation. The
// outer transaction is taken from ctx.
func (m *MemoryTransactionManager) Begin(ctx context.Context, propagation domain.Propagation) (domain.Transaction, error) {
	outer, hasOuter := domain.TransactionFromContext(ctx)

	switch propagation {
	case domain.PropagationRequired, "":
		if hasOuter {
			return &memoryTransaction{manager: m, outer: outer}, nil
		}
		return m.newPhysical(), nil
	case domain.PropagationRequiresNew:
		return m.newPhysical(), nil
	case domain.PropagationSupports:
		if hasOuter {
			return &memoryTransaction{manager: m, outer: outer}, nil
		}
		return &memoryTransaction{manager: m, empty: true}, nil
	case domain.PropagationMandatory:
		if !hasOuter {
			return nil, ErrNoTransaction
		}
		return &memoryTransaction{manager: m, outer: outer}, nil
	case domain.PropagationNever:
		if hasOuter {
			return nil, ErrTransactionExists
		}
		return &memoryTransaction{manager: m, empty: true}, nil
	case domain.PropagationNotSupported:
		return &memoryTransaction{manager: m, empty: true}, nil
	default:
		return nil, fmt.Errorf("unknown propagation %q", propagation)
	}
}

func (m *MemoryTransactionManager) newPhysical() *memoryTransaction {
	m.mu.Lock()
	m.begun++
	m.mu.Unlock()
	return &memoryTransaction{manager: m, id: uuid.NewString()}
}

func (m *MemoryTransactionManager) record(r TransactionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

// Records returns the completed physical transactions in completion order.
func (m *MemoryTransactionManager) Records() []TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransactionRecord(nil), m.records...)
}

// Counts returns the number of begun, committed and rolled back physical transactions.
func (m *MemoryTransactionManager) Counts() (begun, committed, rolledBack int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.RolledBack {
			rolledBack++
		} else {
			committed++
		}
	}
	return m.begun, committed, rolledBack
}

type memoryTransaction struct {
	manager *MemoryTransactionManager
	id      string
	outer   domain.Transaction
	empty   bool

	mu           sync.Mutex
	rollbackOnly bool
	completed    bool
}

func (t *memoryTransaction) ID() string {
	if t.outer != nil {
		return t.outer.ID()
	}
	return t.id
}

func (t *memoryTransaction) SetRollbackOnly() {
	t.mu.Lock()
	t.rollbackOnly = true
	t.mu.Unlock()
	if t.outer != nil {
		t.outer.SetRollbackOnly()
	}
}

func (t *memoryTransaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// Commit completes the boundary. Joined boundaries leave completion to the outer
// transaction; physical ones roll back when marked rollback-only.
func (t *memoryTransaction) Commit(context.Context) error {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return ErrAlreadyCompleted
	}
	t.completed = true
	rollback := t.rollbackOnly
	t.mu.Unlock()

	if t.outer != nil || t.empty {
		return nil
	}
	t.manager.record(TransactionRecord{ID: t.id, RolledBack: rollback})
	return nil
}
