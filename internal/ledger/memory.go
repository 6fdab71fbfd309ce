package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// MemoryStore keeps the ledger in process memory. It is intended for tests
// and single-instance development; contents are lost on restart.
type MemoryStore struct {
	mu  sync.RWMutex
	st  *state
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemory returns an empty in-memory ledger.
func NewMemory() *MemoryStore {
	return &MemoryStore{st: newState(), now: nowUTC}
}

// CreateTransactions applies b atomically under the write lock.
func (m *MemoryStore) CreateTransactions(_ context.Context, b Batch) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, _, err := m.st.apply(b, m.now())
	return res, err
}

// GetTransaction returns a copy of the record with txID.
func (m *MemoryStore) GetTransaction(_ context.Context, txID string) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.st.txs[txID]
	if !ok {
		return nil, ErrNotFound
	}
	out := t.Clone()
	return &out, nil
}

func (m *MemoryStore) Transition(_ context.Context, txID string, to domain.Status) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _, err := m.st.transition(txID, to)
	return t, err
}

func (m *MemoryStore) Reverse(_ context.Context, txID string, reversal domain.Transaction) (*domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, _, err := m.st.reverse(txID, reversal, m.now())
	return t, err
}

func (m *MemoryStore) GetBalance(_ context.Context, userID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.balance(userID), nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.list(userID, limit), nil
}

// Reset drops every record and key.
func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
