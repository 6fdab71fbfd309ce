package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// MemoryStore keeps records in a map. Expired entries are dropped lazily on
// access and by PurgeExpired.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]domain.Idempotency
	now  func() time.Time
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Purger = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]domain.Idempotency{}, now: func() time.Time { return time.Now().UTC() }}
}

// live returns the record for key if present and unexpired. Caller holds mu.
func (m *MemoryStore) live(key string, now time.Time) (domain.Idempotency, bool) {
	rec, ok := m.recs[key]
	if !ok {
		return rec, false
	}
	if rec.Expired(now) {
		delete(m.recs, key)
		return rec, false
	}
	return rec, true
}

func (m *MemoryStore) Get(_ context.Context, key string) (*domain.Idempotency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live(key, m.now())
	if !ok {
		return nil, nil
	}
	rec.Body = append([]byte(nil), rec.Body...)
	return &rec, nil
}

func (m *MemoryStore) SetIfNotExists(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if _, ok := m.live(key, now); ok {
		return false, nil
	}
	m.recs[key] = domain.Idempotency{
		Key:       key,
		State:     domain.IdempotencyInFlight,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return true, nil
}

func (m *MemoryStore) Resolve(_ context.Context, key, token string, status int, body []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.live(key, now)
	switch {
	case !ok:
		rec = domain.Idempotency{Key: key, CreatedAt: now}
	case rec.State != domain.IdempotencyInFlight || rec.Token != token:
		return ErrClaimLost
	}
	rec.Token = token
	rec.State = domain.IdempotencyResolved
	rec.Status = status
	rec.Body = append([]byte(nil), body...)
	rec.ExpiresAt = now.Add(ttl)
	m.recs[key] = rec
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[key]; ok && rec.State == domain.IdempotencyInFlight && rec.Token == token {
		delete(m.recs, key)
	}
	return nil
}

func (m *MemoryStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = map[string]domain.Idempotency{}
	return nil
}

// PurgeExpired drops every expired record and returns how many were removed.
func (m *MemoryStore) PurgeExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, rec := range m.recs {
		if rec.Expired(now) {
			delete(m.recs, k)
			n++
		}
	}
	return n, nil
}
