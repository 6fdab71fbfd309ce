package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/repo"
)

// SQLStore keeps records in the application database. The claim is a
// primary-key insert, so concurrent callers across instances sharing the
// database still see exactly one winner.
type SQLStore struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ Store  = (*SQLStore)(nil)
	_ Purger = (*SQLStore)(nil)
)

// NewSQLStore returns a store over db. The idempotency table must exist
// (see repo.AutoMigrate).
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) Get(ctx context.Context, key string) (*domain.Idempotency, error) {
	rec, err := repo.GetIdempotency(ctx, s.db, key, s.now())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLStore) SetIfNotExists(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	_, err := repo.ClaimIdempotency(ctx, s.db, key, token, ttl, s.now())
	if errors.Is(err, repo.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Resolve(ctx context.Context, key, token string, status int, body []byte, ttl time.Duration) error {
	now := s.now()
	err := repo.ResolveIdempotency(ctx, s.db, key, token, status, body, now, now.Add(ttl))
	if errors.Is(err, repo.ErrDuplicate) {
		return ErrClaimLost
	}
	return err
}

func (s *SQLStore) Release(ctx context.Context, key, token string) error {
	return repo.ReleaseIdempotency(ctx, s.db, key, token)
}

func (s *SQLStore) Reset(ctx context.Context) error {
	return repo.ResetIdempotency(ctx, s.db)
}

func (s *SQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredIdempotency(ctx, s.db, s.now())
}
