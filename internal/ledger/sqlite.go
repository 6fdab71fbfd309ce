package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// SQLiteStore keeps the ledger in an embedded SQLite database through GORM.
// SQLite admits a single writer, so write transactions are serialized by an
// in-process mutex instead of relying on busy retries. Across processes the
// ledger key row is inserted first in every keyed batch: its primary key is
// the claim, as in PostgresStore.
type SQLiteStore struct {
	db  *gorm.DB
	mu  sync.Mutex
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite migrates the ledger tables on db and returns the store.
func NewSQLite(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&domain.Transaction{}, &domain.LedgerKey{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, now: nowUTC}, nil
}

func (s *SQLiteStore) CreateTransactions(ctx context.Context, b Batch) (*Result, error) {
	now := s.now()
	recs, err := prepareBatch(b, now)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res *Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if b.IdempotencyKey != "" {
			k := domain.LedgerKey{Key: b.IdempotencyKey, ResponseBody: b.ResponseBody, CreatedAt: now}
			claim := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&k)
			if claim.Error != nil {
				return claim.Error
			}
			if claim.RowsAffected == 0 {
				return errKeyTaken
			}
		}

		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.TxID
		}
		var existing []domain.Transaction
		if err := tx.Where("tx_id IN ?", ids).Find(&existing).Error; err != nil {
			return err
		}
		stored := make(map[string]domain.Transaction, len(recs))
		for _, t := range existing {
			stored[t.TxID] = t
		}
		fresh := make([]domain.Transaction, 0, len(recs))
		for _, r := range recs {
			if _, ok := stored[r.TxID]; !ok {
				fresh = append(fresh, r)
			}
		}

		if b.RequireFunds {
			if err := checkFunds(fresh, func(u string) (int64, error) { return sqliteBalance(tx, u) }); err != nil {
				return err
			}
		}

		for i := range fresh {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh[i]).Error; err != nil {
				return err
			}
			stored[fresh[i].TxID] = fresh[i]
		}

		res = &Result{Records: make([]domain.Transaction, 0, len(recs))}
		for _, r := range recs {
			res.Records = append(res.Records, stored[r.TxID])
		}
		if b.IdempotencyKey != "" {
			res.Body = b.ResponseBody
		}
		return nil
	})
	if errors.Is(err, errKeyTaken) {
		var k domain.LedgerKey
		found := s.db.WithContext(ctx).Where("idem_key = ?", b.IdempotencyKey).Limit(1).Find(&k)
		if found.Error != nil {
			return nil, unavailable("read ledger key", found.Error)
		}
		if found.RowsAffected == 0 {
			return nil, unavailable("read ledger key", fmt.Errorf("key %q vanished after conflict", b.IdempotencyKey))
		}
		return &Result{Replayed: true, Body: k.ResponseBody}, nil
	}
	if err != nil {
		return nil, classify("create transactions", err)
	}
	return res, nil
}

func sqliteBalance(tx *gorm.DB, userID string) (int64, error) {
	var bal int64
	err := tx.Model(&domain.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status = ?", userID, domain.StatusSettled).
		Row().Scan(&bal)
	return bal, err
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	var t domain.Transaction
	err := s.db.WithContext(ctx).Where("tx_id = ?", txID).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get transaction", err)
	}
	return &t, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, txID string, to domain.Status) (*domain.Transaction, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransaction, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("tx_id = ?", txID).Take(&out).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if out.Status == to {
			return nil
		}
		if err := checkTransition(out, to); err != nil {
			return err
		}
		out.Status = to
		return tx.Model(&domain.Transaction{}).Where("tx_id = ?", txID).Update("status", to).Error
	})
	if err != nil {
		return nil, classify("transition", err)
	}
	return &out, nil
}

func (s *SQLiteStore) Reverse(ctx context.Context, txID string, reversal domain.Transaction) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out *domain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orig domain.Transaction
		err := tx.Where("tx_id = ?", txID).Take(&orig).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if by := orig.Metadata.String(domain.MetaReversedBy); by != "" {
			var prev domain.Transaction
			if err := tx.Where("tx_id = ?", by).Take(&prev).Error; err == nil {
				out = &prev
				return nil
			}
		}
		switch planReversal(orig) {
		case reverseNoop:
			out = &orig
			return nil
		case reverseVoid:
			orig.Status = domain.StatusReversed
			out = &orig
			return tx.Model(&domain.Transaction{}).Where("tx_id = ?", txID).Update("status", domain.StatusReversed).Error
		}

		rev := buildReversal(orig, reversal, s.now())
		if err := rev.Validate(); err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rev).Error; err != nil {
			return err
		}
		var stored domain.Transaction
		if err := tx.Where("tx_id = ?", rev.TxID).Take(&stored).Error; err != nil {
			return err
		}
		meta := orig.Metadata.Clone()
		meta[domain.MetaReversedBy] = stored.TxID
		if err := tx.Model(&domain.Transaction{}).Where("tx_id = ?", txID).Update("metadata", meta).Error; err != nil {
			return err
		}
		out = &stored
		return nil
	})
	if err != nil {
		return nil, classify("reverse", err)
	}
	return out, nil
}

func (s *SQLiteStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	bal, err := sqliteBalance(s.db.WithContext(ctx), userID)
	if err != nil {
		return 0, unavailable("balance", err)
	}
	return bal, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Order("tx_id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	out := []domain.Transaction{}
	if err := q.Find(&out).Error; err != nil {
		return nil, unavailable("list transactions", err)
	}
	return out, nil
}

// Reset deletes every ledger row and key.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.Transaction{}).Error; err != nil {
			return err
		}
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.LedgerKey{}).Error
	})
	if err != nil {
		return unavailable("reset", err)
	}
	return nil
}

// Close is a no-op: the *gorm.DB is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

// classify keeps ledger errors intact and marks everything else unavailable.
func classify(op string, err error) error {
	var insufficient *InsufficientFundsError
	switch {
	case errors.As(err, &insufficient),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrEmptyBatch),
		errors.Is(err, domain.ErrInvalidTransaction),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return unavailable(op, err)
}
