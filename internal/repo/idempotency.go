// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for POST endpoints.
//
// A key moves through three states: absent, in-flight (claimed) and
// resolved. Rows past their expires_at are treated as absent.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// ErrDuplicate indicates that a live idempotency record already exists for
// the given key.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("key = ? AND expires_at > ?", key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClaimIdempotency inserts an in-flight record for key owned by token and
// returns ErrDuplicate when a live record already exists. An expired row for
// the same key is removed first so the key behaves as absent.
func ClaimIdempotency(ctx context.Context, db *gorm.DB, key, token string, ttl time.Duration, now time.Time) (*domain.Idempotency, error) {
	rec := &domain.Idempotency{
		Key:       key,
		State:     domain.IdempotencyInFlight,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key = ? AND expires_at <= ?", key, now).
			Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// ResolveIdempotency stores the response for the claim token holds and
// extends its lifetime to expiresAt. When the claim is gone (expired and
// purged) a fresh resolved row is written. ErrDuplicate means another caller
// holds or resolved the key.
func ResolveIdempotency(ctx context.Context, db *gorm.DB, key, token string, status int, body []byte, now, expiresAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("key = ? AND state = ? AND token = ?", key, domain.IdempotencyInFlight, token).
		Updates(map[string]any{
			"state":      domain.IdempotencyResolved,
			"status":     status,
			"body":       body,
			"expires_at": expiresAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("key = ? AND expires_at <= ?", key, now).
			Delete(&domain.Idempotency{}).Error; err != nil {
			return err
		}
		return tx.Create(&domain.Idempotency{
			Key:       key,
			State:     domain.IdempotencyResolved,
			Token:     token,
			Status:    status,
			Body:      body,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}).Error
	})
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ReleaseIdempotency removes the in-flight claim held by token. Resolved rows
// and claims held by other tokens are kept.
func ReleaseIdempotency(ctx context.Context, db *gorm.DB, key, token string) error {
	return db.WithContext(ctx).
		Where("key = ? AND state = ? AND token = ?", key, domain.IdempotencyInFlight, token).
		Delete(&domain.Idempotency{}).Error
}

// PurgeExpiredIdempotency deletes every record whose TTL elapsed before now.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

// ResetIdempotency deletes all records.
func ResetIdempotency(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&domain.Idempotency{}).Error
}

// isUniqueViolation matches unique/primary key failures across drivers.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "constraint failed: primary key")
}
