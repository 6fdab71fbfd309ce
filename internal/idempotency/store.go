// Package idempotency implements the claim/replay protocol that guards
// state-mutating requests. A key moves from absent to in-flight (claimed by
// exactly one caller) to resolved (response stored for replay). Every state
// is TTL bounded, so an abandoned claim reverts to absent on its own.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

var (
	// ErrInFlight is returned to a caller that lost the claim while the
	// winner is still executing.
	ErrInFlight = errors.New("idempotency: request in progress")
	// ErrUnavailable wraps store failures when degraded mode is off.
	ErrUnavailable = errors.New("idempotency: store unavailable")
	// ErrClaimLost is returned by Resolve when the key is no longer held by
	// the given token: the claim expired and another caller took or
	// resolved it.
	ErrClaimLost = errors.New("idempotency: claim no longer held")
)

// Store persists idempotency records.
type Store interface {
	// Get returns the live record for key, or (nil, nil) when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (*domain.Idempotency, error)
	// SetIfNotExists atomically places an in-flight claim owned by token
	// for ttl and reports whether this caller won it.
	SetIfNotExists(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Resolve stores the response for key and keeps it for ttl. It succeeds
	// while token still holds the claim or the key is absent, and returns
	// ErrClaimLost otherwise.
	Resolve(ctx context.Context, key, token string, status int, body []byte, ttl time.Duration) error
	// Release drops the in-flight claim held by token. Resolved records and
	// claims held by other tokens are kept.
	Release(ctx context.Context, key, token string) error
	// Reset removes every record.
	Reset(ctx context.Context) error
}

// Purger is implemented by stores that need explicit expiry sweeps.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
