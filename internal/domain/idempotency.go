// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import "time"

// IdempotencyState tells whether a claimed key is still executing.
type IdempotencyState string

const (
	IdempotencyInFlight IdempotencyState = "in_flight"
	IdempotencyResolved IdempotencyState = "resolved"
)

// Idempotency represents a claimed request key and, once resolved, the
// response it produced. It enables safe retries for POST operations by
// returning the originally produced response without re-executing side
// effects. The same shape is serialized as JSON by the cache-backed store.
// Token identifies the caller holding an in-flight claim.
type Idempotency struct {
	Key       string           `json:"key"       gorm:"type:TEXT NOT NULL;primaryKey"`
	State     IdempotencyState `json:"state"     gorm:"type:TEXT NOT NULL"`
	Token     string           `json:"token,omitempty" gorm:"type:TEXT NOT NULL;default:''"`
	Status    int              `json:"status"    gorm:"type:INTEGER NOT NULL;default:0"`
	Body      []byte           `json:"body,omitempty" gorm:"type:BLOB"`
	CreatedAt time.Time        `json:"createdAt" gorm:"type:DATETIME NOT NULL"`
	ExpiresAt time.Time        `json:"expiresAt" gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// Resolved reports whether a response has been stored for the key.
func (r *Idempotency) Resolved() bool { return r != nil && r.State == IdempotencyResolved }

// Expired reports whether the record is past its TTL at now.
func (r *Idempotency) Expired(now time.Time) bool { return !r.ExpiresAt.After(now) }
