// Package domain defines the core persistence models for the application.
// This file holds the points ledger record: the unit of value movement for
// Safa Points (SP), together with its kind/status enumerations.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransaction is returned when a ledger record fails validation.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Kind classifies a ledger record.
type Kind string

const (
	KindAward  Kind = "award"
	KindRedeem Kind = "redeem"
	KindAdjust Kind = "adjust"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAward, KindRedeem, KindAdjust:
		return true
	}
	return false
}

// Status is the settlement state of a ledger record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSettled  Status = "settled"
	StatusReversed Status = "reversed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSettled, StatusReversed:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Transitions are monotonic: pending → settled, pending|settled → reversed.
// A transition to the current state is always allowed and is a no-op.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusSettled || next == StatusReversed
	case StatusSettled:
		return next == StatusReversed
	}
	return false
}

// Well-known metadata keys written by the ledger itself.
const (
	MetaReversedBy = "reversedBy"
	MetaReverses   = "reverses"
)

// Metadata holds open annotations on a ledger record. It is stored as JSON
// text by the SQL backends.
type Metadata map[string]any

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// Clone returns a shallow copy of m (values are shared, keys are not).
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// String returns the value stored under key when it is a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Transaction is a single ledger record. Once settled it is never mutated
// financially; reversals are expressed as new records plus a metadata
// annotation on the original.
//
// The balance of a user is the sum of Amount over their settled records.
type Transaction struct {
	TxID      string    `json:"txId"      gorm:"column:tx_id;type:varchar(128);primaryKey"`
	UserID    string    `json:"userId"    gorm:"column:user_id;type:varchar(64);not null;index:idx_ledger_user_created,priority:1"`
	Amount    int64     `json:"amount"    gorm:"not null"`
	Kind      Kind      `json:"kind"      gorm:"type:varchar(16);not null"`
	Status    Status    `json:"status"    gorm:"type:varchar(16);not null;index"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null;index:idx_ledger_user_created,priority:2"`
	Metadata  Metadata  `json:"metadata"  gorm:"type:text"`
}

// TableName returns the database table name for Transaction.
func (Transaction) TableName() string { return "ledger_transactions" }

// Validate checks structural rules that hold for every stored record.
func (t Transaction) Validate() error {
	switch {
	case strings.TrimSpace(t.TxID) == "":
		return fmt.Errorf("%w: txId is required", ErrInvalidTransaction)
	case strings.TrimSpace(t.UserID) == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidTransaction)
	case t.Amount == 0:
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidTransaction)
	case !t.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransaction, t.Kind)
	case !t.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, t.Status)
	case t.Kind == KindAward && t.Amount < 0:
		return fmt.Errorf("%w: award amount must be positive", ErrInvalidTransaction)
	case t.Kind == KindRedeem && t.Amount > 0:
		return fmt.Errorf("%w: redeem amount must be negative", ErrInvalidTransaction)
	}
	return nil
}

// Clone returns a copy of t that does not share its metadata map.
func (t Transaction) Clone() Transaction {
	t.Metadata = t.Metadata.Clone()
	return t
}

// Settled reports whether the record counts toward the balance.
func (t Transaction) Settled() bool { return t.Status == StatusSettled }

// LedgerKey records a ledger-level idempotency key together with the
// response body produced by the batch that first used it.
type LedgerKey struct {
	Key          string    `gorm:"column:idem_key;type:varchar(255);primaryKey"`
	ResponseBody []byte    `gorm:"column:response_body"`
	CreatedAt    time.Time `gorm:"not null"`
}

// TableName returns the database table name for LedgerKey.
func (LedgerKey) TableName() string { return "ledger_idempotency_keys" }
