// Package ledger stores Safa Points transaction records and computes balances.
//
// Every backend implements Store with identical semantics:
//
//   - a record's TxID is its dedup key; creating an existing TxID is a no-op
//     that yields the stored original,
//   - a batch is applied as one atomic unit, optionally guarded by a
//     ledger-level idempotency key whose stored response body is replayed,
//   - the balance of a user is the sum of their settled records,
//   - reversals append a compensating record and annotate the original.
//
// Backends differ only in durability and concurrency control: in-process
// memory, a JSON snapshot file, an embedded SQLite database through GORM, and
// PostgreSQL through pgx.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

var (
	// ErrNotFound is returned by GetTransaction and Transition for unknown txIds.
	ErrNotFound = errors.New("ledger: transaction not found")
	// ErrEmptyBatch is returned when CreateTransactions receives no records.
	ErrEmptyBatch = errors.New("ledger: empty batch")
	// ErrInsufficientFunds matches every *InsufficientFundsError.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrUnavailable wraps backend failures (I/O, connectivity).
	ErrUnavailable = errors.New("ledger: backend unavailable")
	// ErrIllegalTransition is returned when a status change would go backwards.
	ErrIllegalTransition = errors.New("ledger: illegal status transition")
)

// InsufficientFundsError reports a debit that would take a user below zero.
type InsufficientFundsError struct {
	UserID    string
	Balance   int64
	Required  int64
	Shortfall int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: insufficient funds for %s: balance %d, required %d", e.UserID, e.Balance, e.Required)
}

// Is makes errors.Is(err, ErrInsufficientFunds) hold.
func (e *InsufficientFundsError) Is(target error) bool { return target == ErrInsufficientFunds }

// Batch is an ordered group of records applied atomically.
type Batch struct {
	Records []domain.Transaction

	// IdempotencyKey, when set, makes the batch apply at most once. A reuse
	// returns ResponseBody as stored by the first application.
	IdempotencyKey string
	ResponseBody   []byte

	// RequireFunds rejects the batch when any debited user would end with a
	// negative settled balance. The check runs in the same atomic unit.
	RequireFunds bool
}

// Result describes the outcome of CreateTransactions.
type Result struct {
	Replayed bool
	Body     []byte
	// Records holds the batch as stored; duplicates resolve to the original.
	Records []domain.Transaction
}

// Store is the contract shared by all ledger backends.
type Store interface {
	CreateTransactions(ctx context.Context, b Batch) (*Result, error)
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
	Transition(ctx context.Context, txID string, to domain.Status) (*domain.Transaction, error)
	// Reverse returns (nil, nil) when txID is unknown.
	Reverse(ctx context.Context, txID string, reversal domain.Transaction) (*domain.Transaction, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	// ListTransactions returns newest first; limit <= 0 means all.
	ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error)
	Reset(ctx context.Context) error
	Close() error
}

// prepareBatch validates the batch and normalizes its records: UTC creation
// time, non-nil metadata and first-wins dedup inside the batch.
func prepareBatch(b Batch, now time.Time) ([]domain.Transaction, error) {
	if len(b.Records) == 0 {
		return nil, ErrEmptyBatch
	}
	seen := make(map[string]struct{}, len(b.Records))
	out := make([]domain.Transaction, 0, len(b.Records))
	for i, r := range b.Records {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[r.TxID]; dup {
			continue
		}
		seen[r.TxID] = struct{}{}
		r = r.Clone()
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, nil
}

// debits sums the amounts of non-reversed records per user and returns the
// users whose delta is negative, sorted so callers lock in a stable order.
func debits(records []domain.Transaction) ([]string, map[string]int64) {
	delta := map[string]int64{}
	for _, r := range records {
		if r.Status == domain.StatusReversed {
			continue
		}
		delta[r.UserID] += r.Amount
	}
	users := make([]string, 0, len(delta))
	for u, d := range delta {
		if d < 0 {
			users = append(users, u)
		}
	}
	sort.Strings(users)
	return users, delta
}

// checkFunds verifies balance(u)+delta(u) >= 0 for every debited user.
func checkFunds(records []domain.Transaction, balance func(userID string) (int64, error)) error {
	users, delta := debits(records)
	for _, u := range users {
		bal, err := balance(u)
		if err != nil {
			return err
		}
		if bal+delta[u] < 0 {
			required := -delta[u]
			return &InsufficientFundsError{
				UserID:    u,
				Balance:   bal,
				Required:  required,
				Shortfall: required - bal,
			}
		}
	}
	return nil
}

type reversalAction int

const (
	// reverseCompensate appends a settled record of -amount.
	reverseCompensate reversalAction = iota
	// reverseVoid moves a pending original straight to reversed. It never
	// counted toward the balance, so no compensating record is written.
	reverseVoid
	// reverseNoop leaves an already reversed original as it is.
	reverseNoop
)

// planReversal picks how Reverse treats orig. Callers check the reversedBy
// link first so a compensated original returns its existing reversal.
func planReversal(orig domain.Transaction) reversalAction {
	switch orig.Status {
	case domain.StatusPending:
		return reverseVoid
	case domain.StatusReversed:
		return reverseNoop
	}
	return reverseCompensate
}

// checkTransition applies the status machine. A settled record that already
// has a compensating reversal cannot also move to reversed: the balance would
// lose its amount twice.
func checkTransition(t domain.Transaction, to domain.Status) error {
	if !t.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
	}
	if to == domain.StatusReversed && t.Metadata.String(domain.MetaReversedBy) != "" {
		return fmt.Errorf("%w: %s already compensated by %s", ErrIllegalTransition, t.TxID, t.Metadata.String(domain.MetaReversedBy))
	}
	return nil
}

// buildReversal fills in the compensating record for orig. Caller supplied
// TxID, Status, CreatedAt and metadata are kept.
func buildReversal(orig domain.Transaction, rev domain.Transaction, now time.Time) domain.Transaction {
	if strings.TrimSpace(rev.TxID) == "" {
		rev.TxID = "rev_" + orig.TxID
	}
	rev.UserID = orig.UserID
	rev.Amount = -orig.Amount
	rev.Kind = domain.KindAdjust
	if rev.Status == "" {
		rev.Status = domain.StatusSettled
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = now
	}
	rev.CreatedAt = rev.CreatedAt.UTC()
	rev.Metadata = rev.Metadata.Clone()
	rev.Metadata[domain.MetaReverses] = orig.TxID
	return rev
}

// newestFirst orders records by creation time then txId, both descending.
func newestFirst(recs []domain.Transaction) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].TxID > recs[j].TxID
	})
}

func unavailable(op string, err error) error {
	return fmt.Errorf("ledger: %s: %w: %w", op, ErrUnavailable, err)
}

func nowUTC() time.Time { return time.Now().UTC() }
