package ledger

import (
	"fmt"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// keyEntry is the stored response of a ledger idempotency key.
type keyEntry struct {
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// state is the in-process representation shared by the memory and file
// backends. It is not safe for concurrent use; owners hold their own locks.
type state struct {
	txs  map[string]domain.Transaction
	keys map[string]keyEntry
}

func newState() *state {
	return &state{
		txs:  map[string]domain.Transaction{},
		keys: map[string]keyEntry{},
	}
}

func (s *state) clone() *state {
	out := &state{
		txs:  make(map[string]domain.Transaction, len(s.txs)),
		keys: make(map[string]keyEntry, len(s.keys)),
	}
	for id, t := range s.txs {
		out.txs[id] = t.Clone()
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	return out
}

func (s *state) balance(userID string) int64 {
	var sum int64
	for _, t := range s.txs {
		if t.UserID == userID && t.Settled() {
			sum += t.Amount
		}
	}
	return sum
}

// apply runs every check before the first mutation, so an error leaves s
// untouched. changed reports whether s was modified.
func (s *state) apply(b Batch, now time.Time) (res *Result, changed bool, err error) {
	recs, err := prepareBatch(b, now)
	if err != nil {
		return nil, false, err
	}
	if b.IdempotencyKey != "" {
		if k, ok := s.keys[b.IdempotencyKey]; ok {
			return &Result{Replayed: true, Body: append([]byte(nil), k.Body...)}, false, nil
		}
	}

	fresh := make([]domain.Transaction, 0, len(recs))
	for _, r := range recs {
		if _, exists := s.txs[r.TxID]; !exists {
			fresh = append(fresh, r)
		}
	}
	if b.RequireFunds {
		err := checkFunds(fresh, func(u string) (int64, error) { return s.balance(u), nil })
		if err != nil {
			return nil, false, err
		}
	}

	for _, r := range fresh {
		s.txs[r.TxID] = r
	}
	res = &Result{Records: make([]domain.Transaction, 0, len(recs))}
	for _, r := range recs {
		res.Records = append(res.Records, s.txs[r.TxID].Clone())
	}
	if b.IdempotencyKey != "" {
		s.keys[b.IdempotencyKey] = keyEntry{Body: append([]byte(nil), b.ResponseBody...), CreatedAt: now}
		res.Body = append([]byte(nil), b.ResponseBody...)
	}
	return res, len(fresh) > 0 || b.IdempotencyKey != "", nil
}

func (s *state) transition(txID string, to domain.Status) (*domain.Transaction, bool, error) {
	if !to.Valid() {
		return nil, false, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransaction, to)
	}
	t, ok := s.txs[txID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if t.Status == to {
		out := t.Clone()
		return &out, false, nil
	}
	if err := checkTransition(t, to); err != nil {
		return nil, false, err
	}
	t = t.Clone()
	t.Status = to
	s.txs[txID] = t
	out := t.Clone()
	return &out, true, nil
}

func (s *state) reverse(txID string, rev domain.Transaction, now time.Time) (*domain.Transaction, bool, error) {
	orig, ok := s.txs[txID]
	if !ok {
		return nil, false, nil
	}
	if by := orig.Metadata.String(domain.MetaReversedBy); by != "" {
		if existing, ok := s.txs[by]; ok {
			out := existing.Clone()
			return &out, false, nil
		}
	}
	switch planReversal(orig) {
	case reverseNoop:
		out := orig.Clone()
		return &out, false, nil
	case reverseVoid:
		orig = orig.Clone()
		orig.Status = domain.StatusReversed
		s.txs[txID] = orig
		out := orig.Clone()
		return &out, true, nil
	}
	rev = buildReversal(orig, rev, now)
	if err := rev.Validate(); err != nil {
		return nil, false, err
	}
	stored, exists := s.txs[rev.TxID]
	if !exists {
		s.txs[rev.TxID] = rev
		stored = rev
	}
	orig = orig.Clone()
	orig.Metadata[domain.MetaReversedBy] = stored.TxID
	s.txs[txID] = orig
	out := stored.Clone()
	return &out, true, nil
}

func (s *state) list(userID string, limit int) []domain.Transaction {
	out := []domain.Transaction{}
	for _, t := range s.txs {
		if t.UserID == userID {
			out = append(out, t.Clone())
		}
	}
	newestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
