package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// FileName is the snapshot written inside the data directory.
const FileName = "ledger_store.json"

// snapshot is the on-disk layout of the file backend.
type snapshot struct {
	Transactions []domain.Transaction `json:"transactions"`
	Idempotency  map[string]keyEntry  `json:"idempotency"`
}

// FileStore persists the whole ledger as one JSON document. Each write
// builds a complete new snapshot, writes it to a temporary file, fsyncs it
// and renames it over the previous one, so a crash leaves either the old or
// the new snapshot on disk.
//
// Writers are serialized by wmu. Readers see the last committed state.
type FileStore struct {
	path string

	wmu sync.Mutex
	mu  sync.RWMutex
	cur *state

	now       func() time.Time
	writeFile func(path string, data []byte) error
}

var _ Store = (*FileStore)(nil)

// NewFile opens (or creates) the snapshot in dir.
func NewFile(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("ledger: file backend requires a data directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, unavailable("create data dir", err)
	}
	fs := &FileStore{
		path:      filepath.Join(dir, FileName),
		now:       nowUTC,
		writeFile: atomicWrite,
	}
	st, err := loadSnapshot(fs.path)
	if err != nil {
		return nil, err
	}
	fs.cur = st
	return fs, nil
}

// Path returns the snapshot location.
func (f *FileStore) Path() string { return f.path }

func loadSnapshot(path string) (*state, error) {
	st := newState()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return nil, unavailable("read snapshot", err)
	}
	if len(raw) == 0 {
		return st, nil
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("ledger: decode %s: %w", path, err)
	}
	for _, t := range snap.Transactions {
		if t.Metadata == nil {
			t.Metadata = domain.Metadata{}
		}
		st.txs[t.TxID] = t
	}
	for k, v := range snap.Idempotency {
		st.keys[k] = v
	}
	return st, nil
}

func (f *FileStore) persist(st *state) error {
	snap := snapshot{
		Transactions: make([]domain.Transaction, 0, len(st.txs)),
		Idempotency:  st.keys,
	}
	for _, t := range st.txs {
		snap.Transactions = append(snap.Transactions, t)
	}
	sort.Slice(snap.Transactions, func(i, j int) bool {
		a, b := snap.Transactions[i], snap.Transactions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.TxID < b.TxID
	})
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: encode snapshot: %w", err)
	}
	if err := f.writeFile(f.path, data); err != nil {
		return unavailable("write snapshot", err)
	}
	return nil
}

// atomicWrite writes data to path via a fsynced temporary file and rename.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	fh, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := fh.Write(data); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := fh.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// mutate runs fn against a private copy of the committed state and commits
// the copy only when fn changed it and the snapshot reached the disk.
func (f *FileStore) mutate(fn func(next *state) (bool, error)) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()

	f.mu.RLock()
	next := f.cur.clone()
	f.mu.RUnlock()

	changed, err := fn(next)
	if err != nil || !changed {
		return err
	}
	if err := f.persist(next); err != nil {
		return err
	}
	f.mu.Lock()
	f.cur = next
	f.mu.Unlock()
	return nil
}

func (f *FileStore) CreateTransactions(_ context.Context, b Batch) (*Result, error) {
	var res *Result
	err := f.mutate(func(next *state) (bool, error) {
		r, changed, err := next.apply(b, f.now())
		res = r
		return changed, err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *FileStore) GetTransaction(_ context.Context, txID string) (*domain.Transaction, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.cur.txs[txID]
	if !ok {
		return nil, ErrNotFound
	}
	out := t.Clone()
	return &out, nil
}

func (f *FileStore) Transition(_ context.Context, txID string, to domain.Status) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := f.mutate(func(next *state) (bool, error) {
		t, changed, err := next.transition(txID, to)
		out = t
		return changed, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) Reverse(_ context.Context, txID string, reversal domain.Transaction) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := f.mutate(func(next *state) (bool, error) {
		t, changed, err := next.reverse(txID, reversal, f.now())
		out = t
		return changed, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) GetBalance(_ context.Context, userID string) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cur.balance(userID), nil
}

func (f *FileStore) ListTransactions(_ context.Context, userID string, limit int) ([]domain.Transaction, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cur.list(userID, limit), nil
}

// Reset writes an empty snapshot.
func (f *FileStore) Reset(context.Context) error {
	return f.mutate(func(next *state) (bool, error) {
		*next = *newState()
		return true, nil
	})
}

func (f *FileStore) Close() error { return nil }
