package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// Querier supports database operations for both pool and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the subset of *pgxpool.Pool used by PostgresStore.
type PgxPool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
	_ PgxPool = (*pgxpool.Pool)(nil)
)

// PostgresStore keeps the ledger in PostgreSQL. The ledger key row is
// inserted first in every keyed batch: the unique constraint on idem_key is
// the serialization point between concurrent callers.
type PostgresStore struct {
	pool PgxPool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// errKeyTaken aborts a transaction whose ledger key was already stored.
var errKeyTaken = errors.New("ledger key already used")

const txColumns = `tx_id, user_id, amount, kind, status, created_at, metadata`

const (
	sqlInsertKey = `
		INSERT INTO ledger_idempotency_keys (idem_key, response_body, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idem_key) DO NOTHING`

	sqlSelectKey = `SELECT response_body FROM ledger_idempotency_keys WHERE idem_key = $1`

	sqlLockUser = `SELECT pg_advisory_xact_lock(hashtext($1))`

	sqlSelectByIDs = `SELECT ` + txColumns + ` FROM ledger_transactions WHERE tx_id = ANY($1)`

	sqlSelectByID = `SELECT ` + txColumns + ` FROM ledger_transactions WHERE tx_id = $1`

	sqlSelectForUpdate = `SELECT ` + txColumns + ` FROM ledger_transactions WHERE tx_id = $1 FOR UPDATE`

	sqlBalance = `
		SELECT COALESCE(SUM(amount), 0) FROM ledger_transactions
		WHERE user_id = $1 AND status = 'settled'`

	sqlInsertTx = `
		INSERT INTO ledger_transactions (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_id) DO NOTHING`

	sqlUpdateStatus = `UPDATE ledger_transactions SET status = $2 WHERE tx_id = $1`

	sqlMarkReversed = `
		UPDATE ledger_transactions
		SET metadata = metadata || jsonb_build_object('reversedBy', $2::text)
		WHERE tx_id = $1`

	sqlList = `
		SELECT ` + txColumns + ` FROM ledger_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, tx_id DESC
		LIMIT $2`

	sqlReset = `TRUNCATE ledger_transactions, ledger_idempotency_keys`
)

// NewPostgres returns a store over an already connected pool.
func NewPostgres(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool, now: nowUTC}
}

// ConnectPostgres builds a pgx pool for url and verifies it with a ping.
func ConnectPostgres(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	log.Info().Int32("max_conns", poolConfig.MaxConns).Msg("connected to PostgreSQL")
	return pool, nil
}

// executeTx runs fn in a transaction, rolling back on error or panic.
func (s *PostgresStore) executeTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable("begin", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (s *PostgresStore) CreateTransactions(ctx context.Context, b Batch) (*Result, error) {
	now := s.now()
	recs, err := prepareBatch(b, now)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = s.executeTx(ctx, func(tx pgx.Tx) error {
		if b.IdempotencyKey != "" {
			tag, err := tx.Exec(ctx, sqlInsertKey, b.IdempotencyKey, b.ResponseBody, now)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errKeyTaken
			}
		}

		if b.RequireFunds {
			users, _ := debits(recs)
			for _, u := range users {
				if _, err := tx.Exec(ctx, sqlLockUser, u); err != nil {
					return err
				}
			}
		}

		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.TxID
		}
		existing, err := queryTransactions(ctx, tx, sqlSelectByIDs, ids)
		if err != nil {
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
			if err := checkFunds(fresh, func(u string) (int64, error) { return pgBalance(ctx, tx, u) }); err != nil {
				return err
			}
		}

		for _, r := range fresh {
			meta, err := json.Marshal(r.Metadata)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, sqlInsertTx, r.TxID, r.UserID, r.Amount, string(r.Kind), string(r.Status), r.CreatedAt, meta)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				// Inserted concurrently by another batch; report the stored row.
				t, err := queryTransaction(ctx, tx, sqlSelectByID, r.TxID)
				if err != nil {
					return err
				}
				stored[r.TxID] = *t
				continue
			}
			stored[r.TxID] = r
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
		var body []byte
		if err := s.pool.QueryRow(ctx, sqlSelectKey, b.IdempotencyKey).Scan(&body); err != nil {
			return nil, unavailable("read ledger key", err)
		}
		return &Result{Replayed: true, Body: body}, nil
	}
	if err != nil {
		return nil, classify("create transactions", err)
	}
	return res, nil
}

func pgBalance(ctx context.Context, q Querier, userID string) (int64, error) {
	var bal int64
	err := q.QueryRow(ctx, sqlBalance, userID).Scan(&bal)
	return bal, err
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t      domain.Transaction
		kind   string
		status string
		meta   []byte
	)
	if err := row.Scan(&t.TxID, &t.UserID, &t.Amount, &kind, &status, &t.CreatedAt, &meta); err != nil {
		return nil, err
	}
	t.Kind = domain.Kind(kind)
	t.Status = domain.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	if err := t.Metadata.Scan(meta); err != nil {
		return nil, err
	}
	return &t, nil
}

func queryTransaction(ctx context.Context, q Querier, sql string, args ...any) (*domain.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func queryTransactions(ctx context.Context, q Querier, sql string, args ...any) ([]domain.Transaction, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	t, err := queryTransaction(ctx, s.pool, sqlSelectByID, txID)
	if err != nil {
		return nil, classify("get transaction", err)
	}
	return t, nil
}

func (s *PostgresStore) Transition(ctx context.Context, txID string, to domain.Status) (*domain.Transaction, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransaction, to)
	}
	var out *domain.Transaction
	err := s.executeTx(ctx, func(tx pgx.Tx) error {
		t, err := queryTransaction(ctx, tx, sqlSelectForUpdate, txID)
		if err != nil {
			return err
		}
		out = t
		if t.Status == to {
			return nil
		}
		if err := checkTransition(*t, to); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sqlUpdateStatus, txID, string(to)); err != nil {
			return err
		}
		t.Status = to
		return nil
	})
	if err != nil {
		return nil, classify("transition", err)
	}
	return out, nil
}

func (s *PostgresStore) Reverse(ctx context.Context, txID string, reversal domain.Transaction) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.executeTx(ctx, func(tx pgx.Tx) error {
		orig, err := queryTransaction(ctx, tx, sqlSelectForUpdate, txID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if by := orig.Metadata.String(domain.MetaReversedBy); by != "" {
			prev, err := queryTransaction(ctx, tx, sqlSelectByID, by)
			if err == nil {
				out = prev
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		switch planReversal(*orig) {
		case reverseNoop:
			out = orig
			return nil
		case reverseVoid:
			if _, err := tx.Exec(ctx, sqlUpdateStatus, txID, string(domain.StatusReversed)); err != nil {
				return err
			}
			orig.Status = domain.StatusReversed
			out = orig
			return nil
		}

		rev := buildReversal(*orig, reversal, s.now())
		if err := rev.Validate(); err != nil {
			return err
		}
		meta, err := json.Marshal(rev.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sqlInsertTx, rev.TxID, rev.UserID, rev.Amount, string(rev.Kind), string(rev.Status), rev.CreatedAt, meta); err != nil {
			return err
		}
		stored, err := queryTransaction(ctx, tx, sqlSelectByID, rev.TxID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sqlMarkReversed, txID, stored.TxID); err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return nil, classify("reverse", err)
	}
	return out, nil
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	bal, err := pgBalance(ctx, s.pool, userID)
	if err != nil {
		return 0, classify("balance", err)
	}
	return bal, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	out, err := queryTransactions(ctx, s.pool, sqlList, userID, lim)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	return out, nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlReset); err != nil {
		return unavailable("reset", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
