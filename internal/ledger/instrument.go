package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

var (
	// ledgerOps counts store calls by backend, operation and result.
	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total number of ledger store operations.",
		},
		[]string{"backend", "op", "result"},
	)

	// ledgerLat records store call latency in seconds.
	ledgerLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Duration of ledger store operations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// ledgerRecords counts records written, by kind.
	ledgerRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_records_written_total",
			Help: "Ledger records returned by non-replayed batches, by kind.",
		},
		[]string{"backend", "kind"},
	)
)

func init() {
	prometheus.MustRegister(ledgerOps, ledgerLat, ledgerRecords)
}

// Instrumented decorates a Store with Prometheus metrics and debug logs.
type Instrumented struct {
	next    Store
	backend string
}

var _ Store = (*Instrumented)(nil)

// Instrument wraps next; backend labels every metric.
func Instrument(next Store, backend string) *Instrumented {
	return &Instrumented{next: next, backend: backend}
}

// Unwrap returns the decorated store.
func (i *Instrumented) Unwrap() Store { return i.next }

func (i *Instrumented) observe(op string, start time.Time, err error) {
	ledgerLat.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
	ledgerOps.WithLabelValues(i.backend, op, resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func (i *Instrumented) CreateTransactions(ctx context.Context, b Batch) (*Result, error) {
	start := time.Now()
	res, err := i.next.CreateTransactions(ctx, b)
	i.observe("create", start, err)
	switch {
	case err != nil:
		log.Ctx(ctx).Debug().Err(err).Str("backend", i.backend).Str("ledger_key", b.IdempotencyKey).Msg("ledger batch rejected")
	case res.Replayed:
		log.Ctx(ctx).Debug().Str("backend", i.backend).Str("ledger_key", b.IdempotencyKey).Msg("ledger batch replayed")
	default:
		for _, r := range res.Records {
			ledgerRecords.WithLabelValues(i.backend, string(r.Kind)).Inc()
		}
		log.Ctx(ctx).Debug().Str("backend", i.backend).Str("ledger_key", b.IdempotencyKey).Int("records", len(res.Records)).Msg("ledger batch applied")
	}
	return res, err
}

func (i *Instrumented) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	start := time.Now()
	t, err := i.next.GetTransaction(ctx, txID)
	i.observe("get", start, err)
	return t, err
}

func (i *Instrumented) Transition(ctx context.Context, txID string, to domain.Status) (*domain.Transaction, error) {
	start := time.Now()
	t, err := i.next.Transition(ctx, txID, to)
	i.observe("transition", start, err)
	return t, err
}

func (i *Instrumented) Reverse(ctx context.Context, txID string, reversal domain.Transaction) (*domain.Transaction, error) {
	start := time.Now()
	t, err := i.next.Reverse(ctx, txID, reversal)
	i.observe("reverse", start, err)
	if err == nil && t != nil {
		log.Ctx(ctx).Debug().Str("backend", i.backend).Str("tx_id", txID).Str("reversal", t.TxID).Msg("ledger reversal recorded")
	}
	return t, err
}

func (i *Instrumented) GetBalance(ctx context.Context, userID string) (int64, error) {
	start := time.Now()
	bal, err := i.next.GetBalance(ctx, userID)
	i.observe("balance", start, err)
	return bal, err
}

func (i *Instrumented) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	start := time.Now()
	out, err := i.next.ListTransactions(ctx, userID, limit)
	i.observe("list", start, err)
	return out, err
}

func (i *Instrumented) Reset(ctx context.Context) error {
	start := time.Now()
	err := i.next.Reset(ctx)
	i.observe("reset", start, err)
	return err
}

func (i *Instrumented) Close() error { return i.next.Close() }
