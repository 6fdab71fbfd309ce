// Package services – PointsService
//
// PointsService answers balance and history queries and exposes the
// operational ledger actions: settling pending records and reversing records
// with an audit trail.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/ledger"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// History is a user's balance with their most recent ledger records.
type History struct {
	UserID           string               `json:"userId"`
	Balance          int64                `json:"balance"`
	Transactions     []domain.Transaction `json:"transactions"`
	TransactionCount int                  `json:"transactionCount"`
}

// PointsService reads and administers the ledger.
type PointsService struct {
	Ledger ledger.Store
}

// Balance returns the sum of userID's settled records.
func (s *PointsService) Balance(ctx context.Context, userID string) (int64, error) {
	return s.Ledger.GetBalance(ctx, userID)
}

// History returns userID's balance and up to limit records, newest first.
// Limit defaults to 50 and is capped at 100.
func (s *PointsService) History(ctx context.Context, userID string, limit int) (*History, error) {
	tr := otel.Tracer("services/PointsService")
	ctx, span := tr.Start(ctx, "History", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("limit", limit),
	))
	defer span.End()

	bal, err := s.Ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	txs, err := s.Ledger.ListTransactions(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return &History{UserID: userID, Balance: bal, Transactions: txs, TransactionCount: len(txs)}, nil
}

// Reverse compensates a settled txID with an adjust record rev_<txID>. The
// original keeps its status and gains a reversedBy annotation. A pending
// original is moved to reversed instead and returned; an already reversed
// one is returned unchanged. Reversing an unknown txId returns (nil, nil);
// reversing twice returns the first reversal.
func (s *PointsService) Reverse(ctx context.Context, txID, reason, actorID string) (*domain.Transaction, error) {
	tr := otel.Tracer("services/PointsService")
	ctx, span := tr.Start(ctx, "Reverse", trace.WithAttributes(
		attribute.String("tx.id", txID),
		attribute.String("user.id", actorID),
	))
	defer span.End()

	meta := domain.Metadata{}
	if reason != "" {
		meta["reason"] = reason
	}
	if actorID != "" {
		meta["actor"] = actorID
	}
	rev, err := s.Ledger.Reverse(ctx, txID, domain.Transaction{TxID: "rev_" + txID, Metadata: meta})
	if err != nil {
		return nil, fmt.Errorf("reverse %s: %w", txID, err)
	}
	return rev, nil
}

// Settle moves a pending record to settled so it counts toward the balance.
func (s *PointsService) Settle(ctx context.Context, txID string) (*domain.Transaction, error) {
	tx, err := s.Ledger.Transition(ctx, txID, domain.StatusSettled)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return nil, ErrTransactionNotFound
	case errors.Is(err, ledger.ErrIllegalTransition):
		return nil, fmt.Errorf("%w: %s is %s", ErrIllegalTransition, txID, currentStatus(ctx, s.Ledger, txID))
	case err != nil:
		return nil, fmt.Errorf("settle %s: %w", txID, err)
	}
	return tx, nil
}

func currentStatus(ctx context.Context, st ledger.Store, txID string) domain.Status {
	tx, err := st.GetTransaction(ctx, txID)
	if err != nil {
		return "unknown"
	}
	return tx.Status
}
