// Package services – RewardService
//
// RewardService exposes the rewards catalog and redeems rewards for points.
// A redemption is a single debit applied with a funds check in the same
// ledger transaction. When the caller supplies an idempotency key, the debit
// txId is derived from it so a retried request can never debit twice.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/ledger"
	"github.com/tbourn/hamro-saath-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReceiptCompleted is the status of a successful redemption receipt.
const ReceiptCompleted = "completed"

// ReasonRewardRedemption tags redeem records in ledger metadata.
const ReasonRewardRedemption = "reward_redemption"

// RewardService provides catalog reads and point redemption.
type RewardService struct {
	DB     *gorm.DB
	Ledger ledger.Store
	Now    func() time.Time
}

func (s *RewardService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// RedeemTxID returns the debit txId for a redemption. With a key the id is a
// UUIDv5 over user, reward and key; without one it is random.
func RedeemTxID(userID, rewardID, key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(userID+"|"+rewardID+"|"+key)).String()
}

// RedeemKey is the ledger idempotency key for a keyed redemption.
func RedeemKey(userID, key string) string {
	if key == "" {
		return ""
	}
	return "redeem:" + userID + ":" + key
}

// List returns the catalog, cheapest first.
func (s *RewardService) List(ctx context.Context) ([]domain.Reward, error) {
	return repo.ListRewards(ctx, s.DB)
}

// Get returns one reward.
func (s *RewardService) Get(ctx context.Context, id string) (*domain.Reward, error) {
	r, err := repo.GetReward(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRewardNotFound
	}
	return r, err
}

// Stats returns the catalog size and newest creation stamp, for conditional
// GETs.
func (s *RewardService) Stats(ctx context.Context) (int64, string, error) {
	count, maxAt, err := repo.RewardsStats(ctx, s.DB)
	if err != nil || maxAt == nil {
		return count, "", err
	}
	return count, maxAt.UTC().Format(statsStampLayout), nil
}

// Redeem debits the reward cost from userID and returns a receipt. A user
// whose settled balance does not cover the cost gets *InsufficientPointsError.
func (s *RewardService) Redeem(ctx context.Context, userID, rewardID, idempotencyKey string) (*domain.Receipt, error) {
	tr := otel.Tracer("services/RewardService")
	ctx, span := tr.Start(ctx, "Redeem", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("reward.id", rewardID),
		attribute.Bool("idempotency.keyed", idempotencyKey != ""),
	))
	defer span.End()

	reward, err := s.Get(ctx, rewardID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	txID := RedeemTxID(userID, rewardID, idempotencyKey)
	receipt := domain.Receipt{
		ID:         txID,
		UserID:     userID,
		RewardID:   reward.ID,
		TxID:       txID,
		SPUsed:     reward.CostSP,
		CashPaid:   0,
		Status:     ReceiptCompleted,
		ReceiptURL: "receipt:///" + txID,
		CreatedAt:  now,
	}
	body, err := json.Marshal(receipt)
	if err != nil {
		return nil, err
	}

	res, err := s.Ledger.CreateTransactions(ctx, ledger.Batch{
		Records: []domain.Transaction{{
			TxID:      txID,
			UserID:    userID,
			Amount:    -reward.CostSP,
			Kind:      domain.KindRedeem,
			Status:    domain.StatusSettled,
			CreatedAt: now,
			Metadata: domain.Metadata{
				"rewardId": reward.ID,
				"partner":  reward.Partner,
				"reason":   ReasonRewardRedemption,
			},
		}},
		IdempotencyKey: RedeemKey(userID, idempotencyKey),
		ResponseBody:   body,
		RequireFunds:   true,
	})
	if err != nil {
		var ife *ledger.InsufficientFundsError
		if errors.As(err, &ife) {
			return nil, &InsufficientPointsError{
				Balance:   ife.Balance,
				Required:  ife.Required,
				Shortfall: ife.Shortfall,
			}
		}
		return nil, fmt.Errorf("redeem %s for %s: %w", rewardID, userID, err)
	}

	if res.Replayed {
		var stored domain.Receipt
		if err := json.Unmarshal(res.Body, &stored); err != nil {
			return nil, fmt.Errorf("redeem %s for %s: decode stored receipt: %w", rewardID, userID, err)
		}
		return &stored, nil
	}
	return &receipt, nil
}
