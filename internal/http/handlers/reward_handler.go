// Reward HTTP handlers.
//
//   - GET  /rewards              (catalog, ETag support)
//   - GET  /rewards/{id}
//   - POST /rewards/{id}/redeem  (Idempotency-Key guarded)
package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
)

// RedeemResponse is returned by a successful redemption.
type RedeemResponse struct {
	Receipt *domain.Receipt `json:"receipt"`
	Reward  *domain.Reward  `json:"reward"`
}

// ListRewards returns the catalog, cheapest first.
func (h *Handlers) ListRewards(c *gin.Context) {
	ctx := c.Request.Context()
	if count, stamp, err := h.rewards.Stats(ctx); err == nil {
		etag := fmt.Sprintf(`W/"rewards:%d:%s"`, count, stamp)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}
	items, err := h.rewards.List(ctx)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, items)
}

// GetReward returns one reward.
func (h *Handlers) GetReward(c *gin.Context) {
	r, err := h.rewards.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, r)
}

// RedeemReward spends the caller's points on a reward. The client's
// Idempotency-Key also derives the debit txId, so even a request that
// bypasses the coordinator (degraded mode) cannot debit twice.
func (h *Handlers) RedeemReward(c *gin.Context) {
	rewardID := c.Param("id")
	user := middleware.UserID(c)
	key, _ := middleware.GetIdempotencyKey(c)

	h.guarded(c, func(ctx context.Context) (int, any, error) {
		receipt, err := h.rewards.Redeem(ctx, user, rewardID, key)
		if err != nil {
			return 0, nil, err
		}
		reward, err := h.rewards.Get(ctx, rewardID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, RedeemResponse{Receipt: receipt, Reward: reward}, nil
	})
}
