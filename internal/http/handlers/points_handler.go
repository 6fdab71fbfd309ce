// Points HTTP handlers.
//
//   - GET  /users/{id}/points?limit=              (balance + history)
//   - POST /ledger/transactions/{txId}/reverse    (operational)
//   - POST /ledger/transactions/{txId}/settle     (operational)
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
	"github.com/tbourn/hamro-saath-backend/internal/services"
	"github.com/tbourn/hamro-saath-backend/internal/utils"
)

// ReverseRequest is the optional JSON payload for a reversal.
type ReverseRequest struct {
	Reason string `json:"reason"`
}

// GetUserPoints returns a user's settled balance and recent transactions.
func (h *Handlers) GetUserPoints(c *gin.Context) {
	limit := utils.AtoiDefault(c.Query("limit"), services.DefaultListLimit)
	hist, err := h.points.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, hist)
}

// ReverseTransaction compensates a transaction. Reversing twice returns the
// first reversal.
func (h *Handlers) ReverseTransaction(c *gin.Context) {
	var req ReverseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	txID := c.Param("txId")
	rev, err := h.points.Reverse(c.Request.Context(), txID, req.Reason, middleware.UserID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	if rev == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, services.ErrTransactionNotFound.Error())
		return
	}
	ok(c, http.StatusOK, rev)
}

// SettleTransaction moves a pending transaction to settled.
func (h *Handlers) SettleTransaction(c *gin.Context) {
	tx, err := h.points.Settle(c.Request.Context(), c.Param("txId"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, tx)
}
