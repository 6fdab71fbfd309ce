// Package handlers provides HTTP handler implementations for the public API.
//
// Handlers are transport-thin: they bind and validate input, call the
// application services and translate results into HTTP responses. Point
// awarding and redemption endpoints run through the idempotency coordinator
// so a retried request replays the first response instead of acting again.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
	"github.com/tbourn/hamro-saath-backend/internal/idempotency"
	"github.com/tbourn/hamro-saath-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// IssueService reports and lists civic issues.
type IssueService interface {
	Create(ctx context.Context, authorID string, in services.CreateIssueInput) (*domain.Issue, error)
	Get(ctx context.Context, id string) (*domain.Issue, error)
	List(ctx context.Context, f services.IssueFilter) ([]domain.Issue, error)
	Stats(ctx context.Context, f services.IssueFilter) (int64, string, error)
}

// EventService manages cleanup events and their completion.
type EventService interface {
	Create(ctx context.Context, issueID, organizerID string, in services.CreateEventInput) (*domain.Event, error)
	Get(ctx context.Context, id string) (*domain.Event, error)
	ListByIssue(ctx context.Context, issueID string) ([]domain.Event, error)
	RSVP(ctx context.Context, eventID, userID string) (*domain.Event, error)
	Complete(ctx context.Context, eventID string, in services.CompleteInput, actorID string) (*services.Completion, error)
}

// RewardService exposes the catalog and redemption.
type RewardService interface {
	List(ctx context.Context) ([]domain.Reward, error)
	Get(ctx context.Context, id string) (*domain.Reward, error)
	Stats(ctx context.Context) (int64, string, error)
	Redeem(ctx context.Context, userID, rewardID, idempotencyKey string) (*domain.Receipt, error)
}

// UserService reads and edits user profiles.
type UserService interface {
	Get(ctx context.Context, userID, viewerID string) (*domain.UserProfile, error)
	Update(ctx context.Context, userID, actorID string, in services.UpdateProfileInput) (*domain.UserProfile, error)
}

// PointsService reads and administers the ledger.
type PointsService interface {
	History(ctx context.Context, userID string, limit int) (*services.History, error)
	Reverse(ctx context.Context, txID, reason, actorID string) (*domain.Transaction, error)
	Settle(ctx context.Context, txID string) (*domain.Transaction, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints.
type Handlers struct {
	issues  IssueService
	events  EventService
	rewards RewardService
	points  PointsService
	users   UserService
	coord   *idempotency.Coordinator
}

// New constructs Handlers bound to the given services and coordinator.
func New(issues IssueService, events EventService, rewards RewardService, points PointsService, users UserService, coord *idempotency.Coordinator) *Handlers {
	return &Handlers{issues: issues, events: events, rewards: rewards, points: points, users: users, coord: coord}
}

// guarded runs action through the idempotency coordinator under the caller's
// scoped Idempotency-Key and writes the (possibly replayed) response. The
// action returns the success status and body or a service error, which is
// rendered to an error envelope before being captured.
func (h *Handlers) guarded(c *gin.Context, action func(ctx context.Context) (int, any, error)) {
	key, _ := middleware.GetIdempotencyKey(c)
	scoped := middleware.ScopedIdempotencyKey(middleware.UserID(c), c.Request.URL.Path, key)

	resp, outcome, err := h.coord.Do(c.Request.Context(), scoped, func(ctx context.Context) (idempotency.Response, error) {
		status, body, err := action(ctx)
		if err != nil {
			status, body = errorPayload(c, err)
		}
		b, err := json.Marshal(body)
		if err != nil {
			return idempotency.Response{}, err
		}
		return idempotency.Response{Status: status, Body: b}, nil
	})
	switch {
	case errors.Is(err, idempotency.ErrInFlight):
		c.Header("Retry-After", "1")
		fail(c, http.StatusConflict, ErrCodeRequestInProgress, "a request with this Idempotency-Key is still being processed")
		return
	case errors.Is(err, idempotency.ErrUnavailable):
		middleware.LoggerFrom(c).Error().Err(err).Msg("idempotency store unavailable")
		fail(c, http.StatusServiceUnavailable, ErrCodeIdempotencyUnavailable, "idempotency store unavailable, retry later")
		return
	case err != nil:
		middleware.LoggerFrom(c).Error().Err(err).Msg("guarded action failed")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}

	if outcome == idempotency.OutcomeReplayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
	}
	c.Data(resp.Status, "application/json; charset=utf-8", resp.Body)
}
