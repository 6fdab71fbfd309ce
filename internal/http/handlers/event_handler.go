// Event HTTP handlers.
//
//   - POST /issues/{id}/events    (organize)
//   - GET  /issues/{id}/events
//   - GET  /events/{id}
//   - POST /events/{id}/rsvp
//   - POST /events/{id}/complete  (Idempotency-Key guarded; JSON or multipart)
//
// Completion awards points to every participant. The request is parsed
// before entering the idempotency coordinator so malformed bodies are
// rejected without claiming the key.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
	"github.com/tbourn/hamro-saath-backend/internal/services"
)

// CreateEventRequest is the JSON payload for organizing an event.
type CreateEventRequest struct {
	StartAt       time.Time  `json:"startAt"`
	EndAt         *time.Time `json:"endAt,omitempty"`
	VolunteerGoal int        `json:"volunteerGoal"`
}

// CompleteEventRequest is the JSON payload for completing an event.
// Multipart requests carry the same fields as form values, and the photo may
// be sent as a file part named afterPhoto instead.
type CompleteEventRequest struct {
	AfterPhoto string `json:"afterPhoto"`
	Notes      string `json:"notes"`
}

// CreateEvent organizes an event for the issue in the path.
func (h *Handlers) CreateEvent(c *gin.Context) {
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ev, err := h.events.Create(c.Request.Context(), c.Param("id"), middleware.UserID(c), services.CreateEventInput{
		StartAt:       req.StartAt,
		EndAt:         req.EndAt,
		VolunteerGoal: req.VolunteerGoal,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, ev)
}

// ListIssueEvents returns the events organized for an issue.
func (h *Handlers) ListIssueEvents(c *gin.Context) {
	evs, err := h.events.ListByIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, evs)
}

// GetEvent returns one event with its RSVP list.
func (h *Handlers) GetEvent(c *gin.Context) {
	ev, err := h.events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ev)
}

// RSVPEvent adds the caller to the event's participant list.
func (h *Handlers) RSVPEvent(c *gin.Context) {
	ev, err := h.events.RSVP(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ev)
}

// CompleteEvent closes the event and awards its participants.
func (h *Handlers) CompleteEvent(c *gin.Context) {
	req, okBind := bindCompletion(c)
	if !okBind {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	eventID := c.Param("id")
	actor := middleware.UserID(c)

	h.guarded(c, func(ctx context.Context) (int, any, error) {
		out, err := h.events.Complete(ctx, eventID, services.CompleteInput{
			AfterPhoto: req.AfterPhoto,
			Notes:      req.Notes,
		}, actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, out, nil
	})
}

// bindCompletion reads a JSON or multipart completion body. An uploaded file
// is referenced by its base name; file contents are not stored.
func bindCompletion(c *gin.Context) (CompleteEventRequest, bool) {
	var req CompleteEventRequest
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if _, err := c.MultipartForm(); err != nil {
			return req, false
		}
		req.AfterPhoto = c.PostForm("afterPhoto")
		req.Notes = c.PostForm("notes")
		if req.AfterPhoto == "" {
			if fh, err := c.FormFile("afterPhoto"); err == nil && fh.Filename != "" {
				req.AfterPhoto = "upload:///" + filepath.Base(fh.Filename)
			}
		}
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, false
	}
	return req, true
}
