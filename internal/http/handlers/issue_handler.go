// Issue HTTP handlers.
//
//   - POST /issues        (report)
//   - GET  /issues        (list with ward/status/category/limit, ETag support)
//   - GET  /issues/{id}
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
	"github.com/tbourn/hamro-saath-backend/internal/services"
	"github.com/tbourn/hamro-saath-backend/internal/utils"
)

// CreateIssueRequest is the JSON payload for reporting an issue.
type CreateIssueRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Ward        string  `json:"ward"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

// CreateIssue reports a new issue authored by the caller.
func (h *Handlers) CreateIssue(c *gin.Context) {
	var req CreateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	is, err := h.issues.Create(c.Request.Context(), middleware.UserID(c), services.CreateIssueInput{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Ward:        req.Ward,
		Lat:         req.Lat,
		Lng:         req.Lng,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, is)
}

// ListIssues returns issues newest first. A weak ETag derived from the row
// count and latest update allows 304 responses.
func (h *Handlers) ListIssues(c *gin.Context) {
	ctx := c.Request.Context()
	f := services.IssueFilter{
		Ward:     c.Query("ward"),
		Status:   c.Query("status"),
		Category: c.Query("category"),
		Limit:    utils.AtoiDefault(c.Query("limit"), services.DefaultListLimit),
	}

	// ETag pre-check (best effort).
	if count, stamp, err := h.issues.Stats(ctx, f); err == nil {
		etag := fmt.Sprintf(`W/"issues:%d:%s:%s"`, count, stamp, c.Request.URL.RawQuery)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, err := h.issues.List(ctx, f)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, items)
}

// GetIssue returns one issue.
func (h *Handlers) GetIssue(c *gin.Context) {
	is, err := h.issues.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, is)
}
