// User HTTP handlers.
//
//   - GET /users/{id}  (profile, created on first read)
//   - PUT /users/{id}  (partial edit by the owner)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
	"github.com/tbourn/hamro-saath-backend/internal/services"
)

// UpdateUserRequest is the JSON payload for a profile edit. Absent fields
// are left unchanged.
type UpdateUserRequest struct {
	DisplayName       *string `json:"displayName"`
	Avatar            *string `json:"avatar"`
	Ward              *string `json:"ward"`
	Bio               *string `json:"bio"`
	ProfileVisibility *string `json:"profileVisibility"`
}

// GetUser returns a user profile with its current points total.
func (h *Handlers) GetUser(c *gin.Context) {
	u, err := h.users.Get(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// UpdateUser edits the caller's own profile.
func (h *Handlers) UpdateUser(c *gin.Context) {
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	u, err := h.users.Update(c.Request.Context(), c.Param("id"), middleware.UserID(c), services.UpdateProfileInput{
		DisplayName:       req.DisplayName,
		Avatar:            req.Avatar,
		Ward:              req.Ward,
		Bio:               req.Bio,
		ProfileVisibility: req.ProfileVisibility,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}
