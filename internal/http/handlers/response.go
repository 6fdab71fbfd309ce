// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by all endpoints: the error
// envelope, error classification and logging, and the success writer.
//
// Conventions:
//   - Every error response is an ErrorResponse with a stable `code`.
//   - fail() and failErr() log 5xx responses with the request-scoped logger
//     and return an opaque message to the client.
//   - Success bodies are the plain resource JSON.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "reward not found"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message (safe to show to users)
	Message string `json:"message"`
	// Structured context for declines, e.g. balance and shortfall
	Details map[string]any `json:"details,omitempty"`
}

// fail aborts the request with a structured error. Server errors (>=500) are
// logged with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	failDetails(c, status, code, msg, nil)
}

func failDetails(c *gin.Context, status int, code, msg string, details map[string]any) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, envelope(c, code, msg, details))
}

// Fail is the exported variant of fail() for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr renders a service error. The underlying error is logged for 5xx
// and never exposed to the client.
func failErr(c *gin.Context, err error) {
	status, body := errorPayload(c, err)
	c.AbortWithStatusJSON(status, body)
}

// errorPayload classifies err and builds its envelope without writing it, so
// guarded actions can hand the body to the idempotency coordinator.
func errorPayload(c *gin.Context, err error) (int, ErrorResponse) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Err(err).
			Int("status", e.status).
			Str("code", e.code).
			Msg("api error")
	}
	return e.status, envelope(c, e.code, e.message, e.details)
}

func envelope(c *gin.Context, code, msg string, details map[string]any) ErrorResponse {
	return ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
		Details:   details,
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
