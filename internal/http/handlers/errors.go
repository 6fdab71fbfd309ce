// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them, not on
// messages. Generic codes mirror HTTP status semantics; the ledger-specific
// ones describe declined or conflicting point operations.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "insufficient_points",
//	  "message": "Insufficient points. You have 20SP, but need 50SP",
//	  "details": {"balance": 20, "required": 50, "shortfall": 30}
//	}
package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/tbourn/hamro-saath-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeForbidden        = "forbidden"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeMissingFields          = "missing_required_fields"
	ErrCodeInsufficientPoints     = "insufficient_points"
	ErrCodeRequestInProgress      = "request_in_progress"
	ErrCodeIdempotencyUnavailable = "idempotency_unavailable"
)

// apiError is the HTTP rendering of a service error.
type apiError struct {
	status  int
	code    string
	message string
	details map[string]any
}

// classify maps a service error to status, code and a client-safe message.
// Anything unrecognized is a 500 with an opaque message.
func classify(err error) apiError {
	var ip *services.InsufficientPointsError
	var mf *services.MissingFieldsError
	switch {
	case errors.As(err, &ip):
		return apiError{
			status:  http.StatusBadRequest,
			code:    ErrCodeInsufficientPoints,
			message: fmt.Sprintf("Insufficient points. You have %dSP, but need %dSP", ip.Balance, ip.Required),
			details: map[string]any{"balance": ip.Balance, "required": ip.Required, "shortfall": ip.Shortfall},
		}
	case errors.As(err, &mf):
		return apiError{
			status:  http.StatusBadRequest,
			code:    ErrCodeMissingFields,
			message: err.Error(),
			details: map[string]any{"fields": mf.Fields},
		}
	case errors.Is(err, services.ErrMissingEvidence):
		return apiError{
			status:  http.StatusBadRequest,
			code:    ErrCodeMissingFields,
			message: "afterPhoto is required",
			details: map[string]any{"fields": []string{"afterPhoto"}},
		}
	case errors.Is(err, services.ErrIssueNotFound),
		errors.Is(err, services.ErrEventNotFound),
		errors.Is(err, services.ErrRewardNotFound),
		errors.Is(err, services.ErrTransactionNotFound):
		return apiError{status: http.StatusNotFound, code: ErrCodeNotFound, message: err.Error()}
	case errors.Is(err, services.ErrInvalidInput):
		return apiError{status: http.StatusBadRequest, code: ErrCodeBadRequest, message: err.Error()}
	case errors.Is(err, services.ErrForbidden):
		return apiError{status: http.StatusForbidden, code: ErrCodeForbidden, message: err.Error()}
	case errors.Is(err, services.ErrIllegalTransition):
		return apiError{status: http.StatusConflict, code: ErrCodeConflict, message: err.Error()}
	}
	return apiError{status: http.StatusInternalServerError, code: ErrCodeInternal, message: "internal server error"}
}
