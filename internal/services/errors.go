// Package services defines the business logic for issues, cleanup events,
// rewards and the points ledger. This file centralizes common service-level
// error values so that they can be consistently returned by service methods
// and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrIssueNotFound indicates that the requested issue does not exist.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrEventNotFound indicates that the requested event does not exist.
	ErrEventNotFound = errors.New("event not found")

	// ErrRewardNotFound indicates that the requested reward does not exist.
	ErrRewardNotFound = errors.New("reward not found")

	// ErrTransactionNotFound indicates that the ledger has no such txId.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrMissingEvidence is returned when an event is completed without an
	// after photo.
	ErrMissingEvidence = errors.New("after photo is required to complete an event")

	// ErrInvalidInput wraps field validation failures.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIllegalTransition is returned when a ledger status change would go
	// backwards.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrForbidden is returned when the caller may not act on the target.
	ErrForbidden = errors.New("forbidden")
)

// InsufficientPointsError is returned by RewardService.Redeem when the
// user's settled balance does not cover the reward.
type InsufficientPointsError struct {
	Balance   int64
	Required  int64
	Shortfall int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: balance %d, required %d", e.Balance, e.Required)
}

// MissingFieldsError lists required fields absent from a request.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields: %v", e.Fields)
}

// Is lets errors.Is(err, ErrInvalidInput) match.
func (e *MissingFieldsError) Is(target error) bool { return target == ErrInvalidInput }
