package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Response is the captured outcome of a guarded action.
type Response struct {
	Status int
	Body   []byte
}

// Outcome tells how Do produced its response.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"  // this caller ran the action
	OutcomeReplayed  Outcome = "replayed"  // stored response returned
	OutcomeUnguarded Outcome = "unguarded" // no key supplied
	OutcomeDegraded  Outcome = "degraded"  // store down, ran without dedup
)

// Options configures a Coordinator.
type Options struct {
	ClaimTTL     time.Duration // lifetime of an in-flight claim
	ResultTTL    time.Duration // lifetime of a resolved response
	DegradedMode bool          // run unguarded instead of failing when the store errors
}

// Default TTLs.
const (
	DefaultClaimTTL  = 2 * time.Minute
	DefaultResultTTL = 24 * time.Hour
)

// Coordinator runs actions at most once per key.
type Coordinator struct {
	store Store
	opts  Options
}

// NewCoordinator returns a coordinator over store. Zero TTLs take defaults.
func NewCoordinator(store Store, opts Options) *Coordinator {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	return &Coordinator{store: store, opts: opts}
}

// Do runs fn at most once for key and returns the response every caller
// with the same key observes.
//
//   - empty key: fn runs unguarded.
//   - resolved key: the stored response is returned without running fn.
//   - concurrent callers: exactly one claims the key; the others replay the
//     stored response if it is already there, or get ErrInFlight.
//
// Responses with status >= 500 and errors from fn are not stored; the claim
// is released so a retry may run fn again.
func (c *Coordinator) Do(ctx context.Context, key string, fn func(ctx context.Context) (Response, error)) (Response, Outcome, error) {
	if key == "" {
		resp, err := fn(ctx)
		observe(OutcomeUnguarded)
		return resp, OutcomeUnguarded, err
	}

	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return c.degraded(ctx, key, "lookup", err, fn)
	}
	if rec.Resolved() {
		log.Ctx(ctx).Debug().Str("idem_key", key).Msg("idempotency replay")
		observe(OutcomeReplayed)
		return Response{Status: rec.Status, Body: rec.Body}, OutcomeReplayed, nil
	}

	token := uuid.NewString()
	won, err := c.store.SetIfNotExists(ctx, key, token, c.opts.ClaimTTL)
	if err != nil {
		return c.degraded(ctx, key, "claim", err, fn)
	}
	if !won {
		rec, err := c.store.Get(ctx, key)
		if err != nil {
			return Response{}, "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if rec.Resolved() {
			observe(OutcomeReplayed)
			return Response{Status: rec.Status, Body: rec.Body}, OutcomeReplayed, nil
		}
		claimConflicts.Inc()
		return Response{}, "", ErrInFlight
	}

	log.Ctx(ctx).Debug().Str("idem_key", key).Msg("idempotency claim acquired")
	resp, err := fn(ctx)
	if err != nil || resp.Status >= http.StatusInternalServerError {
		if rerr := c.store.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			log.Ctx(ctx).Warn().Err(rerr).Str("idem_key", key).Msg("idempotency release failed")
		}
		observe(OutcomeExecuted)
		return resp, OutcomeExecuted, err
	}

	rerr := c.store.Resolve(context.WithoutCancel(ctx), key, token, resp.Status, resp.Body, c.opts.ResultTTL)
	switch {
	case errors.Is(rerr, ErrClaimLost):
		// The claim outlived ClaimTTL; the newer holder's response stands.
		claimsLost.Inc()
		log.Ctx(ctx).Warn().Str("idem_key", key).Dur("claim_ttl", c.opts.ClaimTTL).Msg("idempotency claim expired before resolve")
	case rerr != nil:
		// The action already ran; a later retry is deduplicated by the ledger key.
		log.Ctx(ctx).Error().Err(rerr).Str("idem_key", key).Msg("idempotency resolve failed")
	}
	observe(OutcomeExecuted)
	return resp, OutcomeExecuted, nil
}

func (c *Coordinator) degraded(ctx context.Context, key, stage string, cause error, fn func(ctx context.Context) (Response, error)) (Response, Outcome, error) {
	storeErrors.WithLabelValues(stage).Inc()
	if !c.opts.DegradedMode {
		return Response{}, "", fmt.Errorf("%w: %s: %w", ErrUnavailable, stage, cause)
	}
	log.Ctx(ctx).Warn().Err(cause).Str("idem_key", key).Str("stage", stage).Msg("idempotency store unavailable, running unguarded")
	resp, err := fn(ctx)
	observe(OutcomeDegraded)
	return resp, OutcomeDegraded, err
}

// Lookup reports whether a resolved response is stored for key.
func (c *Coordinator) Lookup(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	rec, err := c.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return rec.Resolved(), nil
}
