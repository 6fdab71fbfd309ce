package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

func TestGetIdempotency_EmptyKey_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	rec, err := GetIdempotency(context.Background(), db, "   ", time.Now().UTC())
	if rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for empty key, got (%v, %v)", rec, err)
	}
}

func TestGetIdempotency_ExpiredOrMissing_ReturnsNotFound(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	now := time.Now().UTC()

	exp := &domain.Idempotency{
		Key:       "k1",
		State:     domain.IdempotencyResolved,
		Status:    200,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := db.Create(exp).Error; err != nil {
		t.Fatalf("seed expired: %v", err)
	}

	rec, err := GetIdempotency(context.Background(), db, "k1", now)
	if rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for expired, got (%v, %v)", rec, err)
	}

	rec2, err2 := GetIdempotency(context.Background(), db, "missing", now)
	if rec2 != nil || err2 != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for missing, got (%v, %v)", rec2, err2)
	}
}

func TestClaimIdempotency_SuccessDuplicateAndExpiredReclaim(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	rec, err := ClaimIdempotency(ctx, db, "k9", "t1", 2*time.Minute, now)
	if err != nil {
		t.Fatalf("ClaimIdempotency error: %v", err)
	}
	if rec.State != domain.IdempotencyInFlight || !rec.ExpiresAt.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("unexpected claim: %+v", rec)
	}

	if _, err := ClaimIdempotency(ctx, db, "k9", "t2", 2*time.Minute, now.Add(time.Second)); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate for live claim, got %v", err)
	}

	// After the claim TTL the key reverts to absent and can be claimed again.
	later := now.Add(3 * time.Minute)
	if _, err := ClaimIdempotency(ctx, db, "k9", "t3", 2*time.Minute, later); err != nil {
		t.Fatalf("expected reclaim after expiry, got %v", err)
	}
}

func TestResolveAndRelease(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := ClaimIdempotency(ctx, db, "k1", "t1", time.Minute, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	body := []byte(`{"ok":true}`)
	if err := ResolveIdempotency(ctx, db, "k1", "t1", 201, body, now, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := GetIdempotency(ctx, db, "k1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Resolved() || got.Status != 201 || string(got.Body) != string(body) {
		t.Fatalf("unexpected resolved record: %+v", got)
	}

	// Release never removes a resolved record.
	if err := ReleaseIdempotency(ctx, db, "k1", "t1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "k1", now); err != nil {
		t.Fatalf("resolved record should survive release: %v", err)
	}

	// Release removes an in-flight claim.
	if _, err := ClaimIdempotency(ctx, db, "k2", "t2", time.Minute, now); err != nil {
		t.Fatalf("claim k2: %v", err)
	}
	if err := ReleaseIdempotency(ctx, db, "k2", "t2"); err != nil {
		t.Fatalf("release k2: %v", err)
	}
	if _, err := GetIdempotency(ctx, db, "k2", now); err != ErrNotFound {
		t.Fatalf("expected released claim to be gone, got %v", err)
	}

	// Resolving a key whose claim vanished recreates it.
	if err := ResolveIdempotency(ctx, db, "k3", "t3", 200, nil, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("resolve missing: %v", err)
	}
	if got, err := GetIdempotency(ctx, db, "k3", now); err != nil || !got.Resolved() {
		t.Fatalf("expected recreated resolved row, got %+v err=%v", got, err)
	}
}

// A caller whose claim expired and was taken over must not touch the new
// holder's record.
func TestResolveAndRelease_StaleToken(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := ClaimIdempotency(ctx, db, "k", "old", time.Minute, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	later := now.Add(2 * time.Minute)
	if _, err := ClaimIdempotency(ctx, db, "k", "new", time.Minute, later); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	if err := ReleaseIdempotency(ctx, db, "k", "old"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	got, err := GetIdempotency(ctx, db, "k", later)
	if err != nil || got.Token != "new" || got.State != domain.IdempotencyInFlight {
		t.Fatalf("stale release dropped the new claim: %+v err=%v", got, err)
	}

	if err := ResolveIdempotency(ctx, db, "k", "old", 200, []byte("stale"), later, later.Add(time.Hour)); err != ErrDuplicate {
		t.Fatalf("stale resolve: expected ErrDuplicate, got %v", err)
	}
	got, _ = GetIdempotency(ctx, db, "k", later)
	if got.Resolved() || len(got.Body) != 0 {
		t.Fatalf("stale resolve overwrote the new claim: %+v", got)
	}

	if err := ResolveIdempotency(ctx, db, "k", "new", 201, []byte("fresh"), later, later.Add(time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ = GetIdempotency(ctx, db, "k", later)
	if !got.Resolved() || string(got.Body) != "fresh" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestPurgeAndReset(t *testing.T) {
	db := newTestDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	for i, ttl := range []time.Duration{-time.Minute, -time.Second, time.Hour} {
		key := []string{"old1", "old2", "live"}[i]
		rec := &domain.Idempotency{Key: key, State: domain.IdempotencyInFlight, CreatedAt: now, ExpiresAt: now.Add(ttl)}
		if err := db.Create(rec).Error; err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	n, err := PurgeExpiredIdempotency(ctx, db, now)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged, got %d err=%v", n, err)
	}
	if err := ResetIdempotency(ctx, db); err != nil {
		t.Fatalf("reset: %v", err)
	}
	var left int64
	db.Model(&domain.Idempotency{}).Count(&left)
	if left != 0 {
		t.Fatalf("expected empty table after reset, got %d", left)
	}
}

// Generic DB error path: attempt insert without migrating the table.
func TestClaimIdempotency_Error_NoTable(t *testing.T) {
	db := newTestDB(t) // intentionally NOT migrating
	_, err := ClaimIdempotency(context.Background(), db, "kX", "tX", time.Minute, time.Now().UTC())
	if err == nil {
		t.Fatalf("expected error when table is missing")
	}
	if err == ErrDuplicate {
		t.Fatalf("expected non-duplicate error, got ErrDuplicate")
	}
}
