package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

func catalogModels() []any {
	return []any{&domain.Issue{}, &domain.Event{}, &domain.EventParticipant{}, &domain.Reward{}}
}

func TestIssues_CreateGetListAndStatus(t *testing.T) {
	db := newTestDB(t, catalogModels()...)
	ctx := context.Background()

	a, err := CreateIssue(ctx, db, domain.Issue{Title: "Overflowing bin", Description: "d", Category: domain.CategoryLitter, Ward: "ward-3", AuthorID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == "" || a.Status != domain.IssueOpen {
		t.Fatalf("unexpected issue: %+v", a)
	}
	time.Sleep(2 * time.Millisecond)
	b, err := CreateIssue(ctx, db, domain.Issue{Title: "Blocked drain", Description: "d", Category: domain.CategoryBlockedDrainage, Ward: "ward-4", AuthorID: "u2"})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	got, err := GetIssue(ctx, db, a.ID)
	if err != nil || got.Title != "Overflowing bin" {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if _, err := GetIssue(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all, err := ListIssues(ctx, db, IssueFilter{})
	if err != nil || len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("expected newest first, got %+v err=%v", all, err)
	}
	byWard, _ := ListIssues(ctx, db, IssueFilter{Ward: "ward-3"})
	if len(byWard) != 1 || byWard[0].ID != a.ID {
		t.Fatalf("ward filter: %+v", byWard)
	}
	limited, _ := ListIssues(ctx, db, IssueFilter{Limit: 1})
	if len(limited) != 1 {
		t.Fatalf("limit: %+v", limited)
	}

	if err := UpdateIssueStatus(ctx, db, a.ID, domain.IssueResolved); err != nil {
		t.Fatalf("update status: %v", err)
	}
	resolved, _ := ListIssues(ctx, db, IssueFilter{Status: domain.IssueResolved})
	if len(resolved) != 1 || resolved[0].ID != a.ID {
		t.Fatalf("status filter: %+v", resolved)
	}
	if err := UpdateIssueStatus(ctx, db, "missing", domain.IssueResolved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEvents_RSVPAndComplete(t *testing.T) {
	db := newTestDB(t, catalogModels()...)
	ctx := context.Background()

	is, err := CreateIssue(ctx, db, domain.Issue{Title: "t", Description: "d", Category: domain.CategoryOther, AuthorID: "u1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ev, err := CreateEvent(ctx, db, domain.Event{IssueID: is.ID, OrganizerID: "org", StartAt: time.Now().UTC(), VolunteerGoal: 5})
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if ev.Status != domain.EventScheduled || len(ev.RSVPList) != 0 {
		t.Fatalf("unexpected new event: %+v", ev)
	}

	for _, u := range []string{"alice", "bob", "alice"} {
		if _, err := AddParticipant(ctx, db, ev.ID, u); err != nil {
			t.Fatalf("rsvp %s: %v", u, err)
		}
	}
	added, err := AddParticipant(ctx, db, ev.ID, "bob")
	if err != nil || added {
		t.Fatalf("re-RSVP should be a no-op, added=%v err=%v", added, err)
	}

	got, err := GetEvent(ctx, db, ev.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if len(got.RSVPList) != 2 {
		t.Fatalf("expected 2 distinct participants, got %v", got.RSVPList)
	}

	at := time.Now().UTC()
	changed, err := MarkEventCompleted(ctx, db, ev.ID, "after.jpg", "all clean", at)
	if err != nil || !changed {
		t.Fatalf("complete: changed=%v err=%v", changed, err)
	}
	changed, err = MarkEventCompleted(ctx, db, ev.ID, "other.jpg", "", at)
	if err != nil || changed {
		t.Fatalf("second completion must not change the row: changed=%v err=%v", changed, err)
	}
	if _, err := AddParticipant(ctx, db, ev.ID, "late"); !errors.Is(err, ErrEventClosed) {
		t.Fatalf("rsvp after completion: expected ErrEventClosed, got %v", err)
	}
	if _, err := AddParticipant(ctx, db, "missing", "late"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rsvp to unknown event: expected ErrNotFound, got %v", err)
	}
	got, _ = GetEvent(ctx, db, ev.ID)
	if len(got.RSVPList) != 2 {
		t.Fatalf("closed event gained a participant: %v", got.RSVPList)
	}
	if got.Status != domain.EventCompleted || got.AfterPhoto != "after.jpg" || got.Notes != "all clean" || got.CompletedAt == nil {
		t.Fatalf("unexpected completed event: %+v", got)
	}

	list, err := ListEventsByIssue(ctx, db, is.ID)
	if err != nil || len(list) != 1 || len(list[0].RSVPList) != 2 {
		t.Fatalf("list by issue: %+v err=%v", list, err)
	}
	if _, err := GetEvent(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRewards_SeedIsIdempotent_AndOrdered(t *testing.T) {
	db := newTestDB(t, catalogModels()...)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := SeedRewards(ctx, db); err != nil {
			t.Fatalf("seed #%d: %v", i, err)
		}
	}
	rs, err := ListRewards(ctx, db)
	if err != nil || len(rs) != 2 {
		t.Fatalf("list: %+v err=%v", rs, err)
	}
	if rs[0].CostSP > rs[1].CostSP {
		t.Fatalf("expected cheapest first: %+v", rs)
	}
	r, err := GetReward(ctx, db, "reward-1")
	if err != nil || r.CostSP != 100 || r.Partner != "NTC" {
		t.Fatalf("get reward-1: %+v err=%v", r, err)
	}
	if _, err := GetReward(ctx, db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
