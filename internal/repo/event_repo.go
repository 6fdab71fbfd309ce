// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for cleanup events
// and their RSVP participants.
//
// Functions:
//
//   - CreateEvent(ctx, db, ev) -> *domain.Event, error
//   - GetEvent(ctx, db, id) -> *domain.Event, error (participants preloaded)
//   - ListEventsByIssue(ctx, db, issueID) -> []domain.Event, error
//   - AddParticipant(ctx, db, eventID, userID) -> bool, error
//   - MarkEventCompleted(ctx, db, id, afterPhoto, notes, at) -> bool, error
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// CreateEvent inserts a new event row for an existing issue.
func CreateEvent(ctx context.Context, db *gorm.DB, ev domain.Event) (*domain.Event, error) {
	now := time.Now().UTC()
	ev.ID = uuid.NewString()
	if ev.Status == "" {
		ev.Status = domain.EventScheduled
	}
	ev.CreatedAt, ev.UpdatedAt = now, now
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(&ev).Error; err != nil {
		return nil, err
	}
	ev.RSVPList = []string{}
	return &ev, nil
}

// GetEvent fetches an event with its participants ordered by RSVP time.
// RSVPList is populated from the participants. Returns ErrNotFound if missing.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (*domain.Event, error) {
	var ev domain.Event
	err := db.WithContext(ctx).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at asc").Order("user_id asc")
		}).
		Where("id = ?", id).
		First(&ev).Error
	if err != nil {
		return nil, err
	}
	fillRSVPList(&ev)
	return &ev, nil
}

// ListEventsByIssue returns the events organized for an issue, soonest first.
func ListEventsByIssue(ctx context.Context, db *gorm.DB, issueID string) ([]domain.Event, error) {
	out := []domain.Event{}
	err := db.WithContext(ctx).
		Preload("Participants", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("created_at asc").Order("user_id asc")
		}).
		Where("issue_id = ?", issueID).
		Order("start_at asc").
		Find(&out).Error
	for i := range out {
		fillRSVPList(&out[i])
	}
	return out, err
}

// ErrEventClosed is returned when an RSVP targets a completed or cancelled
// event.
var ErrEventClosed = errors.New("event no longer accepts participants")

// sqlAddParticipant inserts only while the event is open, so an RSVP cannot
// land after MarkEventCompleted has committed.
const sqlAddParticipant = `
	INSERT INTO event_participants (event_id, user_id, created_at)
	SELECT ?, ?, ?
	WHERE EXISTS (SELECT 1 FROM events WHERE id = ? AND status NOT IN (?, ?))
	ON CONFLICT (event_id, user_id) DO NOTHING`

// AddParticipant records an RSVP. Re-joining is a no-op; the returned bool
// tells whether a new row was inserted. It fails with ErrEventClosed once the
// event is completed or cancelled, and ErrNotFound for an unknown event.
func AddParticipant(ctx context.Context, db *gorm.DB, eventID, userID string) (bool, error) {
	res := db.WithContext(ctx).Exec(sqlAddParticipant,
		eventID, userID, time.Now().UTC(),
		eventID, string(domain.EventCompleted), string(domain.EventCancelled))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var ev domain.Event
	if err := db.WithContext(ctx).Select("id", "status").Where("id = ?", eventID).First(&ev).Error; err != nil {
		return false, err
	}
	if ev.Status == domain.EventCompleted || ev.Status == domain.EventCancelled {
		return false, ErrEventClosed
	}
	return false, nil
}

// MarkEventCompleted moves an event to completed. It only touches events not
// yet completed and reports whether a row changed.
func MarkEventCompleted(ctx context.Context, db *gorm.DB, id, afterPhoto, notes string, at time.Time) (bool, error) {
	updates := map[string]any{
		"status":       domain.EventCompleted,
		"after_photo":  afterPhoto,
		"completed_at": at,
		"updated_at":   at,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	res := db.WithContext(ctx).
		Model(&domain.Event{}).
		Where("id = ? AND status <> ?", id, domain.EventCompleted).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

func fillRSVPList(ev *domain.Event) {
	ev.RSVPList = make([]string, 0, len(ev.Participants))
	for _, p := range ev.Participants {
		ev.RSVPList = append(ev.RSVPList, p.UserID)
	}
}
