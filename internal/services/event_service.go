// Package services – EventService
//
// EventService organizes cleanup events against issues, records RSVPs and
// completes events. Completion awards a fixed number of Safa Points to every
// participant in a single ledger batch keyed by the event, so a repeated or
// concurrent completion never awards twice.
//
// Observability: Complete and RSVP are traced; span attributes carry the
// event and user identifiers.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/ledger"
	"github.com/tbourn/hamro-saath-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultAwardPoints is granted per participant when AwardPoints is unset.
const DefaultAwardPoints = 50

// ReasonEventCompletion tags award records in ledger metadata.
const ReasonEventCompletion = "event_completion"

var errEmptyCompletion = errors.New("stored completion has no event")

// CreateEventInput is the payload for EventService.Create.
type CreateEventInput struct {
	StartAt       time.Time
	EndAt         *time.Time
	VolunteerGoal int
}

// CompleteInput carries the evidence submitted when closing an event.
type CompleteInput struct {
	AfterPhoto string
	Notes      string
}

// Completion is the response of a successful event completion. It is also
// the body stored with the ledger key and decoded on replay.
type Completion struct {
	Event  *domain.Event  `json:"event"`
	Awards []domain.Award `json:"awards"`
}

// EventService coordinates the event lifecycle and completion awards.
type EventService struct {
	DB     *gorm.DB
	Ledger ledger.Store

	// AwardPoints is the SP amount each participant earns per completion.
	AwardPoints int64

	Now func() time.Time
}

func (s *EventService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *EventService) points() int64 {
	if s.AwardPoints > 0 {
		return s.AwardPoints
	}
	return DefaultAwardPoints
}

// AwardTxID is the deterministic ledger txId for a participant's award.
func AwardTxID(eventID, userID string) string {
	return "tx_" + eventID + "_" + userID
}

// CompletionKey is the ledger idempotency key for an event completion.
func CompletionKey(eventID string) string {
	return "event-complete:" + eventID
}

// Create schedules a new event for issueID organized by organizerID.
func (s *EventService) Create(ctx context.Context, issueID, organizerID string, in CreateEventInput) (*domain.Event, error) {
	if in.StartAt.IsZero() {
		return nil, &MissingFieldsError{Fields: []string{"startAt"}}
	}
	if in.VolunteerGoal < 0 {
		return nil, fmt.Errorf("%w: volunteerGoal must not be negative", ErrInvalidInput)
	}
	if in.EndAt != nil && in.EndAt.Before(in.StartAt) {
		return nil, fmt.Errorf("%w: endAt is before startAt", ErrInvalidInput)
	}
	issue, err := repo.GetIssue(ctx, s.DB, issueID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrIssueNotFound
		}
		return nil, err
	}

	ev := domain.Event{
		IssueID:       issueID,
		OrganizerID:   organizerID,
		StartAt:       in.StartAt.UTC(),
		VolunteerGoal: in.VolunteerGoal,
	}
	if in.EndAt != nil {
		end := in.EndAt.UTC()
		ev.EndAt = &end
	}
	created, err := repo.CreateEvent(ctx, s.DB, ev)
	if err != nil {
		return nil, err
	}
	// an organized cleanup means work on the issue has started
	if issue.Status == domain.IssueOpen {
		if err := repo.UpdateIssueStatus(ctx, s.DB, issueID, domain.IssueInProgress); err != nil {
			return nil, fmt.Errorf("create event: %w", err)
		}
	}
	return created, nil
}

// Get returns an event with its RSVP list.
func (s *EventService) Get(ctx context.Context, id string) (*domain.Event, error) {
	ev, err := repo.GetEvent(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

// ListByIssue returns the events organized for issueID.
func (s *EventService) ListByIssue(ctx context.Context, issueID string) ([]domain.Event, error) {
	if _, err := repo.GetIssue(ctx, s.DB, issueID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrIssueNotFound
		}
		return nil, err
	}
	return repo.ListEventsByIssue(ctx, s.DB, issueID)
}

// RSVP adds userID to the event's participant list. Joining twice is a no-op.
// Completed or cancelled events no longer accept participants.
func (s *EventService) RSVP(ctx context.Context, eventID, userID string) (*domain.Event, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "RSVP", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.String("user.id", userID),
	))
	defer span.End()

	ev, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	switch ev.Status {
	case domain.EventCompleted, domain.EventCancelled:
		return nil, fmt.Errorf("%w: event is %s", ErrInvalidInput, ev.Status)
	}
	added, err := repo.AddParticipant(ctx, s.DB, eventID, userID)
	switch {
	case errors.Is(err, repo.ErrEventClosed):
		return nil, fmt.Errorf("%w: event is closed", ErrInvalidInput)
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrEventNotFound
	case err != nil:
		return nil, err
	}
	if !added {
		return ev, nil
	}
	return s.Get(ctx, eventID)
}

// Complete closes an event and awards every participant. Calling it again for
// a completed event reports the awards the ledger holds without writing.
func (s *EventService) Complete(ctx context.Context, eventID string, in CompleteInput, actorID string) (*Completion, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "Complete", trace.WithAttributes(
		attribute.String("event.id", eventID),
		attribute.String("user.id", actorID),
	))
	defer span.End()

	ev, err := s.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	in.AfterPhoto = strings.TrimSpace(in.AfterPhoto)
	in.Notes = strings.TrimSpace(in.Notes)

	if ev.Status == domain.EventCompleted {
		awards, err := s.appliedAwards(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("complete event %s: %w", eventID, err)
		}
		return &Completion{Event: ev, Awards: awards}, nil
	}
	if in.AfterPhoto == "" {
		return nil, ErrMissingEvidence
	}

	now := s.now()
	done := *ev
	done.Status = domain.EventCompleted
	done.AfterPhoto = in.AfterPhoto
	if in.Notes != "" {
		done.Notes = in.Notes
	}
	done.CompletedAt = &now
	done.UpdatedAt = now

	out := Completion{Event: &done, Awards: s.awards(ev)}
	span.SetAttributes(attribute.Int("event.participants", len(out.Awards)))

	if len(out.Awards) > 0 {
		body, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		res, err := s.Ledger.CreateTransactions(ctx, ledger.Batch{
			Records:        s.awardRecords(ev, actorID, out.Awards, now),
			IdempotencyKey: CompletionKey(eventID),
			ResponseBody:   body,
		})
		if err != nil {
			return nil, fmt.Errorf("complete event %s: %w", eventID, err)
		}
		if res.Replayed {
			var stored Completion
			if err := json.Unmarshal(res.Body, &stored); err != nil || stored.Event == nil {
				return nil, fmt.Errorf("complete event %s: decode stored result: %w", eventID, errors.Join(err, errEmptyCompletion))
			}
			log.Ctx(ctx).Debug().Str("event_id", eventID).Msg("event completion replayed from ledger")
			out = stored
		}
	}

	at := now
	if out.Event.CompletedAt != nil {
		at = *out.Event.CompletedAt
	}
	marked, err := repo.MarkEventCompleted(ctx, s.DB, eventID, out.Event.AfterPhoto, out.Event.Notes, at)
	if err != nil {
		return nil, fmt.Errorf("complete event %s: %w", eventID, err)
	}
	if marked {
		// awards are already committed; a stale issue status is not worth failing the request
		if err := repo.UpdateIssueStatus(ctx, s.DB, ev.IssueID, domain.IssueResolved); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("issue_id", ev.IssueID).Msg("issue not marked resolved")
		}
	}
	return &out, nil
}

// awards lists one award per distinct participant in RSVP order.
func (s *EventService) awards(ev *domain.Event) []domain.Award {
	pts := s.points()
	seen := make(map[string]struct{}, len(ev.RSVPList))
	out := make([]domain.Award, 0, len(ev.RSVPList))
	for _, uid := range ev.RSVPList {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, domain.Award{UserID: uid, Points: pts, TxID: AwardTxID(ev.ID, uid)})
	}
	return out
}

// appliedAwards lists the awards the ledger holds for ev, taking amounts
// from the stored records. A participant without an award record is left out.
func (s *EventService) appliedAwards(ctx context.Context, ev *domain.Event) ([]domain.Award, error) {
	out := []domain.Award{}
	for _, a := range s.awards(ev) {
		tx, err := s.Ledger.GetTransaction(ctx, a.TxID)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Award{UserID: tx.UserID, Points: tx.Amount, TxID: tx.TxID})
	}
	return out, nil
}

func (s *EventService) awardRecords(ev *domain.Event, actorID string, awards []domain.Award, now time.Time) []domain.Transaction {
	recs := make([]domain.Transaction, 0, len(awards))
	for _, a := range awards {
		meta := domain.Metadata{
			"eventId":   ev.ID,
			"reason":    ReasonEventCompletion,
			"organizer": ev.OrganizerID,
		}
		if actorID != "" && actorID != ev.OrganizerID {
			meta["completedBy"] = actorID
		}
		recs = append(recs, domain.Transaction{
			TxID:      a.TxID,
			UserID:    a.UserID,
			Amount:    a.Points,
			Kind:      domain.KindAward,
			Status:    domain.StatusSettled,
			CreatedAt: now,
			Metadata:  meta,
		})
	}
	return recs
}
