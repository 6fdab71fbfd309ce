// Package services – IssueService
//
// IssueService validates and stores civic issue reports and lists them with
// simple filters. Category, status and ward filters are case-normalized.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/repo"
	"github.com/tbourn/hamro-saath-backend/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// List limits shared by issue listing and points history.
const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// CreateIssueInput is the payload for IssueService.Create.
type CreateIssueInput struct {
	Title       string
	Description string
	Category    string
	Ward        string
	Lat         float64
	Lng         float64
}

// IssueFilter narrows IssueService.List. Empty fields match all issues.
type IssueFilter struct {
	Ward     string
	Status   string
	Category string
	Limit    int
}

// IssueService provides issue reporting and lookup.
type IssueService struct {
	DB *gorm.DB
}

var lower = cases.Lower(language.Und)

func normalizeKey(s string) string {
	return lower.String(strings.TrimSpace(s))
}

// Create validates in and stores a new open issue authored by authorID.
func (s *IssueService) Create(ctx context.Context, authorID string, in CreateIssueInput) (*domain.Issue, error) {
	tr := otel.Tracer("services/IssueService")
	ctx, span := tr.Start(ctx, "Create", trace.WithAttributes(attribute.String("user.id", authorID)))
	defer span.End()

	in.Title = strings.Join(strings.Fields(in.Title), " ")
	in.Description = strings.TrimSpace(in.Description)
	category := domain.IssueCategory(normalizeKey(in.Category))

	var missing []string
	if in.Title == "" {
		missing = append(missing, "title")
	}
	if in.Description == "" {
		missing = append(missing, "description")
	}
	if category == "" {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return nil, &MissingFieldsError{Fields: missing}
	}
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, category)
	}

	return repo.CreateIssue(ctx, s.DB, domain.Issue{
		Title:       in.Title,
		Description: in.Description,
		Category:    category,
		Ward:        normalizeKey(in.Ward),
		Lat:         in.Lat,
		Lng:         in.Lng,
		AuthorID:    authorID,
	})
}

// Get returns an issue by id.
func (s *IssueService) Get(ctx context.Context, id string) (*domain.Issue, error) {
	is, err := repo.GetIssue(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrIssueNotFound
	}
	return is, err
}

// List returns issues newest first. Limit defaults to 50 and is capped at 100.
func (s *IssueService) List(ctx context.Context, f IssueFilter) ([]domain.Issue, error) {
	tr := otel.Tracer("services/IssueService")
	ctx, span := tr.Start(ctx, "List", trace.WithAttributes(
		attribute.String("issue.ward", f.Ward),
		attribute.Int("limit", f.Limit),
	))
	defer span.End()

	return repo.ListIssues(ctx, s.DB, s.repoFilter(f))
}

// Stats returns the count and latest update among issues matching f, for
// conditional GETs.
func (s *IssueService) Stats(ctx context.Context, f IssueFilter) (int64, string, error) {
	count, maxAt, err := repo.IssuesStats(ctx, s.DB, s.repoFilter(f))
	if err != nil || maxAt == nil {
		return count, "", err
	}
	return count, maxAt.UTC().Format(statsStampLayout), nil
}

const statsStampLayout = "20060102T150405.000000000Z"

func (s *IssueService) repoFilter(f IssueFilter) repo.IssueFilter {
	return repo.IssueFilter{
		Ward:     normalizeKey(f.Ward),
		Status:   domain.IssueStatus(normalizeKey(f.Status)),
		Category: domain.IssueCategory(normalizeKey(f.Category)),
		Limit:    clampLimit(f.Limit),
	}
}

func clampLimit(n int) int { return utils.ClampLimit(n, DefaultListLimit, MaxListLimit) }
