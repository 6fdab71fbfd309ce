// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Issue model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When an issue is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// IssueFilter narrows ListIssues. Empty fields match everything.
type IssueFilter struct {
	Ward     string
	Status   domain.IssueStatus
	Category domain.IssueCategory
	Limit    int
}

// CreateIssue inserts a new Issue row. The ID is a random UUID and
// timestamps are set to UTC.
func CreateIssue(ctx context.Context, db *gorm.DB, in domain.Issue) (*domain.Issue, error) {
	now := time.Now().UTC()
	in.ID = uuid.NewString()
	if in.Status == "" {
		in.Status = domain.IssueOpen
	}
	in.CreatedAt, in.UpdatedAt = now, now
	if err := db.WithContext(ctx).Create(&in).Error; err != nil {
		return nil, err
	}
	return &in, nil
}

// GetIssue fetches a single issue by ID, or ErrNotFound if missing.
func GetIssue(ctx context.Context, db *gorm.DB, id string) (*domain.Issue, error) {
	var is domain.Issue
	if err := db.WithContext(ctx).Where("id = ?", id).First(&is).Error; err != nil {
		return nil, err
	}
	return &is, nil
}

// ListIssues returns issues matching f, newest first.
func ListIssues(ctx context.Context, db *gorm.DB, f IssueFilter) ([]domain.Issue, error) {
	q := db.WithContext(ctx).Model(&domain.Issue{})
	if f.Ward != "" {
		q = q.Where("ward = ?", f.Ward)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	out := []domain.Issue{}
	err := q.Order("created_at desc").Order("id desc").Find(&out).Error
	return out, err
}

// UpdateIssueStatus sets the status of an issue. It returns ErrNotFound when
// no row matched.
func UpdateIssueStatus(ctx context.Context, db *gorm.DB, id string, status domain.IssueStatus) error {
	res := db.WithContext(ctx).
		Model(&domain.Issue{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
