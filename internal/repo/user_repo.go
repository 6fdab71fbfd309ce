// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for user profiles.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// GetOrCreateUser returns the profile for id, inserting a default one first
// when none exists. Concurrent first reads converge on a single row.
func GetOrCreateUser(ctx context.Context, db *gorm.DB, id string, now time.Time) (*domain.UserProfile, error) {
	def := domain.UserProfile{
		ID:                id,
		DisplayName:       DefaultDisplayName(id),
		ProfileVisibility: domain.VisibilityPublic,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&def).Error; err != nil {
		return nil, err
	}
	var u domain.UserProfile
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateUserProfile applies updates (column name to value) to the profile
// for id, creating the default profile first when needed.
func UpdateUserProfile(ctx context.Context, db *gorm.DB, id string, updates map[string]any, now time.Time) (*domain.UserProfile, error) {
	if _, err := GetOrCreateUser(ctx, db, id, now); err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		updates["updated_at"] = now
		if err := db.WithContext(ctx).Model(&domain.UserProfile{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	var u domain.UserProfile
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// DefaultDisplayName is the name given to a profile created on first read.
func DefaultDisplayName(id string) string {
	r := []rune(id)
	if len(r) > 8 {
		r = r[:8]
	}
	return "User " + string(r)
}
