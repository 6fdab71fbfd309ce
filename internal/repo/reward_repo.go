// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides read access to the rewards catalog.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// ListRewards returns the catalog ordered by cost, cheapest first.
func ListRewards(ctx context.Context, db *gorm.DB) ([]domain.Reward, error) {
	out := []domain.Reward{}
	err := db.WithContext(ctx).
		Order("cost_sp asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}

// GetReward fetches a reward by ID, or ErrNotFound if missing.
func GetReward(ctx context.Context, db *gorm.DB, id string) (*domain.Reward, error) {
	var r domain.Reward
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}
