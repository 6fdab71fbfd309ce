// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver), tracing, schema migrations and catalog seeding.
package repo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
)

// OpenSQLite opens (or creates) a SQLite database, applies PRAGMAs and
// installs the OpenTelemetry GORM plugin so queries show up as spans.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(withConnParams(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	// Pool
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	return db, nil
}

// withConnParams sets per-connection options through the DSN so every pooled
// connection gets them. Writers take the lock at BEGIN and wait for it, which
// lets several processes share one database file. Paths that already carry
// parameters, and in-memory databases, are left as given.
func withConnParams(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}

// AutoMigrate creates or updates the application tables (catalog data, user
// profiles and the request idempotency table). Ledger tables are owned by the ledger
// package and migrated there.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Issue{},
		&domain.Event{},
		&domain.EventParticipant{},
		&domain.Reward{},
		&domain.UserProfile{},
		&domain.Idempotency{},
	)
}

// SeedRewards inserts the default reward catalog, leaving existing rows
// untouched.
func SeedRewards(ctx context.Context, db *gorm.DB) error {
	now := time.Now().UTC()
	rewards := domain.DefaultRewards()
	for i := range rewards {
		rewards[i].CreatedAt = now
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rewards).Error
}
