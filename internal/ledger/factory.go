package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/config"
	"github.com/tbourn/hamro-saath-backend/internal/repo"
)

// Open builds the store selected by cfg.Backend and wraps it with
// instrumentation. appDB is reused by the sqlite backend when no dedicated
// path is configured. Any error here is a fatal configuration error.
func Open(ctx context.Context, cfg config.LedgerConfig, appDB *gorm.DB) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Backend {
	case config.LedgerMemory:
		st = NewMemory()

	case config.LedgerFile:
		st, err = NewFile(cfg.DataDir)

	case config.LedgerSQLite:
		db := appDB
		if cfg.SQLitePath != "" {
			db, err = repo.OpenSQLite(cfg.SQLitePath)
			if err != nil {
				return nil, fmt.Errorf("ledger: open sqlite %s: %w", cfg.SQLitePath, err)
			}
		}
		if db == nil {
			return nil, fmt.Errorf("ledger: sqlite backend needs LEDGER_SQLITE_PATH or an application database")
		}
		st, err = NewSQLite(db)

	case config.LedgerPostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("ledger: postgres backend requires POSTGRES_URL")
		}
		if cfg.PostgresMigrate {
			if err := Migrate(cfg.PostgresURL); err != nil {
				return nil, err
			}
		}
		pool, perr := ConnectPostgres(ctx, cfg.PostgresURL, cfg.PostgresMaxConns)
		if perr != nil {
			return nil, perr
		}
		st = NewPostgres(pool)

	default:
		return nil, fmt.Errorf("ledger: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info().Str("backend", cfg.Backend).Msg("ledger store ready")
	return Instrument(st, cfg.Backend), nil
}
