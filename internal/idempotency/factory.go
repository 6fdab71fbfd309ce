package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/config"
)

// Open builds the store selected by cfg.Backend. A Redis connection failure
// is returned as an error; there is no silent fallback to a local store.
func Open(ctx context.Context, cfg config.IdempotencyConfig, appDB *gorm.DB) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.IdempotencyMemory:
		return NewMemoryStore(), noop, nil
	case config.IdempotencyRedis:
		client, err := ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Msg("idempotency store: redis")
		return NewRedisStore(client, DefaultRedisPrefix), client.Close, nil
	case config.IdempotencySQL:
		if appDB == nil {
			return nil, nil, fmt.Errorf("idempotency: sql backend needs the application database")
		}
		return NewSQLStore(appDB), noop, nil
	default:
		return nil, nil, fmt.Errorf("idempotency: unknown backend %q", cfg.Backend)
	}
}

// StartPurger sweeps expired records every interval until ctx is done. It
// returns immediately when the store expires keys itself or interval <= 0.
func StartPurger(ctx context.Context, store Store, interval time.Duration) {
	p, ok := store.(Purger)
	if !ok || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := p.PurgeExpired(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("idempotency purge failed")
					continue
				}
				purged.Add(float64(n))
				if n > 0 {
					log.Debug().Int64("removed", n).Msg("idempotency purge")
				}
			}
		}
	}()
}
