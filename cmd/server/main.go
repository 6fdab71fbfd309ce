// Command server runs the Hamro Saath backend: civic issue reports, cleanup
// events and the Safa Points ledger behind a Gin HTTP API.
//
// Configuration comes from the environment (a local .env file is loaded
// when present). See internal/config for the variables.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/hamro-saath-backend/internal/config"
	httpapi "github.com/tbourn/hamro-saath-backend/internal/http"
	"github.com/tbourn/hamro-saath-backend/internal/idempotency"
	"github.com/tbourn/hamro-saath-backend/internal/ledger"
	"github.com/tbourn/hamro-saath-backend/internal/observability"
	"github.com/tbourn/hamro-saath-backend/internal/repo"
	"github.com/tbourn/hamro-saath-backend/internal/sysutil"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = ""

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ver := sysutil.FirstNonEmpty(version, os.Getenv("APP_VERSION"), "dev")
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, ver)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	// Application database (issues, events, rewards, sql idempotency store).
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if cfg.SeedRewards {
		if err := repo.SeedRewards(ctx, db); err != nil {
			return err
		}
	}

	store, err := ledger.Open(ctx, cfg.Ledger, db)
	if err != nil {
		return err
	}
	defer store.Close()

	idem, closeIdem, err := idempotency.Open(ctx, cfg.Idempotency, db)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeIdem(); err != nil {
			log.Warn().Err(err).Msg("idempotency store close")
		}
	}()
	idempotency.StartPurger(ctx, idem, cfg.Idempotency.PurgeInterval)

	coord := idempotency.NewCoordinator(idem, idempotency.Options{
		ClaimTTL:     cfg.Idempotency.ClaimTTL,
		ResultTTL:    cfg.Idempotency.TTL,
		DegradedMode: cfg.Idempotency.DegradedMode,
	})

	r := gin.New()
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	httpapi.RegisterRoutes(r, httpapi.Deps{DB: db, Ledger: store, Coordinator: coord}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", ver).
			Str("ledger", cfg.Ledger.Backend).
			Str("idempotency", cfg.Idempotency.Backend).
			Bool("degraded_mode", cfg.Idempotency.DegradedMode).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
