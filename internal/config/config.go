// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, storage backends, idempotency, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "hamro-saath-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Ledger backends selectable through LEDGER_BACKEND.
const (
	LedgerMemory   = "memory"
	LedgerFile     = "file"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
)

// Idempotency store backends selectable through IDEMPOTENCY_BACKEND.
const (
	IdempotencyMemory = "memory"
	IdempotencyRedis  = "redis"
	IdempotencySQL    = "sql"
)

// LedgerConfig selects and configures the points ledger storage.
type LedgerConfig struct {
	Backend          string // LEDGER_BACKEND: memory|file|sqlite|postgres
	DataDir          string // LEDGER_DATA_DIR, directory holding ledger_store.json
	SQLitePath       string // LEDGER_SQLITE_PATH, empty reuses the app database
	PostgresURL      string // POSTGRES_URL
	PostgresMaxConns int32  // POSTGRES_MAX_CONNS
	PostgresMigrate  bool   // POSTGRES_MIGRATE, apply embedded migrations on startup
}

// IdempotencyConfig configures the request idempotency coordinator.
type IdempotencyConfig struct {
	Backend       string        // IDEMPOTENCY_BACKEND: memory|redis|sql
	RedisURL      string        // REDIS_URL (redis://host:6379/0)
	ClaimTTL      time.Duration // IDEMPOTENCY_CLAIM_TTL, lifetime of an in-flight claim
	TTL           time.Duration // IDEMPOTENCY_TTL, lifetime of a stored response
	DegradedMode  bool          // IDEMPOTENCY_DEGRADED_MODE, run unguarded when the store is down
	PurgeInterval time.Duration // IDEMPOTENCY_PURGE_INTERVAL, 0 disables the purge loop
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath      string // SQLite path for issues, events, rewards
	AwardPoints int    // SP granted per participant on event completion
	SeedRewards bool   // insert the default reward catalog on startup

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Points ledger
	Ledger LedgerConfig

	// Idempotency
	Idempotency IdempotencyConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api")),

		// App
		DBPath:      getenv("DB_PATH", "app.db"),
		AwardPoints: getint("AWARD_POINTS", 50),
		SeedRewards: getbool("SEED_REWARDS", true),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Points ledger
		Ledger: LedgerConfig{
			Backend:          strings.ToLower(getenv("LEDGER_BACKEND", LedgerMemory)),
			DataDir:          getenv("LEDGER_DATA_DIR", "data"),
			SQLitePath:       getenv("LEDGER_SQLITE_PATH", ""),
			PostgresURL:      getenv("POSTGRES_URL", ""),
			PostgresMaxConns: int32(getint("POSTGRES_MAX_CONNS", 10)),
			PostgresMigrate:  getbool("POSTGRES_MIGRATE", true),
		},

		// Idempotency
		Idempotency: IdempotencyConfig{
			Backend:       strings.ToLower(getenv("IDEMPOTENCY_BACKEND", IdempotencyMemory)),
			RedisURL:      getenv("REDIS_URL", ""),
			ClaimTTL:      getdur("IDEMPOTENCY_CLAIM_TTL", 2*time.Minute),
			TTL:           getdur("IDEMPOTENCY_TTL", 24*time.Hour),
			DegradedMode:  getbool("IDEMPOTENCY_DEGRADED_MODE", false),
			PurgeInterval: getdur("IDEMPOTENCY_PURGE_INTERVAL", 10*time.Minute),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "hamro-saath-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.AwardPoints <= 0 {
		return cfg, errors.New("AWARD_POINTS must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	switch cfg.Ledger.Backend {
	case LedgerMemory, LedgerSQLite:
	case LedgerFile:
		if strings.TrimSpace(cfg.Ledger.DataDir) == "" {
			return cfg, errors.New("LEDGER_DATA_DIR must not be empty for the file ledger")
		}
	case LedgerPostgres:
		if strings.TrimSpace(cfg.Ledger.PostgresURL) == "" {
			return cfg, errors.New("POSTGRES_URL is required for the postgres ledger")
		}
		if cfg.Ledger.PostgresMaxConns < 1 {
			return cfg, errors.New("POSTGRES_MAX_CONNS must be >= 1")
		}
	default:
		return cfg, errors.New("LEDGER_BACKEND must be one of: memory, file, sqlite, postgres")
	}
	switch cfg.Idempotency.Backend {
	case IdempotencyMemory, IdempotencySQL:
	case IdempotencyRedis:
		if strings.TrimSpace(cfg.Idempotency.RedisURL) == "" {
			return cfg, errors.New("REDIS_URL is required for the redis idempotency store")
		}
	default:
		return cfg, errors.New("IDEMPOTENCY_BACKEND must be one of: memory, redis, sql")
	}
	if cfg.Idempotency.ClaimTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_CLAIM_TTL must be > 0")
	}
	if cfg.Idempotency.TTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.Idempotency.TTL < cfg.Idempotency.ClaimTTL {
		return cfg, errors.New("IDEMPOTENCY_TTL must be >= IDEMPOTENCY_CLAIM_TTL")
	}
	if cfg.Idempotency.PurgeInterval < 0 {
		return cfg, errors.New("IDEMPOTENCY_PURGE_INTERVAL must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
