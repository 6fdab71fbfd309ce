package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/hamro-saath-backend/internal/config"
	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
	"github.com/tbourn/hamro-saath-backend/internal/idempotency"
	"github.com/tbourn/hamro-saath-backend/internal/ledger"
	"github.com/tbourn/hamro-saath-backend/internal/repo"
)

// --- test deps helper (pure-Go sqlite, no CGO) ---
func newTestDeps(t *testing.T) Deps {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if err := repo.SeedRewards(context.Background(), db); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return Deps{
		DB:          db,
		Ledger:      ledger.NewMemory(),
		Coordinator: idempotency.NewCoordinator(idempotency.NewMemoryStore(), idempotency.Options{}),
	}
}

func testConfig(base string) config.Config {
	return config.Config{
		APIBasePath: base,
		AwardPoints: 50,
		RateRPS:     100,
		RateBurst:   100,
		CORS:        config.CORSConfig{AllowedOrigins: nil},
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), testConfig("/api/v1"))

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig("/api/v2")
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, newTestDeps(t), cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

// Smoke test that a request traverses the full middleware pipeline.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	cfg := testConfig("/api")
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour}
	RegisterRoutes(r, newTestDeps(t), cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func TestRegisterRoutes_BadIdempotencyKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), testConfig("/api"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/rewards/reward-2/redeem", nil)
	req.Header.Set(middleware.HeaderUserID, "u1")
	req.Header.Set(middleware.HeaderIdempotencyKey, "has space")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest || !bytes.Contains(w.Body.Bytes(), []byte("bad_idempotency_key")) {
		t.Fatalf("expected 400 bad_idempotency_key, got %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_LedgerOpsRejectGuest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), testConfig("/api"))
	c := client{t: t, r: r}

	for _, op := range []string{"reverse", "settle"} {
		w := c.do(http.MethodPost, "/api/ledger/transactions/nope/"+op, "", "", nil)
		if w.Code != http.StatusUnauthorized || !bytes.Contains(w.Body.Bytes(), []byte("unauthorized")) {
			t.Fatalf("guest %s: expected 401 unauthorized, got %d %s", op, w.Code, w.Body.String())
		}
		if w := c.do(http.MethodPost, "/api/ledger/transactions/nope/"+op, "admin", "", nil); w.Code != http.StatusNotFound {
			t.Fatalf("admin %s of unknown tx: expected 404, got %d", op, w.Code)
		}
	}
}

// ---------- end-to-end scenario ----------

type client struct {
	t *testing.T
	r *gin.Engine
}

func (c client) do(method, path, user, key string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	if key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	c.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

// Report an issue, run a cleanup with two volunteers, complete it twice
// with the same key and spend the award.
func TestScenario_CompleteAndRedeem(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDeps(t), testConfig("/api"))
	c := client{t: t, r: r}

	w := c.do(http.MethodPost, "/api/issues", "org", "", map[string]any{
		"title": "Overflowing bins", "description": "Bins near the temple", "category": "litter", "ward": "ward-10",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create issue = %d %s", w.Code, w.Body.String())
	}
	issue := decode[struct{ ID string }](t, w)

	w = c.do(http.MethodPost, "/api/issues/"+issue.ID+"/events", "org", "", map[string]any{
		"startAt": "2025-03-01T09:00:00Z", "volunteerGoal": 5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event = %d %s", w.Code, w.Body.String())
	}
	event := decode[struct{ ID string }](t, w)

	for _, u := range []string{"alice", "bob"} {
		if w := c.do(http.MethodPost, "/api/events/"+event.ID+"/rsvp", u, "", nil); w.Code != http.StatusOK {
			t.Fatalf("rsvp %s = %d %s", u, w.Code, w.Body.String())
		}
	}

	completePath := "/api/events/" + event.ID + "/complete"
	first := c.do(http.MethodPost, completePath, "org", "done-1", map[string]any{"afterPhoto": "after.jpg"})
	if first.Code != http.StatusOK || first.Header().Get(middleware.HeaderIdempotencyReplayed) != "" {
		t.Fatalf("complete = %d replay=%q %s", first.Code, first.Header().Get(middleware.HeaderIdempotencyReplayed), first.Body.String())
	}
	done := decode[struct {
		Awards []struct {
			UserID string
			Points int64
		}
	}](t, first)
	if len(done.Awards) != 2 || done.Awards[0].Points != 50 {
		t.Fatalf("unexpected awards: %+v", done.Awards)
	}

	second := c.do(http.MethodPost, completePath, "org", "done-1", map[string]any{"afterPhoto": "after.jpg"})
	if second.Code != http.StatusOK || second.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay = %d replay=%q", second.Code, second.Header().Get(middleware.HeaderIdempotencyReplayed))
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	type points struct {
		Balance          int64
		TransactionCount int
	}
	w = c.do(http.MethodGet, "/api/users/alice/points", "alice", "", nil)
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("points must not be cached, Cache-Control=%q", cc)
	}
	if p := decode[points](t, w); p.Balance != 50 || p.TransactionCount != 1 {
		t.Fatalf("alice after award: %+v", p)
	}

	w = c.do(http.MethodPost, "/api/rewards/reward-2/redeem", "alice", "r1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("redeem = %d %s", w.Code, w.Body.String())
	}
	red := decode[struct {
		Receipt struct {
			SPUsed int64
			Status string
		}
		Reward struct{ ID string }
	}](t, w)
	if red.Receipt.SPUsed != 50 || red.Receipt.Status != "completed" || red.Reward.ID != "reward-2" {
		t.Fatalf("unexpected redemption: %+v", red)
	}

	declined := c.do(http.MethodPost, "/api/rewards/reward-2/redeem", "alice", "r2", nil)
	if declined.Code != http.StatusBadRequest {
		t.Fatalf("second redeem = %d %s", declined.Code, declined.Body.String())
	}
	env := decode[struct {
		Code    string
		Message string
		Details map[string]float64
	}](t, declined)
	if env.Code != "insufficient_points" || env.Details["shortfall"] != 50 || env.Details["balance"] != 0 {
		t.Fatalf("unexpected decline: %+v", env)
	}
	if env.Message != "Insufficient points. You have 0SP, but need 50SP" {
		t.Fatalf("message = %q", env.Message)
	}

	// a declined request is stored too; retrying the same key replays it
	again := c.do(http.MethodPost, "/api/rewards/reward-2/redeem", "alice", "r2", nil)
	if again.Code != http.StatusBadRequest || again.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("declined replay = %d replay=%q", again.Code, again.Header().Get(middleware.HeaderIdempotencyReplayed))
	}

	if p := decode[points](t, c.do(http.MethodGet, "/api/users/alice/points", "alice", "", nil)); p.Balance != 0 || p.TransactionCount != 2 {
		t.Fatalf("alice after redeem: %+v", p)
	}
	if p := decode[points](t, c.do(http.MethodGet, "/api/users/bob/points", "bob", "", nil)); p.Balance != 50 {
		t.Fatalf("bob: %+v", p)
	}
}
