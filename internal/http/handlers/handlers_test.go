package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/http/middleware"
	"github.com/tbourn/hamro-saath-backend/internal/idempotency"
	"github.com/tbourn/hamro-saath-backend/internal/ledger"
	"github.com/tbourn/hamro-saath-backend/internal/repo"
	"github.com/tbourn/hamro-saath-backend/internal/services"
)

// ---------- test wiring ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
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
		t.Fatalf("migrate: %v", err)
	}
	if err := repo.SeedRewards(context.Background(), db); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return db
}

// downStore fails every call, as an unreachable Redis would.
type downStore struct{ idempotency.Store }

var errDown = errors.New("connection refused")

func (downStore) Get(context.Context, string) (*domain.Idempotency, error) { return nil, errDown }
func (downStore) SetIfNotExists(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}

type testAPI struct {
	r      *gin.Engine
	db     *gorm.DB
	ledger ledger.Store
	store  idempotency.Store
}

func newTestAPI(t *testing.T, store idempotency.Store, degraded bool) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := newHandlerDB(t)
	st := ledger.NewMemory()
	if store == nil {
		store = idempotency.NewMemoryStore()
	}
	coord := idempotency.NewCoordinator(store, idempotency.Options{DegradedMode: degraded})
	h := New(
		&services.IssueService{DB: db},
		&services.EventService{DB: db, Ledger: st, AwardPoints: 50},
		&services.RewardService{DB: db, Ledger: st},
		&services.PointsService{Ledger: st},
		&services.UserService{DB: db, Ledger: st},
		coord,
	)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.DevAuth())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/issues", h.CreateIssue)
	r.GET("/issues", h.ListIssues)
	r.GET("/issues/:id", h.GetIssue)
	r.POST("/issues/:id/events", h.CreateEvent)
	r.GET("/issues/:id/events", h.ListIssueEvents)
	r.GET("/events/:id", h.GetEvent)
	r.POST("/events/:id/rsvp", h.RSVPEvent)
	r.POST("/events/:id/complete", h.CompleteEvent)
	r.GET("/rewards", h.ListRewards)
	r.GET("/rewards/:id", h.GetReward)
	r.POST("/rewards/:id/redeem", h.RedeemReward)
	r.GET("/users/:id", h.GetUser)
	r.PUT("/users/:id", h.UpdateUser)
	r.GET("/users/:id/points", h.GetUserPoints)
	r.POST("/ledger/transactions/:txId/reverse", h.ReverseTransaction)
	r.POST("/ledger/transactions/:txId/settle", h.SettleTransaction)
	return &testAPI{r: r, db: db, ledger: st, store: store}
}

func (a *testAPI) send(t *testing.T, req *http.Request, user, key string) *httptest.ResponseRecorder {
	t.Helper()
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	if key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func (a *testAPI) json(t *testing.T, method, path, user, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.send(t, req, user, key)
}

// seedEvent creates an issue and an event with the given participants.
func (a *testAPI) seedEvent(t *testing.T, participants ...string) string {
	t.Helper()
	w := a.json(t, http.MethodPost, "/issues", "org", "", CreateIssueRequest{
		Title: "Blocked drain", Description: "Water pooling", Category: "blocked_drainage",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create issue: %d %s", w.Code, w.Body.String())
	}
	var is domain.Issue
	_ = json.Unmarshal(w.Body.Bytes(), &is)

	w = a.json(t, http.MethodPost, "/issues/"+is.ID+"/events", "org", "", CreateEventRequest{
		StartAt: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), VolunteerGoal: 3,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event: %d %s", w.Code, w.Body.String())
	}
	var ev domain.Event
	_ = json.Unmarshal(w.Body.Bytes(), &ev)

	for _, u := range participants {
		if w := a.json(t, http.MethodPost, "/events/"+ev.ID+"/rsvp", u, "", nil); w.Code != http.StatusOK {
			t.Fatalf("rsvp %s: %d %s", u, w.Code, w.Body.String())
		}
	}
	return ev.ID
}

func (a *testAPI) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := a.ledger.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return b
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error envelope %q: %v", w.Body.String(), err)
	}
	return e
}

// ---------- issues ----------

func TestCreateIssue_ValidationAndNotFound(t *testing.T) {
	a := newTestAPI(t, nil, false)

	w := a.json(t, http.MethodPost, "/issues", "org", "", CreateIssueRequest{Category: "litter"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if e := decodeErr(t, w); e.Code != ErrCodeMissingFields || e.Details["fields"] == nil {
		t.Fatalf("unexpected envelope: %+v", e)
	}

	w = a.send(t, httptest.NewRequest(http.MethodPost, "/issues", bytes.NewBufferString("{")), "org", "")
	if w.Code != http.StatusBadRequest || decodeErr(t, w).Code != ErrCodeBadRequest {
		t.Fatalf("malformed JSON: %d %s", w.Code, w.Body.String())
	}

	w = a.json(t, http.MethodGet, "/issues/missing", "", "", nil)
	if w.Code != http.StatusNotFound || decodeErr(t, w).Code != ErrCodeNotFound {
		t.Fatalf("expected 404, got %d %s", w.Code, w.Body.String())
	}
}

func TestListIssues_ETag304(t *testing.T) {
	a := newTestAPI(t, nil, false)
	a.seedEvent(t)

	w := a.json(t, http.MethodGet, "/issues?category=blocked_drainage", "", "", nil)
	etag := w.Header().Get("ETag")
	if w.Code != http.StatusOK || etag == "" {
		t.Fatalf("list: %d etag=%q", w.Code, etag)
	}
	var items []domain.Issue
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil || len(items) != 1 {
		t.Fatalf("items=%v err=%v", items, err)
	}

	req := httptest.NewRequest(http.MethodGet, "/issues?category=blocked_drainage", nil)
	req.Header.Set("If-None-Match", etag)
	if w := a.send(t, req, "", ""); w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
}

// ---------- events ----------

func TestCompleteEvent_ReplayHeaderAndSingleAward(t *testing.T) {
	a := newTestAPI(t, nil, false)
	id := a.seedEvent(t, "alice", "bob")

	first := a.json(t, http.MethodPost, "/events/"+id+"/complete", "org", "c-1", CompleteEventRequest{AfterPhoto: "after.jpg"})
	if first.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", first.Code, first.Body.String())
	}
	if first.Header().Get(middleware.HeaderIdempotencyReplayed) != "" {
		t.Fatalf("first call must not be a replay")
	}
	var out services.Completion
	if err := json.Unmarshal(first.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Event.Status != domain.EventCompleted || len(out.Awards) != 2 {
		t.Fatalf("unexpected completion: %+v", out)
	}

	second := a.json(t, http.MethodPost, "/events/"+id+"/complete", "org", "c-1", CompleteEventRequest{AfterPhoto: "after.jpg"})
	if second.Code != http.StatusOK || second.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay: %d header=%q", second.Code, second.Header().Get(middleware.HeaderIdempotencyReplayed))
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("replay body differs")
	}

	// a fresh key still cannot award twice; the ledger batch key dedups it
	third := a.json(t, http.MethodPost, "/events/"+id+"/complete", "org", "c-2", CompleteEventRequest{AfterPhoto: "after.jpg"})
	if third.Code != http.StatusOK {
		t.Fatalf("third: %d %s", third.Code, third.Body.String())
	}
	if a.balance(t, "alice") != 50 || a.balance(t, "bob") != 50 {
		t.Fatalf("balances alice=%d bob=%d; want 50 each", a.balance(t, "alice"), a.balance(t, "bob"))
	}
}

func TestCompleteEvent_MissingPhoto(t *testing.T) {
	a := newTestAPI(t, nil, false)
	id := a.seedEvent(t, "alice")

	w := a.json(t, http.MethodPost, "/events/"+id+"/complete", "org", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	e := decodeErr(t, w)
	if e.Code != ErrCodeMissingFields {
		t.Fatalf("code = %q", e.Code)
	}
	if a.balance(t, "alice") != 0 {
		t.Fatalf("declined completion awarded points")
	}
}

func TestCompleteEvent_MultipartUpload(t *testing.T) {
	a := newTestAPI(t, nil, false)
	id := a.seedEvent(t, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("afterPhoto", "../clean-street.jpg")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte("jpeg bytes"))
	_ = mw.WriteField("notes", "  swept and bagged  ")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/events/"+id+"/complete", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := a.send(t, req, "org", "mp-1")
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}
	var out services.Completion
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Event.AfterPhoto != "upload:///clean-street.jpg" || out.Event.Notes != "swept and bagged" {
		t.Fatalf("unexpected evidence: photo=%q notes=%q", out.Event.AfterPhoto, out.Event.Notes)
	}
}

func TestCompleteEvent_InFlight409(t *testing.T) {
	a := newTestAPI(t, nil, false)
	id := a.seedEvent(t, "alice")
	path := "/events/" + id + "/complete"

	// another request holds the claim
	scoped := middleware.ScopedIdempotencyKey("org", path, "busy")
	if won, err := a.store.SetIfNotExists(context.Background(), scoped, "other-request", time.Minute); err != nil || !won {
		t.Fatalf("pre-claim: won=%v err=%v", won, err)
	}

	w := a.json(t, http.MethodPost, path, "org", "busy", CompleteEventRequest{AfterPhoto: "p.jpg"})
	if w.Code != http.StatusConflict || w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 409 with Retry-After, got %d %v", w.Code, w.Header())
	}
	if decodeErr(t, w).Code != ErrCodeRequestInProgress {
		t.Fatalf("code mismatch: %s", w.Body.String())
	}
	if a.balance(t, "alice") != 0 {
		t.Fatalf("in-flight duplicate must not award")
	}

	// same key from another user is a different scope
	w = a.json(t, http.MethodPost, path, "someone-else", "busy", CompleteEventRequest{AfterPhoto: "p.jpg"})
	if w.Code != http.StatusOK {
		t.Fatalf("other scope: %d %s", w.Code, w.Body.String())
	}
}

// ---------- rewards ----------

func TestRedeem_StoreDown(t *testing.T) {
	t.Run("strict", func(t *testing.T) {
		a := newTestAPI(t, downStore{}, false)
		w := a.json(t, http.MethodPost, "/rewards/reward-2/redeem", "alice", "k1", nil)
		if w.Code != http.StatusServiceUnavailable || decodeErr(t, w).Code != ErrCodeIdempotencyUnavailable {
			t.Fatalf("expected 503, got %d %s", w.Code, w.Body.String())
		}
	})

	t.Run("degraded", func(t *testing.T) {
		a := newTestAPI(t, downStore{}, true)
		_, err := a.ledger.CreateTransactions(context.Background(), ledger.Batch{Records: []domain.Transaction{{
			TxID: "seed", UserID: "alice", Amount: 100, Kind: domain.KindAward, Status: domain.StatusSettled,
		}}})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		for i := 0; i < 2; i++ {
			w := a.json(t, http.MethodPost, "/rewards/reward-2/redeem", "alice", "k1", nil)
			if w.Code != http.StatusOK {
				t.Fatalf("degraded redeem #%d: %d %s", i, w.Code, w.Body.String())
			}
		}
		// the key-derived txId still dedups the debit
		if b := a.balance(t, "alice"); b != 50 {
			t.Fatalf("balance = %d; want 50", b)
		}
	})
}

func TestRedeem_InsufficientDetails(t *testing.T) {
	a := newTestAPI(t, nil, false)
	w := a.json(t, http.MethodPost, "/rewards/reward-1/redeem", "alice", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	e := decodeErr(t, w)
	if e.Code != ErrCodeInsufficientPoints || e.Details["required"] != float64(100) || e.Details["shortfall"] != float64(100) {
		t.Fatalf("unexpected envelope: %+v", e)
	}

	if w := a.json(t, http.MethodPost, "/rewards/nope/redeem", "alice", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown reward: %d", w.Code)
	}
}

func TestRewards_ListAndGet(t *testing.T) {
	a := newTestAPI(t, nil, false)
	w := a.json(t, http.MethodGet, "/rewards", "", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("list: %d etag=%q", w.Code, w.Header().Get("ETag"))
	}
	var list []domain.Reward
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list) != 2 || list[0].CostSP != 50 {
		t.Fatalf("list=%+v err=%v", list, err)
	}
	if w := a.json(t, http.MethodGet, "/rewards/reward-1", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
}

// ---------- points ----------

func TestPoints_ReverseAndSettle(t *testing.T) {
	a := newTestAPI(t, nil, false)
	id := a.seedEvent(t, "alice")
	if w := a.json(t, http.MethodPost, "/events/"+id+"/complete", "org", "", CompleteEventRequest{AfterPhoto: "a.jpg"}); w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body.String())
	}

	txID := services.AwardTxID(id, "alice")
	w := a.json(t, http.MethodPost, "/ledger/transactions/"+txID+"/reverse", "admin", "", ReverseRequest{Reason: "duplicate report"})
	if w.Code != http.StatusOK {
		t.Fatalf("reverse: %d %s", w.Code, w.Body.String())
	}
	var rev domain.Transaction
	_ = json.Unmarshal(w.Body.Bytes(), &rev)
	if rev.TxID != "rev_"+txID || rev.Amount != -50 {
		t.Fatalf("unexpected reversal: %+v", rev)
	}

	// body is optional
	if w := a.json(t, http.MethodPost, "/ledger/transactions/"+txID+"/reverse", "admin", "", nil); w.Code != http.StatusOK {
		t.Fatalf("second reverse: %d", w.Code)
	}
	if w := a.json(t, http.MethodPost, "/ledger/transactions/nope/reverse", "admin", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown reverse: %d", w.Code)
	}

	w = a.json(t, http.MethodGet, "/users/alice/points?limit=1", "alice", "", nil)
	var hist services.History
	_ = json.Unmarshal(w.Body.Bytes(), &hist)
	if hist.Balance != 0 || len(hist.Transactions) != 1 {
		t.Fatalf("history: %+v", hist)
	}

	if w := a.json(t, http.MethodPost, "/ledger/transactions/nope/settle", "admin", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown settle: %d", w.Code)
	}
	_, err := a.ledger.CreateTransactions(context.Background(), ledger.Batch{Records: []domain.Transaction{{
		TxID: "gone", UserID: "bob", Amount: 10, Kind: domain.KindAward, Status: domain.StatusReversed,
	}}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if w := a.json(t, http.MethodPost, "/ledger/transactions/gone/settle", "admin", "", nil); w.Code != http.StatusConflict {
		t.Fatalf("illegal settle: %d %s", w.Code, w.Body.String())
	}
}

func TestPoints_ReversePendingVoidsInPlace(t *testing.T) {
	a := newTestAPI(t, nil, false)
	_, err := a.ledger.CreateTransactions(context.Background(), ledger.Batch{Records: []domain.Transaction{
		{TxID: "hold", UserID: "carol", Amount: 50, Kind: domain.KindAward, Status: domain.StatusPending},
		{TxID: "paid", UserID: "carol", Amount: 20, Kind: domain.KindAward, Status: domain.StatusSettled},
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := a.json(t, http.MethodPost, "/ledger/transactions/hold/reverse", "admin", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reverse pending: %d %s", w.Code, w.Body.String())
	}
	var out domain.Transaction
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.TxID != "hold" || out.Status != domain.StatusReversed {
		t.Fatalf("expected the voided original, got %+v", out)
	}
	if b := a.balance(t, "carol"); b != 20 {
		t.Fatalf("balance = %d; want 20", b)
	}
}

// ---------- users ----------

func TestUsers_GetOrCreateAndUpdate(t *testing.T) {
	a := newTestAPI(t, nil, false)
	if _, err := a.ledger.CreateTransactions(context.Background(), ledger.Batch{Records: []domain.Transaction{
		{TxID: "seed_dina", UserID: "dina", Amount: 30, Kind: domain.KindAward, Status: domain.StatusSettled},
	}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := a.json(t, http.MethodGet, "/users/dina", "dina", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	var u domain.UserProfile
	_ = json.Unmarshal(w.Body.Bytes(), &u)
	if u.ID != "dina" || u.DisplayName != "User dina" || u.ProfileVisibility != domain.VisibilityPublic || u.TotalSP != 30 {
		t.Fatalf("unexpected default profile: %+v", u)
	}

	w = a.json(t, http.MethodPut, "/users/dina", "dina", "", map[string]any{
		"displayName": "  Dina  Rai ", "ward": "ward-7", "profileVisibility": "Private", "totalSP": 9999,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(w.Body.Bytes(), &u)
	if u.DisplayName != "Dina Rai" || u.Ward != "ward-7" || u.ProfileVisibility != domain.VisibilityPrivate || u.TotalSP != 30 {
		t.Fatalf("unexpected updated profile: %+v", u)
	}

	// others see a private profile without its details
	w = a.json(t, http.MethodGet, "/users/dina", "erin", "", nil)
	var seen domain.UserProfile
	_ = json.Unmarshal(w.Body.Bytes(), &seen)
	if seen.DisplayName != "Dina Rai" || seen.Ward != "" || seen.TotalSP != 0 {
		t.Fatalf("private profile leaked: %+v", seen)
	}

	w = a.json(t, http.MethodPut, "/users/dina", "erin", "", map[string]any{"bio": "hijack"})
	if w.Code != http.StatusForbidden || decodeErr(t, w).Code != ErrCodeForbidden {
		t.Fatalf("foreign edit: expected 403 forbidden, got %d %s", w.Code, w.Body.String())
	}
	w = a.json(t, http.MethodPut, "/users/dina", "dina", "", map[string]any{"profileVisibility": "friends"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad visibility: expected 400, got %d", w.Code)
	}
	w = a.json(t, http.MethodPut, "/users/dina", "dina", "", map[string]any{"displayName": "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank name: expected 400, got %d", w.Code)
	}
}
