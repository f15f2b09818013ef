package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-hr/internal/auth"
	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/ratelimit"
	"github.com/odyssey-erp/odyssey-hr/internal/security"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	_ "github.com/odyssey-erp/odyssey-hr/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]string
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || s.user.Email != email {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) FindByID(ctx context.Context, id string) (*auth.User, error) {
	if s.user == nil || s.user.ID != id {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	if s.sessions == nil {
		s.sessions = map[string]string{}
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []security.Event
}

func (l *eventLog) Record(ctx context.Context, e security.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(typ security.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func chiRouter(h *auth.Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/auth", h.MountRoutes)
	return r
}

type harness struct {
	handler  *auth.Handler
	sessions *shared.SessionManager
	repo     *stubRepo
	events   *eventLog
	mr       *miniredis.Miniredis
}

func newHarness(t *testing.T) harness {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	repo := &stubRepo{user: &auth.User{ID: "u-1", Email: "user@test.local", PasswordHash: string(hashed), IsActive: true, OrgID: "org-1"}}

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	store := cache.NewRedisStore(redisClient, "odyssey")
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	events := &eventLog{}
	limiter := ratelimit.New(store, ratelimit.Config{}, nil)
	service := auth.NewService(repo, limiter, events, auth.LoginPolicy{MaxAttempts: 5, Window: 5 * time.Minute}, nil)
	validator := session.NewValidator(store, nil, session.ValidatorConfig{}, nil)
	handler := auth.NewHandler(nil, service, sessionManager, shared.NewCSRFManager("csrfsecret"), validator)
	return harness{handler: handler, sessions: sessionManager, repo: repo, events: events, mr: mr}
}

func (h harness) post(t *testing.T, path, body string) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(session.HeaderTimezone, "Asia/Jakarta")
	sess, err := h.sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	ctx := shared.ContextWithSession(req.Context(), sess)
	req = req.WithContext(ctx)

	res := httptest.NewRecorder()
	router := chiRouter(h.handler)
	router.ServeHTTP(res, req)
	if err := h.sessions.Commit(ctx, res, req, sess); err != nil {
		t.Fatalf("commit session: %v", err)
	}
	return res, sess
}

func TestLoginSuccess(t *testing.T) {
	h := newHarness(t)
	res, sess := h.post(t, "/auth/login", `{"email":"User@Test.local","password":"correctpass"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var result auth.LoginResult
	if err := json.Unmarshal(res.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.UserID != "u-1" || result.OrgID != "org-1" || result.CSRFToken == "" {
		t.Fatalf("unexpected login result: %+v", result)
	}
	stored, err := h.sessions.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if stored.User() != "u-1" || stored.Organization() != "org-1" {
		t.Fatalf("session not bound: %s/%s", stored.User(), stored.Organization())
	}
	if h.repo.sessions[sess.ID] != "u-1" {
		t.Fatalf("session not registered")
	}
	if !h.mr.Exists("odyssey:fingerprint:" + sess.ID) {
		t.Fatalf("fingerprint baseline not recorded")
	}
	if h.events.count(security.EventLoginSuccess) != 1 {
		t.Fatalf("expected login_success event")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	res, _ := h.post(t, "/auth/login", `{"email":"user@test.local","password":"wrongpass"}`)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "Invalid Credentials") {
		t.Fatalf("expected problem title in response: %s", res.Body.String())
	}
	if h.events.count(security.EventLoginFailure) != 1 {
		t.Fatalf("expected login_failure event")
	}
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t)
	res, _ := h.post(t, "/auth/login", `{"email":"not-an-email","password":"short"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"Email":"email"`) {
		t.Fatalf("expected field errors: %s", res.Body.String())
	}
}

func TestLoginRateLimitedAfterFiveFailures(t *testing.T) {
	h := newHarness(t)
	body := `{"email":"user@test.local","password":"wrongpass"}`
	for i := 0; i < 5; i++ {
		res, _ := h.post(t, "/auth/login", body)
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, res.Code)
		}
	}
	res, _ := h.post(t, "/auth/login", body)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	// The correct password is refused while the cooldown runs.
	res, _ = h.post(t, "/auth/login", `{"email":"user@test.local","password":"correctpass"}`)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected cooldown to block, got %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/auth/cooldown?email=user@test.local", nil)
	rec := httptest.NewRecorder()
	chiRouter(h.handler).ServeHTTP(rec, req)
	var cooldown map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &cooldown); err != nil {
		t.Fatalf("decode cooldown: %v", err)
	}
	if cooldown["remaining_seconds"] <= 0 {
		t.Fatalf("expected remaining cooldown, got %v", cooldown)
	}
	if h.events.count(security.EventLoginRateLimited) != 2 {
		t.Fatalf("expected two rate-limited events, got %d", h.events.count(security.EventLoginRateLimited))
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	h := newHarness(t)
	res, sess := h.post(t, "/auth/login", `{"email":"user@test.local","password":"correctpass"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("login failed: %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: h.sessions.CookieName(), Value: sess.ID})
	loaded, err := h.sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := shared.ContextWithSession(req.Context(), loaded)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	chiRouter(h.handler).ServeHTTP(rec, req)
	if err := h.sessions.Commit(ctx, rec, req, loaded); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, err := h.sessions.Get(context.Background(), sess.ID); err == nil {
		t.Fatalf("session should be gone")
	}
	if h.mr.Exists("odyssey:fingerprint:" + sess.ID) {
		t.Fatalf("fingerprint baseline should be removed")
	}
	if h.events.count(security.EventLogout) != 1 {
		t.Fatalf("expected logout event")
	}
}
