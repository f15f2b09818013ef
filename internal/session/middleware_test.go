package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

type sessionFixture struct {
	mr        *miniredis.Miniredis
	manager   *shared.SessionManager
	validator *Validator
	provider  ContextProvider
	id        string
}

// newSessionFixture stores an authenticated session whose baseline is laptop.
func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	manager := shared.NewSessionManager(client, "sid", "secret", time.Hour, false)
	ctx := context.Background()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := manager.Load(ctx, req)
	require.NoError(t, err)
	sess.SetUser("u-1")
	sess.SetOrganization("org-1")
	require.NoError(t, manager.Commit(ctx, httptest.NewRecorder(), req, sess))

	provider := ContextProvider{Manager: manager}
	validator := NewValidator(cache.NewRedisStore(client, "test"), provider, ValidatorConfig{}, nil)
	require.NoError(t, validator.Remember(ctx, fromShared(sess), laptop))

	return &sessionFixture{mr: mr, manager: manager, validator: validator, provider: provider, id: sess.ID}
}

// request builds a request carrying the session cookie and the client signal headers
// of src.
func (f *sessionFixture) request(t *testing.T, path string, src StaticSource) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.AddCookie(&http.Cookie{Name: "sid", Value: f.id})
	req.Header.Set(HeaderCanvas, src.Canvas)
	req.Header.Set("Accept-Language", src.Language)
	req.Header.Set(HeaderPlatform, `"`+src.Platform+`"`)
	req.Header.Set(HeaderScreen, src.Screen)
	req.Header.Set(HeaderTimezone, src.Timezone)
	req.Header.Set(HeaderGPU, src.GPU)
	return req
}

// withSession loads the cookie session into the request context the way the
// application session middleware does.
func (f *sessionFixture) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := f.manager.Load(r.Context(), r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
	})
}

func TestMiddlewarePassesMatchingFingerprint(t *testing.T) {
	f := newSessionFixture(t)
	var sawSource bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawSource = SourceFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := f.withSession(f.validator.Middleware(f.provider)(next))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/employees", laptop))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, sawSource)
	assert.True(t, f.mr.Exists("session:"+f.id))
}

func TestMiddlewareRevokesSessionOnForeignFingerprint(t *testing.T) {
	f := newSessionFixture(t)
	called, authenticated := false, false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		authenticated = shared.SessionFromContext(r.Context()).Authenticated()
	})
	handler := f.withSession(f.validator.Middleware(f.provider)(next))

	attacker := laptop
	attacker.GPU = "NVIDIA RTX"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/employees", attacker))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
	assert.False(t, f.mr.Exists("session:"+f.id))
	assert.False(t, f.mr.Exists("test:fingerprint:"+f.id))

	// The stolen cookie is dead for the original device too.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/employees", laptop))
	assert.True(t, called)
	assert.False(t, authenticated)
}

func TestMiddlewareIgnoresAnonymousRequests(t *testing.T) {
	f := newSessionFixture(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := f.withSession(f.validator.Middleware(f.provider)(next))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
