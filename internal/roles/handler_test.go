package roles

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

type staticRoles map[string][]rbac.Role

func (s staticRoles) FetchRoles(ctx context.Context, principalID string) ([]rbac.Role, error) {
	return s[principalID], nil
}

type keyStub struct {
	mu       sync.Mutex
	claimed  map[string]bool
	released []string
}

func (k *keyStub) CheckAndInsert(ctx context.Context, key, module string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.claimed[key] {
		return shared.ErrIdempotencyConflict
	}
	k.claimed[key] = true
	return nil
}

func (k *keyStub) Release(ctx context.Context, key, module string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.claimed, key)
	k.released = append(k.released, key)
	return nil
}

func newTestRouter(t *testing.T, role rbac.Role) (http.Handler, fixture, *keyStub) {
	t.Helper()
	f := newFixture(t, role, Config{}, nil)
	mw := rbac.Middleware{Resolver: rbac.NewResolver(staticRoles{"actor": {role}}, nil, rbac.ResolverConfig{}, nil)}
	keys := &keyStub{claimed: map[string]bool{}}
	r := chi.NewRouter()
	NewHandler(nil, f.authority, mw, keys).MountRoutes(r)
	return r, f, keys
}

func send(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(rbac.ContextWithPrincipal(req.Context(), actor))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerAssign(t *testing.T) {
	h, f, _ := newTestRouter(t, rbac.RoleAdmin)

	rec := send(h, http.MethodPost, "/roles/assignments", `{"target":"alice@example.com","role":"director","justification":"promotion"}`, nil)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Zero(t, f.repo.writes.Load())

	rec = send(h, http.MethodPost, "/roles/assignments", `{"target":"alice@example.com","role":"director","justification":"promotion","confirmed":true}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"state":"succeeded"`)
	assert.EqualValues(t, 1, f.repo.writes.Load())

	rec = send(h, http.MethodPost, "/roles/assignments", `{"target":"alice@example.com","role":"overlord","justification":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerRequiresManageRoles(t *testing.T) {
	h, f, _ := newTestRouter(t, rbac.RoleSupervisor)
	rec := send(h, http.MethodPost, "/roles/assignments", `{"target":"alice@example.com","role":"employee","justification":"x"}`, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.repo.writes.Load())

	rec = send(h, http.MethodGet, "/roles", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerBulkIdempotency(t *testing.T) {
	h, f, keys := newTestRouter(t, rbac.RoleManager)
	body := `{"items":[{"target":"alice@example.com","role":"employee"},{"target":"bob@example.com","role":"supervisor"}],"justification":"team restructure"}`
	headers := map[string]string{IdempotencyHeader: "batch-1"}

	rec := send(h, http.MethodPost, "/roles/assignments/bulk", body, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"succeeded":2`)

	rec = send(h, http.MethodPost, "/roles/assignments/bulk", body, headers)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.EqualValues(t, 2, f.repo.writes.Load())
	assert.True(t, keys.claimed["actor:batch-1"])
}

func TestHandlerBulkAbortReleasesKey(t *testing.T) {
	h, f, keys := newTestRouter(t, rbac.RoleManager)
	body := `{"items":[{"target":"alice@example.com","role":"employee"},{"target":"bob@example.com","role":"director","confirmed":true}],"justification":"reorg"}`

	rec := send(h, http.MethodPost, "/roles/assignments/bulk", body, map[string]string{IdempotencyHeader: "batch-2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.repo.writes.Load())
	assert.Equal(t, []string{"actor:batch-2"}, keys.released)
}

func TestHandlerBulkPartialFailure(t *testing.T) {
	h, f, _ := newTestRouter(t, rbac.RoleManager)
	f.repo.failFor["u-bob"] = shared.ErrAssignmentRejected
	body := `{"items":[{"target":"alice@example.com","role":"employee"},{"target":"bob@example.com","role":"employee"}],"justification":"reorg"}`

	rec := send(h, http.MethodPost, "/roles/assignments/bulk", body, nil)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed":1`)
}
