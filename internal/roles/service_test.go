package roles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/ratelimit"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/security"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	"github.com/odyssey-erp/odyssey-hr/internal/tenant"
)

type repoStub struct {
	identities map[string]Identity
	failFor    map[string]error
	writes     atomic.Int32
	mu         sync.Mutex
	submitted  []Assignment
}

func (r *repoStub) ResolveIdentity(ctx context.Context, targetRef string) (Identity, error) {
	id, ok := r.identities[targetRef]
	if !ok {
		return Identity{}, shared.ErrTargetNotFound
	}
	return id, nil
}

func (r *repoStub) SubmitAssignment(ctx context.Context, a Assignment) error {
	r.writes.Add(1)
	if err := r.failFor[a.IdentityID]; err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, a)
	return nil
}

type resolverStub struct {
	roles       map[string]rbac.RoleSet
	invalidated []string
	mu          sync.Mutex
}

func (r *resolverStub) EffectiveRoles(ctx context.Context, p rbac.Principal) rbac.RoleSet {
	return r.roles[p.ID]
}

func (r *resolverStub) Invalidate(principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, principalID)
}

type sessionStub struct{}

func (sessionStub) Current(ctx context.Context) (*session.Session, error) {
	return &session.Session{ID: "s-1", UserID: "actor", OrgID: "org-1", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (sessionStub) Refresh(ctx context.Context) (*session.Session, error) { return sessionStub{}.Current(ctx) }

type directoryStub struct{}

func (directoryStub) CurrentOrganizationID(ctx context.Context, userID string) (string, error) {
	return "org-1", nil
}

func (directoryStub) Memberships(ctx context.Context, userID string) ([]string, error) {
	return []string{"org-1"}, nil
}

func (directoryStub) PendingInvitation(ctx context.Context, userID string) (bool, error) {
	return false, nil
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

func (l *eventLog) snapshot() []security.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]security.Event(nil), l.events...)
}

type fixture struct {
	authority *Authority
	repo      *repoStub
	resolver  *resolverStub
	events    *eventLog
}

func newFixture(t *testing.T, actorRole rbac.Role, cfg Config, limiter *ratelimit.Limiter) fixture {
	t.Helper()
	repo := &repoStub{
		identities: map[string]Identity{
			"alice@example.com": {ID: "u-alice", OrgID: "org-1"},
			"bob@example.com":   {ID: "u-bob", OrgID: "org-1"},
			"carol@example.com": {ID: "u-carol", OrgID: "org-2"},
			"dave@example.com":  {ID: "u-dave"},
		},
		failFor: map[string]error{},
	}
	resolver := &resolverStub{roles: map[string]rbac.RoleSet{"actor": rbac.NewRoleSet(actorRole)}}
	events := &eventLog{}
	guard := tenant.NewGuard(sessionStub{}, directoryStub{}, events, nil, nil)
	return fixture{
		authority: NewAuthority(repo, resolver, guard, limiter, events, cfg, nil),
		repo:      repo,
		resolver:  resolver,
		events:    events,
	}
}

var actor = rbac.Principal{ID: "actor", OrgID: "org-1", Onboarding: rbac.OnboardingComplete}

func TestCanAssignHigherLevelAlwaysWins(t *testing.T) {
	for _, r1 := range rbac.AllRoles() {
		for _, r2 := range rbac.AllRoles() {
			if r1 > r2 && r1 != rbac.LowestRole {
				assert.True(t, CanAssign(rbac.NewRoleSet(r1), r2), "%s should assign %s", r1, r2)
			}
		}
	}
}

func TestCanAssignLowestRoleNeverAssigns(t *testing.T) {
	for _, target := range rbac.AllRoles() {
		assert.False(t, CanAssign(rbac.NewRoleSet(rbac.LowestRole), target))
	}
	assert.False(t, CanAssign(rbac.RoleSet{}, rbac.RoleEmployee))
}

func TestCanAssignMatrix(t *testing.T) {
	cases := []struct {
		actor  rbac.Role
		target rbac.Role
		want   bool
	}{
		{rbac.RoleAdmin, rbac.RoleAdmin, true},
		{rbac.RoleDirector, rbac.RoleAdmin, false},
		{rbac.RoleDirector, rbac.RoleDirector, true},
		{rbac.RoleManager, rbac.RoleDirector, false},
		{rbac.RoleManager, rbac.RoleManager, true},
		{rbac.RoleManager, rbac.RoleEmployee, true},
		{rbac.RoleSupervisor, rbac.RoleSupervisor, false},
		{rbac.RoleSupervisor, rbac.RoleEmployee, true},
		{rbac.RoleAdmin, rbac.Role(0), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanAssign(rbac.NewRoleSet(tc.actor), tc.target), "%s -> %s", tc.actor, tc.target)
	}
}

func TestAssignManagerCannotGrantDirector(t *testing.T) {
	f := newFixture(t, rbac.RoleManager, Config{}, nil)
	out, err := f.authority.Assign(context.Background(), actor, Request{
		Target: "alice@example.com", Role: rbac.RoleDirector, Justification: "promotion",
	})
	assert.ErrorIs(t, err, shared.ErrInsufficientPermissions)
	assert.Equal(t, StateFailed, out.State)
	assert.Zero(t, f.repo.writes.Load())
	events := f.events.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, security.EventRoleAssignmentDenied, events[0].Type)
}

func TestAssignRequiresJustification(t *testing.T) {
	f := newFixture(t, rbac.RoleAdmin, Config{}, nil)
	_, err := f.authority.Assign(context.Background(), actor, Request{
		Target: "alice@example.com", Role: rbac.RoleManager, Justification: "   ",
	})
	assert.ErrorIs(t, err, shared.ErrMissingJustification)
	assert.Zero(t, f.repo.writes.Load())
}

func TestAssignSucceedsWithSingleEvent(t *testing.T) {
	f := newFixture(t, rbac.RoleAdmin, Config{}, nil)
	out, err := f.authority.Assign(context.Background(), actor, Request{
		Target: "alice@example.com", Role: rbac.RoleManager, Justification: "ok",
	})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
	assert.Equal(t, "u-alice", out.IdentityID)

	events := f.events.snapshot()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)

	require.Len(t, f.repo.submitted, 1)
	assert.Equal(t, Assignment{
		IdentityID: "u-alice", OrgID: "org-1", Role: rbac.RoleManager, Justification: "ok", GrantedBy: "actor",
	}, f.repo.submitted[0])
	assert.Equal(t, []string{"u-alice"}, f.resolver.invalidated)
}

func TestAssignAcceptsConfirmedSensitiveRole(t *testing.T) {
	f := newFixture(t, rbac.RoleAdmin, Config{}, nil)
	out, err := f.authority.Assign(context.Background(), actor, Request{
		Target: "bob@example.com", Role: rbac.RoleDirector, Justification: "succession", Confirmed: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, out.State)
}

func TestAssignUnknownTarget(t *testing.T) {
	f := newFixture(t, rbac.RoleAdmin, Config{}, nil)
	_, err := f.authority.Assign(context.Background(), actor, Request{
		Target: "ghost@example.com", Role: rbac.RoleEmployee, Justification: "ok",
	})
	assert.ErrorIs(t, err, shared.ErrTargetNotFound)
	assert.Zero(t, f.repo.writes.Load())
}

func TestAssignRefusesTargetInAnotherOrganization(t *testing.T) {
	for _, target := range []string{"carol@example.com", "dave@example.com"} {
		t.Run(target, func(t *testing.T) {
			f := newFixture(t, rbac.RoleAdmin, Config{}, nil)
			out, err := f.authority.Assign(context.Background(), actor, Request{
				Target: target, Role: rbac.RoleManager, Justification: "ok",
			})
			assert.ErrorIs(t, err, shared.ErrCrossOrgAccessDenied)
			assert.Equal(t, StateFailed, out.State)
			assert.Zero(t, f.repo.writes.Load())
			assert.Empty(t, f.resolver.invalidated)

			events := f.events.snapshot()
			require.Len(t, events, 1)
			assert.Equal(t, security.EventCrossOrgAccessAttempt, events[0].Type)
			assert.False(t, events[0].Success)
		})
	}
}

func TestAssignSurfacesBackendRejection(t *testing.T) {
	f := newFixture(t, rbac.RoleAdmin, Config{}, nil)
	f.repo.failFor["u-alice"] = &pgconn.PgError{Code: "23505", Message: "duplicate key", Detail: "role already assigned"}

	_, err := f.authority.Assign(context.Background(), actor, Request{
		Target: "alice@example.com", Role: rbac.RoleManager, Justification: "ok",
	})
	require.ErrorIs(t, err, shared.ErrAssignmentRejected)
	var rejected *shared.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "role already assigned", rejected.Reason)
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr), "original backend error must be preserved")
	assert.Empty(t, f.resolver.invalidated)
}

func TestAssignRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.New(cache.NewRedisStore(client, "test"), ratelimit.Config{}, nil)

	f := newFixture(t, rbac.RoleAdmin, Config{MaxAttempts: 2, Window: time.Minute}, limiter)
	req := Request{Target: "alice@example.com", Role: rbac.RoleEmployee, Justification: "ok"}
	for i := 0; i < 2; i++ {
		_, err := f.authority.Assign(context.Background(), actor, req)
		require.NoError(t, err)
	}
	_, err := f.authority.Assign(context.Background(), actor, req)
	require.ErrorIs(t, err, shared.ErrRateLimited)
	var rl *shared.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Positive(t, rl.Wait)
	assert.EqualValues(t, 2, f.repo.writes.Load())
}

func TestBulkAssignAbortsOnPermissionFailure(t *testing.T) {
	f := newFixture(t, rbac.RoleManager, Config{}, nil)
	reqs := []Request{
		{Target: "alice@example.com", Role: rbac.RoleEmployee},
		{Target: "bob@example.com", Role: rbac.RoleSupervisor},
		{Target: "bob@example.com", Role: rbac.RoleAdmin},
	}
	result, err := f.authority.BulkAssign(context.Background(), actor, reqs, "reorg")
	assert.ErrorIs(t, err, shared.ErrInsufficientPermissions)
	assert.Empty(t, result.Items)
	assert.Zero(t, f.repo.writes.Load())
	events := f.events.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, security.EventBulkAssignmentDenied, events[0].Type)
}

func TestBulkAssignRequiresJustification(t *testing.T) {
	f := newFixture(t, rbac.RoleAdmin, Config{}, nil)
	_, err := f.authority.BulkAssign(context.Background(), actor, []Request{{Target: "alice@example.com", Role: rbac.RoleEmployee}}, "")
	assert.ErrorIs(t, err, shared.ErrMissingJustification)
	assert.Zero(t, f.repo.writes.Load())
}

func TestBulkAssignPartialFailure(t *testing.T) {
	for _, concurrency := range []int{1, 4} {
		f := newFixture(t, rbac.RoleAdmin, Config{BulkConcurrency: concurrency}, nil)
		f.repo.failFor["u-bob"] = errors.New("connection reset")

		result, err := f.authority.BulkAssign(context.Background(), actor, []Request{
			{Target: "alice@example.com", Role: rbac.RoleEmployee},
			{Target: "bob@example.com", Role: rbac.RoleSupervisor},
		}, "team restructure")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Succeeded)
		assert.Equal(t, 1, result.Failed)
		assert.False(t, result.Success)
		require.Len(t, result.Items, 2)
		assert.Equal(t, StateSucceeded, result.Items[0].State)
		assert.Equal(t, StateFailed, result.Items[1].State)
		assert.Error(t, result.Items[1].Err())
		assert.EqualValues(t, 2, f.repo.writes.Load())
	}
}

func TestCatalogMarksAssignableRoles(t *testing.T) {
	f := newFixture(t, rbac.RoleManager, Config{}, nil)
	views := f.authority.Catalog(context.Background(), actor)
	require.Len(t, views, 5)
	assert.Equal(t, "admin", views[0].Name)
	assert.False(t, views[0].Assignable)
	assert.True(t, views[0].Sensitive)
	assert.Equal(t, "manager", views[2].Name)
	assert.True(t, views[2].Assignable)
	assert.Contains(t, views[2].Permissions, "manage_roles")
}
