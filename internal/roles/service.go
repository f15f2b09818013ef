package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-hr/internal/ratelimit"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/security"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
	"github.com/odyssey-erp/odyssey-hr/internal/tenant"
)

// RepositoryPort defines the backend role assignment contracts.
type RepositoryPort interface {
	// ResolveIdentity returns shared.ErrTargetNotFound for unknown targets.
	ResolveIdentity(ctx context.Context, targetRef string) (Identity, error)
	SubmitAssignment(ctx context.Context, a Assignment) error
}

// RoleResolver exposes the effective roles of a principal.
type RoleResolver interface {
	EffectiveRoles(ctx context.Context, p rbac.Principal) rbac.RoleSet
	Invalidate(principalID string)
}

// Config tunes the Authority.
type Config struct {
	MaxAttempts int
	Window      time.Duration
	// BulkConcurrency bounds parallel writes in BulkAssign; 1 is sequential.
	BulkConcurrency int
}

// Authority grants roles after checking hierarchy and justification.
type Authority struct {
	repo     RepositoryPort
	resolver RoleResolver
	guard    *tenant.Guard
	limiter  *ratelimit.Limiter
	recorder security.Recorder
	logger   *slog.Logger
	cfg      Config
}

// NewAuthority constructs an Authority. limiter may be nil.
func NewAuthority(repo RepositoryPort, resolver RoleResolver, guard *tenant.Guard, limiter *ratelimit.Limiter, recorder security.Recorder, cfg Config, logger *slog.Logger) *Authority {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.BulkConcurrency <= 0 {
		cfg.BulkConcurrency = 1
	}
	return &Authority{
		repo:     repo,
		resolver: resolver,
		guard:    guard,
		limiter:  limiter,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// CanAssign reports whether an actor holding roles may grant target.
//
// Admins grant anything. Otherwise the actor's highest role must outrank
// target, or equal it when the actor is at least a manager. Holders of the
// lowest role grant nothing.
//
// A supervisor may grant employee: the rule that any higher level assigns a
// lower one wins over the stricter "nobody below manager assigns" listing.
func CanAssign(roles rbac.RoleSet, target rbac.Role) bool {
	if !target.Valid() {
		return false
	}
	top, ok := roles.Highest()
	if !ok || top == rbac.LowestRole {
		return false
	}
	switch {
	case top == rbac.TopRole:
		return true
	case top > target:
		return true
	case top == target:
		return top >= rbac.RoleManager
	}
	return false
}

// CanAssign reports whether actor may grant role.
func (a *Authority) CanAssign(ctx context.Context, actor rbac.Principal, role rbac.Role) bool {
	return CanAssign(a.resolver.EffectiveRoles(ctx, actor), role)
}

// Catalog lists every role with whether actor may grant it.
func (a *Authority) Catalog(ctx context.Context, actor rbac.Principal) []RoleView {
	held := a.resolver.EffectiveRoles(ctx, actor)
	all := rbac.AllRoles()
	views := make([]RoleView, 0, len(all))
	for _, role := range all {
		level, _ := rbac.LevelOf(role)
		perms := rbac.DefaultPermissions(role).Sorted()
		names := make([]string, len(perms))
		for i, p := range perms {
			names[i] = string(p)
		}
		views = append(views, RoleView{
			Name:        role.String(),
			DisplayName: role.DisplayName(),
			Level:       level,
			Sensitive:   role.Sensitive(),
			Assignable:  CanAssign(held, role),
			Permissions: names,
		})
	}
	return views
}

// Assign grants req.Role to req.Target. Sensitive roles are expected to be
// confirmed by the caller beforehand; Assign does not prompt again.
func (a *Authority) Assign(ctx context.Context, actor rbac.Principal, req Request) (Outcome, error) {
	out := Outcome{Target: req.Target, Role: req.Role, State: StateRequested}

	if !a.CanAssign(ctx, actor, req.Role) {
		a.recordDenied(ctx, security.EventRoleAssignmentDenied, actor, map[string]any{
			"target": req.Target,
			"role":   req.Role.String(),
		})
		return out.fail(fmt.Errorf("%w: cannot grant %s", shared.ErrInsufficientPermissions, req.Role))
	}
	justification := strings.TrimSpace(req.Justification)
	if justification == "" {
		return out.fail(shared.ErrMissingJustification)
	}
	out.State = StateValidated

	if err := a.allow(ctx, actor); err != nil {
		return out.fail(err)
	}
	return a.submit(ctx, actor, req, justification, out)
}

// BulkAssign grants every request with a shared justification. A permission
// failure on any item aborts the batch before any write; otherwise each item
// runs independently and failures do not stop siblings.
func (a *Authority) BulkAssign(ctx context.Context, actor rbac.Principal, reqs []Request, justification string) (BulkResult, error) {
	justification = strings.TrimSpace(justification)
	if justification == "" {
		return BulkResult{}, shared.ErrMissingJustification
	}

	held := a.resolver.EffectiveRoles(ctx, actor)
	for i, req := range reqs {
		if !CanAssign(held, req.Role) {
			a.recordDenied(ctx, security.EventBulkAssignmentDenied, actor, map[string]any{
				"index":  i,
				"target": req.Target,
				"role":   req.Role.String(),
				"batch":  len(reqs),
			})
			return BulkResult{}, fmt.Errorf("%w: item %d cannot grant %s", shared.ErrInsufficientPermissions, i, req.Role)
		}
	}
	if err := a.allow(ctx, actor); err != nil {
		return BulkResult{}, err
	}

	items := make([]Outcome, len(reqs))
	var g errgroup.Group
	g.SetLimit(a.cfg.BulkConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			out := Outcome{Target: req.Target, Role: req.Role, State: StateValidated}
			items[i], _ = a.submit(ctx, actor, req, justification, out)
			return nil
		})
	}
	_ = g.Wait()

	result := BulkResult{Items: items}
	for _, item := range items {
		if item.State == StateSucceeded {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	result.Success = result.Failed == 0
	a.logger.Info("bulk role assignment",
		slog.String("actor", actor.ID),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	return result, nil
}

func (a *Authority) submit(ctx context.Context, actor rbac.Principal, req Request, justification string, out Outcome) (Outcome, error) {
	target, err := a.repo.ResolveIdentity(ctx, req.Target)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) || tenant.Classify(err) == shared.KindTargetNotFound {
			err = fmt.Errorf("%w: %s", shared.ErrTargetNotFound, req.Target)
		}
		return out.fail(err)
	}
	out.IdentityID = target.ID
	out.State = StateSubmitted

	err = a.guard.RunInOrg(ctx, target.OrgID, tenant.Operation{Name: "roles.assign"}, func(ctx context.Context, scope tenant.Scope) error {
		return a.repo.SubmitAssignment(ctx, Assignment{
			IdentityID:    target.ID,
			OrgID:         scope.OrgID,
			Role:          req.Role,
			Justification: justification,
			GrantedBy:     actor.ID,
		})
	})
	if err != nil {
		if tenant.Classify(err) == shared.KindAssignmentRejected {
			err = &shared.RejectedError{Reason: tenant.BackendReason(err), Err: err}
		}
		return out.fail(err)
	}

	a.resolver.Invalidate(target.ID)
	out.State = StateSucceeded
	return out, nil
}

func (a *Authority) allow(ctx context.Context, actor rbac.Principal) error {
	if a.limiter == nil {
		return nil
	}
	key := "assign:" + actor.ID
	return a.limiter.IsAllowed(ctx, key, a.cfg.MaxAttempts, a.cfg.Window).Err(key)
}

func (a *Authority) recordDenied(ctx context.Context, typ security.EventType, actor rbac.Principal, details map[string]any) {
	if a.recorder == nil {
		return
	}
	event := security.NewEvent(ctx, typ, false, details)
	event.UserID = actor.ID
	event.OrgID = actor.OrgID
	a.recorder.Record(ctx, event)
}

func (o Outcome) fail(err error) (Outcome, error) {
	o.State = StateFailed
	o.err = err
	o.Error = shared.Message(err)
	o.ErrorKind = string(shared.KindOf(err))
	return o, err
}
