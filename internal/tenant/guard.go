// Package tenant enforces organization isolation around data operations.
package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/security"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Directory answers organization membership questions for a user.
type Directory interface {
	CurrentOrganizationID(ctx context.Context, userID string) (string, error)
	Memberships(ctx context.Context, userID string) ([]string, error)
	PendingInvitation(ctx context.Context, userID string) (bool, error)
}

// CrossOrgAttempt describes a blocked access to another organization.
type CrossOrgAttempt struct {
	UserID      string    `json:"user_id"`
	OrgID       string    `json:"org_id"`
	TargetOrgID string    `json:"target_org_id"`
	Operation   string    `json:"operation"`
	RequestID   string    `json:"request_id,omitempty"`
	At          time.Time `json:"at"`
}

// AuditEnqueuer schedules the server-side audit write for a cross-org attempt.
type AuditEnqueuer interface {
	EnqueueCrossOrgAudit(ctx context.Context, attempt CrossOrgAttempt) error
}

// Operation names a guarded operation.
type Operation struct {
	Name string
	// AllowOnboarding exempts the operation from requiring an organization.
	AllowOnboarding bool
}

// Scope is the verified tenant context handed to a guarded operation.
type Scope struct {
	UserID string
	OrgID  string
}

type scopeKey struct{}

// ScopeFromContext returns the scope of the enclosing guarded operation.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok
}

// FingerprintChecker verifies that a session is still used by the client that
// opened it.
type FingerprintChecker interface {
	CheckFingerprint(ctx context.Context, sess *session.Session, src session.FingerprintSource) error
}

// Guard wraps operations with session and organization checks and records
// exactly one security event per run.
type Guard struct {
	sessions  session.Provider
	directory Directory
	recorder  security.Recorder
	audit     AuditEnqueuer
	prints    FingerprintChecker
	logger    *slog.Logger
	now       func() time.Time
}

// NewGuard constructs a Guard. audit may be nil.
func NewGuard(sessions session.Provider, directory Directory, recorder security.Recorder, audit AuditEnqueuer, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		sessions:  sessions,
		directory: directory,
		recorder:  recorder,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
}

// UseFingerprints makes every guarded call reject sessions whose client
// fingerprint no longer matches. Calls without a fingerprint source in their
// context, such as background work, are not checked.
func (g *Guard) UseFingerprints(checker FingerprintChecker) {
	g.prints = checker
}

// Run executes fn after verifying the session and organization binding. Errors
// from fn are classified and logged, then returned unchanged.
func (g *Guard) Run(ctx context.Context, op Operation, fn func(ctx context.Context, scope Scope) error) error {
	scope, stage, err := g.verify(ctx, op)
	if err == nil {
		stage = "operation"
		err = fn(context.WithValue(ctx, scopeKey{}, scope), scope)
	}
	g.finish(ctx, op, scope, stage, err)
	return err
}

// RunInOrg runs fn only when targetOrgID is the caller's organization.
func (g *Guard) RunInOrg(ctx context.Context, targetOrgID string, op Operation, fn func(ctx context.Context, scope Scope) error) error {
	if err := g.DetectCrossOrgAccess(ctx, targetOrgID, op.Name); err != nil {
		return err
	}
	return g.Run(ctx, op, fn)
}

// DetectCrossOrgAccess fails with shared.ErrCrossOrgAccessDenied when the
// caller's organization differs from targetOrgID. A caller whose
// organization cannot be resolved is denied as well.
func (g *Guard) DetectCrossOrgAccess(ctx context.Context, targetOrgID, operation string) error {
	sess, err := g.liveSession(ctx)
	if err != nil {
		return err
	}
	orgID := sess.OrgID
	if g.directory != nil {
		resolved, err := g.directory.CurrentOrganizationID(ctx, sess.UserID)
		if err != nil {
			g.logger.Warn("tenant resolve organization", slog.String("user", sess.UserID), slog.Any("error", err))
			orgID = ""
		} else {
			orgID = resolved
		}
	}
	if orgID != "" && orgID == targetOrgID {
		return nil
	}

	attempt := CrossOrgAttempt{
		UserID:      sess.UserID,
		OrgID:       orgID,
		TargetOrgID: targetOrgID,
		Operation:   operation,
		RequestID:   shared.RequestMetaFromContext(ctx).RequestID,
		At:          g.now().UTC(),
	}
	g.logger.Warn("cross-organization access blocked",
		slog.String("user", attempt.UserID),
		slog.String("org", attempt.OrgID),
		slog.String("target_org", attempt.TargetOrgID),
		slog.String("operation", operation),
	)
	g.record(ctx, security.EventCrossOrgAccessAttempt, false, sess.UserID, orgID, map[string]any{
		"operation":     operation,
		"target_org_id": targetOrgID,
	})
	if g.audit != nil {
		if err := g.audit.EnqueueCrossOrgAudit(context.WithoutCancel(ctx), attempt); err != nil {
			g.logger.Error("enqueue cross-org audit", slog.Any("error", err))
		}
	}
	return fmt.Errorf("%w: organization %q", shared.ErrCrossOrgAccessDenied, targetOrgID)
}

func (g *Guard) liveSession(ctx context.Context) (*session.Session, error) {
	if g.sessions == nil {
		return nil, shared.ErrSessionExpired
	}
	sess, err := g.sessions.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrSessionExpired, err)
	}
	if sess == nil || sess.UserID == "" || sess.Expired(g.now()) {
		return nil, shared.ErrSessionExpired
	}
	if g.prints != nil {
		if src, ok := session.SourceFromContext(ctx); ok {
			if err := g.prints.CheckFingerprint(ctx, sess, src); err != nil {
				return nil, err
			}
		}
	}
	return sess, nil
}

func (g *Guard) verify(ctx context.Context, op Operation) (Scope, string, error) {
	sess, err := g.liveSession(ctx)
	if err != nil {
		return Scope{}, "session", err
	}
	scope := Scope{UserID: sess.UserID}
	if g.directory == nil {
		scope.OrgID = sess.OrgID
		// Invitations cannot be checked without a directory.
		if scope.OrgID == "" {
			return scope, "organization", shared.ErrNoOrganizationContext
		}
		return scope, "", nil
	}

	orgID, err := g.directory.CurrentOrganizationID(ctx, sess.UserID)
	if err != nil {
		return scope, "organization", fmt.Errorf("%w: %w", shared.ErrNoOrganizationContext, err)
	}
	if orgID == "" && !op.AllowOnboarding {
		return scope, "organization", shared.ErrNoOrganizationContext
	}
	scope.OrgID = orgID

	if err := g.checkIsolation(ctx, sess, orgID); err != nil {
		return scope, "isolation", err
	}
	return scope, "", nil
}

// checkIsolation requires the user to belong to exactly one organization and
// for it to be orgID. Users without an organization pass only while they hold
// an open invitation.
func (g *Guard) checkIsolation(ctx context.Context, sess *session.Session, orgID string) error {
	if orgID == "" {
		pending, err := g.directory.PendingInvitation(ctx, sess.UserID)
		if err != nil {
			return fmt.Errorf("%w: %w", shared.ErrNoOrganizationContext, err)
		}
		if pending {
			return nil
		}
		return shared.ErrNoOrganizationContext
	}
	memberships, err := g.directory.Memberships(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrNoOrganizationContext, err)
	}
	if !slices.Contains(memberships, orgID) {
		return fmt.Errorf("%w: not a member of %q", shared.ErrCrossOrgAccessDenied, orgID)
	}
	if len(memberships) != 1 {
		return fmt.Errorf("%w: ambiguous organization membership", shared.ErrNoOrganizationContext)
	}
	if sess.OrgID != "" && sess.OrgID != orgID {
		return fmt.Errorf("%w: session bound to %q", shared.ErrCrossOrgAccessDenied, sess.OrgID)
	}
	return nil
}

func (g *Guard) finish(ctx context.Context, op Operation, scope Scope, stage string, err error) {
	details := map[string]any{"operation": op.Name}
	if err != nil {
		kind := Classify(err)
		details["stage"] = stage
		details["error_kind"] = string(kind)
		details["error"] = err.Error()
		g.logger.Warn("guarded operation failed",
			slog.String("operation", op.Name),
			slog.String("stage", stage),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
	g.record(ctx, security.EventGuardedOperation, err == nil, scope.UserID, scope.OrgID, details)
}

func (g *Guard) record(ctx context.Context, typ security.EventType, success bool, userID, orgID string, details map[string]any) {
	if g.recorder == nil {
		return
	}
	event := security.NewEvent(ctx, typ, success, details)
	event.UserID = userID
	event.OrgID = orgID
	g.recorder.Record(ctx, event)
}
