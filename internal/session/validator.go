package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-hr/internal/security"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// DefaultRefreshLead is how close to expiry a session becomes refreshable.
const DefaultRefreshLead = 5 * time.Minute

const fingerprintPrefix = "fingerprint:"

// ErrFingerprintUnverified reports that the stored baseline could not be read.
var ErrFingerprintUnverified = errors.New("session: fingerprint could not be verified")

// OrganizationResolver resolves the organization a user currently acts in.
type OrganizationResolver interface {
	CurrentOrganizationID(ctx context.Context, userID string) (string, error)
}

// Issue is one problem found while validating a session.
type Issue struct {
	Kind    shared.Kind
	Message string
}

// Validation is the result of validating a session.
type Validation struct {
	Valid         bool
	Issues        []Issue
	ShouldRefresh bool
}

// Err returns the most severe issue as an error, or nil for a valid session.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	severity := []struct {
		kind shared.Kind
		err  error
	}{
		{shared.KindSessionFingerprintMismatch, shared.ErrSessionFingerprintMismatch},
		{shared.KindUnknown, ErrFingerprintUnverified},
		{shared.KindSessionExpired, shared.ErrSessionExpired},
		{shared.KindNoOrganizationContext, shared.ErrNoOrganizationContext},
	}
	for _, s := range severity {
		if v.has(s.kind) {
			return s.err
		}
	}
	return shared.ErrSessionExpired
}

func (v Validation) has(kind shared.Kind) bool {
	for _, issue := range v.Issues {
		if issue.Kind == kind {
			return true
		}
	}
	return false
}

func (v *Validation) fail(kind shared.Kind, msg string) {
	v.Valid = false
	v.ShouldRefresh = false
	v.Issues = append(v.Issues, Issue{Kind: kind, Message: msg})
}

// ValidatorConfig wires optional collaborators of a Validator.
type ValidatorConfig struct {
	RefreshLead time.Duration
	Orgs        OrganizationResolver
	Recorder    security.Recorder
	Now         func() time.Time
}

// Validator checks expiry, fingerprint continuity and organization context.
type Validator struct {
	store       cache.Store
	provider    Provider
	orgs        OrganizationResolver
	recorder    security.Recorder
	logger      *slog.Logger
	refreshLead time.Duration
	now         func() time.Time
}

// NewValidator constructs a Validator. Fingerprint baselines live in store.
func NewValidator(store cache.Store, provider Provider, cfg ValidatorConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = DefaultRefreshLead
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Validator{
		store:       store,
		provider:    provider,
		orgs:        cfg.Orgs,
		recorder:    cfg.Recorder,
		logger:      logger,
		refreshLead: cfg.RefreshLead,
		now:         cfg.Now,
	}
}

// Remember stores the fingerprint baseline for sess, replacing any previous one.
// Login calls this so the first observation belongs to the authenticating client.
func (v *Validator) Remember(ctx context.Context, sess *Session, src FingerprintSource) error {
	if sess == nil || sess.ID == "" {
		return shared.ErrSessionExpired
	}
	signals, err := src.Probe(ctx)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, fingerprintPrefix+sess.ID, []byte(Generate(signals)), v.baselineTTL(sess))
}

// Forget removes the fingerprint baseline of sessionID.
func (v *Validator) Forget(ctx context.Context, sessionID string) error {
	return v.store.Delete(ctx, fingerprintPrefix+sessionID)
}

// Validate inspects sess. A fingerprint mismatch never yields a refreshable result.
func (v *Validator) Validate(ctx context.Context, sess *Session, src FingerprintSource) Validation {
	result := Validation{Valid: true}
	now := v.now()
	if sess == nil || sess.Expired(now) {
		result.fail(shared.KindSessionExpired, "session has expired")
		return result
	}
	if sess.ExpiresAt.Sub(now) <= v.refreshLead {
		result.ShouldRefresh = true
	}

	v.checkFingerprint(ctx, sess, src, &result)
	v.checkOrganization(ctx, sess, &result)
	return result
}

func (v *Validator) checkFingerprint(ctx context.Context, sess *Session, src FingerprintSource, result *Validation) {
	if src == nil {
		return
	}
	signals, err := src.Probe(ctx)
	if err != nil {
		v.logger.Warn("session fingerprint probe", slog.String("session", sess.ID), slog.Any("error", err))
		result.fail(shared.KindSessionFingerprintMismatch, "client fingerprint unavailable")
		return
	}
	current := []byte(Generate(signals))

	key := fingerprintPrefix + sess.ID
	stored, err := v.store.Get(ctx, key)
	if err != nil {
		v.logger.Warn("session fingerprint read", slog.String("session", sess.ID), slog.Any("error", err))
		result.fail(shared.KindUnknown, "client fingerprint could not be verified")
		return
	}
	if stored == nil {
		created, err := v.store.SetNX(ctx, key, current, v.baselineTTL(sess))
		if err != nil {
			v.logger.Warn("session fingerprint write", slog.String("session", sess.ID), slog.Any("error", err))
			return
		}
		if created {
			return
		}
		// A concurrent request seeded the baseline first; compare against it.
		if stored, err = v.store.Get(ctx, key); err != nil || stored == nil {
			v.logger.Warn("session fingerprint reread", slog.String("session", sess.ID), slog.Any("error", err))
			result.fail(shared.KindUnknown, "client fingerprint could not be verified")
			return
		}
	}
	if subtle.ConstantTimeCompare(stored, current) == 1 {
		return
	}

	result.fail(shared.KindSessionFingerprintMismatch, "client fingerprint changed during session")
	if v.recorder != nil {
		event := security.NewEvent(ctx, security.EventFingerprintMismatch, false, map[string]any{
			"session_id": sess.ID,
		})
		event.UserID = sess.UserID
		event.OrgID = sess.OrgID
		v.recorder.Record(ctx, event)
	}
}

// CheckFingerprint verifies fingerprint continuity only. It returns
// shared.ErrSessionFingerprintMismatch on a mismatch and
// ErrFingerprintUnverified when the baseline cannot be read.
func (v *Validator) CheckFingerprint(ctx context.Context, sess *Session, src FingerprintSource) error {
	if sess == nil {
		return shared.ErrSessionExpired
	}
	result := Validation{Valid: true}
	v.checkFingerprint(ctx, sess, src, &result)
	return result.Err()
}

// Revoke ends sess after a fingerprint mismatch: the stored session is
// terminated through provider when it supports it, and the baseline is dropped.
func (v *Validator) Revoke(ctx context.Context, sess *Session, provider Provider) {
	if sess == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if t, ok := provider.(Terminator); ok {
		if err := t.Terminate(ctx); err != nil {
			v.logger.Warn("session terminate", slog.String("session", sess.ID), slog.Any("error", err))
		}
	}
	if err := v.Forget(ctx, sess.ID); err != nil {
		v.logger.Warn("session fingerprint forget", slog.String("session", sess.ID), slog.Any("error", err))
	}
}

func (v *Validator) checkOrganization(ctx context.Context, sess *Session, result *Validation) {
	// Sessions without an organization belong to users still onboarding.
	if v.orgs == nil || sess.OrgID == "" {
		return
	}
	orgID, err := v.orgs.CurrentOrganizationID(ctx, sess.UserID)
	switch {
	case err != nil:
		v.logger.Warn("session organization lookup", slog.String("user", sess.UserID), slog.Any("error", err))
		result.fail(shared.KindNoOrganizationContext, "organization context could not be resolved")
	case orgID == "":
		result.fail(shared.KindNoOrganizationContext, "user has no organization")
	case orgID != sess.OrgID:
		result.fail(shared.KindNoOrganizationContext, "session organization is no longer current")
	}
}

// AutoRefresh validates sess and refreshes it through the provider when it is
// close to expiry. It returns the session to continue with.
func (v *Validator) AutoRefresh(ctx context.Context, sess *Session, src FingerprintSource) (Validation, *Session) {
	result := v.Validate(ctx, sess, src)
	if !result.Valid || !result.ShouldRefresh || v.provider == nil {
		return result, sess
	}
	refreshed, err := v.provider.Refresh(ctx)
	if err == nil && refreshed == nil {
		err = errors.New("session: provider returned no session")
	}
	if err != nil {
		v.logger.Warn("session refresh", slog.String("session", sess.ID), slog.Any("error", err))
		if v.recorder != nil {
			event := security.NewEvent(ctx, security.EventSessionRefreshFailed, false, map[string]any{
				"session_id": sess.ID,
				"error":      err.Error(),
			})
			event.UserID = sess.UserID
			event.OrgID = sess.OrgID
			v.recorder.Record(ctx, event)
		}
		result.fail(shared.KindSessionExpired, "session refresh failed")
		return result, sess
	}
	v.extendBaseline(ctx, refreshed)
	result.ShouldRefresh = false
	return result, refreshed
}

func (v *Validator) extendBaseline(ctx context.Context, sess *Session) {
	key := fingerprintPrefix + sess.ID
	stored, err := v.store.Get(ctx, key)
	if err != nil || stored == nil {
		return
	}
	if err := v.store.Set(ctx, key, stored, v.baselineTTL(sess)); err != nil {
		v.logger.Warn("session fingerprint extend", slog.String("session", sess.ID), slog.Any("error", err))
	}
}

func (v *Validator) baselineTTL(sess *Session) time.Duration {
	ttl := sess.ExpiresAt.Sub(v.now())
	if ttl <= 0 {
		return 0
	}
	// Outlive the session slightly so a refresh keeps the baseline.
	return ttl + v.refreshLead
}
