package session

import (
	"context"
	"time"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Session is the provider-neutral view of a live session.
type Session struct {
	ID        string
	UserID    string
	OrgID     string
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || s.ExpiresAt.IsZero() || !now.Before(s.ExpiresAt)
}

// Provider exposes the current session of the caller.
type Provider interface {
	// Current returns nil, nil when there is no authenticated session.
	Current(ctx context.Context) (*Session, error)
	Refresh(ctx context.Context) (*Session, error)
}

// Terminator is implemented by providers that can end the caller's session
// immediately.
type Terminator interface {
	Terminate(ctx context.Context) error
}

// ContextProvider serves the request-scoped session stored by the HTTP
// session middleware.
type ContextProvider struct {
	Manager *shared.SessionManager
}

// Current returns the authenticated session in ctx.
func (p ContextProvider) Current(ctx context.Context) (*Session, error) {
	sess := shared.SessionFromContext(ctx)
	if !sess.Authenticated() {
		return nil, nil
	}
	return fromShared(sess), nil
}

// Refresh extends the session in ctx.
func (p ContextProvider) Refresh(ctx context.Context) (*Session, error) {
	sess := shared.SessionFromContext(ctx)
	if !sess.Authenticated() || p.Manager == nil {
		return nil, shared.ErrSessionExpired
	}
	refreshed, err := p.Manager.Refresh(ctx, sess)
	if err != nil {
		return nil, err
	}
	return fromShared(refreshed), nil
}

// Terminate deletes the session in ctx from the store right away, so a
// response that already committed its headers cannot keep it alive.
func (p ContextProvider) Terminate(ctx context.Context) error {
	sess := shared.SessionFromContext(ctx)
	if sess == nil || p.Manager == nil {
		return nil
	}
	return p.Manager.Revoke(ctx, sess)
}

type sourceKey struct{}

// ContextWithSource stores the fingerprint source of the current request.
func ContextWithSource(ctx context.Context, src FingerprintSource) context.Context {
	return context.WithValue(ctx, sourceKey{}, src)
}

// SourceFromContext returns the fingerprint source of the current request.
func SourceFromContext(ctx context.Context) (FingerprintSource, bool) {
	src, ok := ctx.Value(sourceKey{}).(FingerprintSource)
	return src, ok && src != nil
}

func fromShared(sess *shared.Session) *Session {
	return &Session{
		ID:        sess.ID,
		UserID:    sess.User(),
		OrgID:     sess.Organization(),
		ExpiresAt: sess.ExpiresAt(),
	}
}

var (
	_ Provider   = ContextProvider{}
	_ Terminator = ContextProvider{}
)
