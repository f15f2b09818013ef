package shared

import (
	"context"
	"net/http"
)

type sessionContextKey struct{}

type requestMetaContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// RequestMeta is the ambient request information attached to security events.
type RequestMeta struct {
	RequestID string
	URL       string
	Referrer  string
	UserAgent string
	RemoteIP  string
}

// RequestMetaFrom captures ambient fields from an inbound request.
func RequestMetaFrom(r *http.Request, requestID string) RequestMeta {
	return RequestMeta{
		RequestID: requestID,
		URL:       r.URL.String(),
		Referrer:  r.Referer(),
		UserAgent: r.UserAgent(),
		RemoteIP:  r.RemoteAddr,
	}
}

// ContextWithRequestMeta stores request metadata in context.
func ContextWithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaContextKey{}, meta)
}

// RequestMetaFromContext returns the stored request metadata, or the zero value.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaContextKey{}).(RequestMeta)
	return meta
}
