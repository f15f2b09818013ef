package session

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Middleware checks fingerprint continuity on every authenticated request and
// makes the request's fingerprint source available to guarded operations. A
// mismatch revokes the session and answers 401.
func (v *Validator) Middleware(provider Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			src := NewHeaderSource(r)
			ctx := ContextWithSource(r.Context(), src)

			sess, err := provider.Current(ctx)
			if err != nil || sess == nil {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if err := v.CheckFingerprint(ctx, sess, src); err != nil {
				if errors.Is(err, shared.ErrSessionFingerprintMismatch) {
					v.Revoke(ctx, sess, provider)
				}
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
