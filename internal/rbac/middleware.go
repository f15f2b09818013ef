package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(func(granted PermissionSet) bool {
		if len(normalized) == 0 {
			return true
		}
		for _, p := range normalized {
			if granted.Has(p) {
				return true
			}
		}
		return false
	})
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(func(granted PermissionSet) bool {
		for _, p := range normalized {
			if !granted.Has(p) {
				return false
			}
		}
		return true
	})
}

// RequireRole ensures the current principal holds minRole or above.
func (m Middleware) RequireRole(minRole Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrSessionExpired)
				return
			}
			if !m.Resolver.AtLeastRole(r.Context(), p, minRole) {
				httpx.RespondError(w, shared.ErrInsufficientPermissions)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) require(check func(PermissionSet) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrSessionExpired)
				return
			}
			snap, err := m.Resolver.Resolve(r.Context(), p)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac resolve", slog.String("principal", p.ID), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusServiceUnavailable, "Access Unavailable", "permissions could not be loaded")
				return
			}
			if !check(snap.Permissions) {
				httpx.RespondError(w, shared.ErrInsufficientPermissions)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePermissions(perms []string) []Permission {
	unique := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		perm, err := NewPermission(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		unique[perm] = struct{}{}
	}
	normalized := make([]Permission, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}
