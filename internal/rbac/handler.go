package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// AccessHandler exposes the caller's effective access.
type AccessHandler struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewAccessHandler constructs an AccessHandler.
func NewAccessHandler(resolver *Resolver, logger *slog.Logger) *AccessHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessHandler{resolver: resolver, logger: logger}
}

// MountRoutes registers access routes.
func (h *AccessHandler) MountRoutes(r chi.Router) {
	r.Get("/me/access", h.handleAccess)
}

type accessResponse struct {
	UserID      string       `json:"user_id"`
	OrgID       string       `json:"org_id,omitempty"`
	Onboarding  string       `json:"onboarding"`
	Roles       []Role       `json:"roles"`
	HighestRole *Role        `json:"highest_role,omitempty"`
	Permissions []Permission `json:"permissions"`
	Origin      string       `json:"origin"`
	Sandbox     bool         `json:"sandbox"`
}

func (h *AccessHandler) handleAccess(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrSessionExpired)
		return
	}
	snap, err := h.resolver.Resolve(r.Context(), p)
	if err != nil {
		h.logger.Error("resolve access", slog.String("user_id", p.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Access Unavailable", "roles could not be loaded")
		return
	}
	resp := accessResponse{
		UserID:      p.ID,
		OrgID:       p.OrgID,
		Onboarding:  p.Onboarding.String(),
		Roles:       snap.Roles.Sorted(),
		Permissions: snap.Permissions.Sorted(),
		Origin:      string(snap.Origin),
		Sandbox:     p.Override.Active,
	}
	if top, ok := snap.Roles.Highest(); ok {
		resp.HighestRole = &top
	}
	httpx.JSON(w, http.StatusOK, resp)
}
