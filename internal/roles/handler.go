package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/rbac"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// maxBulkItems caps a bulk assignment request.
const maxBulkItems = 200

const (
	// IdempotencyHeader optionally de-duplicates bulk submissions.
	IdempotencyHeader = "Idempotency-Key"
	idempotencyModule = "roles.bulk_assign"
)

// IdempotencyKeys claims request keys. shared.IdempotencyStore satisfies it.
type IdempotencyKeys interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Release(ctx context.Context, key, module string) error
}

// Handler manages role endpoints.
type Handler struct {
	logger    *slog.Logger
	authority *Authority
	rbac      rbac.Middleware
	keys      IdempotencyKeys
	validator *validator.Validate
}

// NewHandler builds Handler instance. keys may be nil, which disables
// Idempotency-Key handling.
func NewHandler(logger *slog.Logger, authority *Authority, rbac rbac.Middleware, keys IdempotencyKeys) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, authority: authority, rbac: rbac, keys: keys, validator: validator.New()}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/roles", h.listRoles)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(string(rbac.PermManageRoles)))
		r.Post("/roles/assignments", h.assign)
		r.Post("/roles/assignments/bulk", h.bulkAssign)
	})
}

type bulkItem struct {
	Target    string    `json:"target" validate:"required,max=320"`
	Role      rbac.Role `json:"role" validate:"required"`
	Confirmed bool      `json:"confirmed"`
}

type bulkRequest struct {
	Items         []bulkItem `json:"items" validate:"required,min=1,dive"`
	Justification string     `json:"justification" validate:"max=1000"`
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (rbac.Principal, bool) {
	p, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrSessionExpired)
	}
	return p, ok
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": h.authority.Catalog(r.Context(), p)})
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if req.Role.Sensitive() && !req.Confirmed {
		httpx.Problem(w, http.StatusPreconditionRequired, "Confirmation Required",
			fmt.Sprintf("granting %s requires explicit confirmation", req.Role.DisplayName()))
		return
	}

	out, err := h.authority.Assign(r.Context(), p, req)
	if err != nil {
		h.logger.Info("role assignment failed",
			slog.String("actor", p.ID),
			slog.String("target", req.Target),
			slog.String("role", req.Role.String()),
			slog.Any("error", err),
		)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) bulkAssign(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	var body bulkRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if len(body.Items) > maxBulkItems {
		httpx.RespondError(w, fmt.Errorf("%w: at most %d items", httpx.ErrValidation, maxBulkItems))
		return
	}

	reqs := make([]Request, len(body.Items))
	for i, item := range body.Items {
		if item.Role.Sensitive() && !item.Confirmed {
			httpx.Problem(w, http.StatusPreconditionRequired, "Confirmation Required",
				fmt.Sprintf("item %d grants %s and requires explicit confirmation", i, item.Role.DisplayName()))
			return
		}
		reqs[i] = Request{Target: item.Target, Role: item.Role, Justification: body.Justification, Confirmed: item.Confirmed}
	}

	key := r.Header.Get(IdempotencyHeader)
	if key != "" && h.keys != nil {
		key = p.ID + ":" + key
		if err := h.keys.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "this "+IdempotencyHeader+" was already processed")
				return
			}
			h.logger.Error("claim idempotency key", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
			return
		}
	}

	result, err := h.authority.BulkAssign(r.Context(), p, reqs, body.Justification)
	if err != nil {
		// Aborted batches wrote nothing, so the key may be reused.
		if key != "" && h.keys != nil {
			if relErr := h.keys.Release(r.Context(), key, idempotencyModule); relErr != nil {
				h.logger.Warn("release idempotency key", slog.Any("error", relErr))
			}
		}
		httpx.RespondError(w, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, result)
}
