package auth

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/session"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	fingerprints   *session.Validator
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance. fingerprints may be nil.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, csrf *shared.CSRFManager, fingerprints *session.Validator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		csrfManager:    csrf,
		fingerprints:   fingerprints,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/cooldown", h.handleCooldown)
	r.Get("/csrf", h.handleCSRF)
}

type loginForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var form loginForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validator.Struct(form); err != nil {
		fields := make(map[string]string)
		for _, fieldErr := range err.(validator.ValidationErrors) {
			fields[fieldErr.Field()] = fieldErr.Tag()
		}
		httpx.JSON(w, http.StatusBadRequest, map[string]any{
			"title":  "Validation Failed",
			"status": http.StatusBadRequest,
			"fields": fields,
		})
		return
	}

	user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	if err := h.sessionManager.Rotate(r.Context(), sess); err != nil {
		h.logger.Error("rotate session", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	sess.SetUser(user.ID)
	sess.SetOrganization(user.OrgID)
	token, _ := h.csrfManager.RotateToken(r.Context(), sess)

	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, sess.ExpiresAt(), r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	if h.fingerprints != nil {
		baseline := &session.Session{ID: sess.ID, UserID: user.ID, OrgID: user.OrgID, ExpiresAt: sess.ExpiresAt()}
		if err := h.fingerprints.Remember(r.Context(), baseline, session.NewHeaderSource(r)); err != nil {
			h.logger.Warn("record session fingerprint", slog.Any("error", err))
		}
	}

	httpx.JSON(w, http.StatusOK, LoginResult{
		UserID:    user.ID,
		OrgID:     user.OrgID,
		ExpiresAt: sess.ExpiresAt(),
		CSRFToken: token,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess.Authenticated() {
		if err := h.service.RemoveSession(r.Context(), sess.ID, sess.User()); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		if h.fingerprints != nil {
			if err := h.fingerprints.Forget(r.Context(), sess.ID); err != nil {
				h.logger.Warn("forget session fingerprint", slog.Any("error", err))
			}
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCooldown(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		httpx.RespondError(w, fmt.Errorf("%w: email is required", httpx.ErrValidation))
		return
	}
	remaining := h.service.Cooldown(r.Context(), email)
	httpx.JSON(w, http.StatusOK, map[string]int{
		"remaining_seconds": int(math.Ceil(remaining.Seconds())),
	})
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if !sess.Authenticated() {
		httpx.RespondError(w, shared.ErrSessionExpired)
		return
	}
	token, err := h.csrfManager.EnsureToken(r.Context(), sess)
	if err != nil {
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}
