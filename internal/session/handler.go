package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Handler exposes session validation over HTTP.
type Handler struct {
	logger    *slog.Logger
	validator *Validator
	provider  Provider
	interval  time.Duration

	mu       sync.Mutex
	watchers map[string]*Monitor

	done     context.Context
	shutdown context.CancelFunc
}

// NewHandler constructs a Handler. interval drives the watch stream monitor.
func NewHandler(logger *slog.Logger, validator *Validator, provider Provider, interval time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	done, shutdown := context.WithCancel(context.Background())
	return &Handler{
		logger:    logger,
		validator: validator,
		provider:  provider,
		interval:  interval,
		watchers:  make(map[string]*Monitor),
		done:      done,
		shutdown:  shutdown,
	}
}

// Close ends every open watch stream. The server calls it on shutdown.
func (h *Handler) Close() {
	h.shutdown()
}

// MountRoutes registers session routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/session/validate", h.handleValidate)
	r.Get("/session/watch", h.handleWatch)
	r.Post("/session/focus", h.handleFocus)
}

type validationResponse struct {
	Valid         bool      `json:"valid"`
	ShouldRefresh bool      `json:"should_refresh"`
	Issues        []string  `json:"issues"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

func toResponse(v Validation, sess *Session) validationResponse {
	resp := validationResponse{Valid: v.Valid, ShouldRefresh: v.ShouldRefresh, Issues: []string{}}
	for _, issue := range v.Issues {
		resp.Issues = append(resp.Issues, issue.Message)
	}
	if sess != nil {
		resp.ExpiresAt = sess.ExpiresAt
	}
	return resp
}

func (h *Handler) current(ctx context.Context) (*Session, error) {
	sess, err := h.provider.Current(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, shared.ErrSessionExpired
	}
	return sess, nil
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.current(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, sess := h.validator.AutoRefresh(r.Context(), sess, NewHeaderSource(r))
	if !result.Valid {
		err := result.Err()
		if errors.Is(err, shared.ErrSessionFingerprintMismatch) {
			h.validator.Revoke(r.Context(), sess, h.provider)
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(result, sess))
}

// handleWatch streams validation results as server-sent events until the
// session turns invalid or the client disconnects.
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	sess, err := h.current(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.Problem(w, http.StatusNotImplemented, "Streaming Unsupported", "")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.done, cancel)
	defer stop()
	src := NewHeaderSource(r)

	var writeMu sync.Mutex
	send := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	monitor := NewMonitor(MonitorConfig{
		Interval: h.interval,
		Logger:   h.logger,
		Check: func(ctx context.Context) Validation {
			current, err := h.provider.Current(ctx)
			if err != nil || current == nil {
				current = sess
			}
			result := h.validator.Validate(ctx, current, src)
			if result.Valid {
				send("status", toResponse(result, current))
			}
			return result
		},
		OnInvalid: func(v Validation) {
			if errors.Is(v.Err(), shared.ErrSessionFingerprintMismatch) {
				h.validator.Revoke(ctx, sess, h.provider)
			}
			send("invalid", toResponse(v, nil))
			cancel()
		},
	})

	h.register(sess.ID, monitor)
	defer h.unregister(sess.ID, monitor)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	monitor.Trigger()
	_ = monitor.Run(ctx)
}

// handleFocus triggers an immediate check on the session's watch stream.
func (h *Handler) handleFocus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.current(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.mu.Lock()
	monitor := h.watchers[sess.ID]
	h.mu.Unlock()
	if monitor != nil {
		monitor.Trigger()
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) register(id string, m *Monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers[id] = m
}

func (h *Handler) unregister(id string, m *Monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[id] == m {
		delete(h.watchers, id)
	}
}
