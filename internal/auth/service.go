package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-hr/internal/ratelimit"
	"github.com/odyssey-erp/odyssey-hr/internal/security"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// LoginPolicy bounds login attempts per email.
type LoginPolicy struct {
	MaxAttempts int
	Window      time.Duration
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	limiter  *ratelimit.Limiter
	recorder security.Recorder
	policy   LoginPolicy
	logger   *slog.Logger
}

// NewService constructs a new Service. limiter and recorder may be nil.
func NewService(repo Repository, limiter *ratelimit.Limiter, recorder security.Recorder, policy LoginPolicy, logger *slog.Logger) *Service {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.Window <= 0 {
		policy.Window = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, limiter: limiter, recorder: recorder, policy: policy, logger: logger}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func loginKey(email string) string {
	return "login:" + normalizeEmail(email)
}

// Authenticate validates email/password credentials. Attempts are throttled
// per email; a success clears the attempt history.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = normalizeEmail(email)
	key := loginKey(email)

	if s.limiter != nil {
		if wait := s.limiter.Cooldown(ctx, email); wait > 0 {
			s.record(ctx, security.EventLoginRateLimited, false, "", map[string]any{"email": email, "wait_seconds": int(wait.Seconds())})
			return nil, &shared.RateLimitError{Key: key, Wait: wait}
		}
		decision := s.limiter.IsAllowed(ctx, key, s.policy.MaxAttempts, s.policy.Window)
		if !decision.Allowed {
			if err := s.limiter.SetCooldown(ctx, email, decision.Wait); err != nil {
				s.logger.Warn("auth set cooldown", slog.Any("error", err))
			}
			s.record(ctx, security.EventLoginRateLimited, false, "", map[string]any{
				"email":         email,
				"wait_seconds":  int(decision.Wait.Seconds()),
				"backoff_level": decision.BackoffLevel,
			})
			return nil, decision.Err(key)
		}
	}

	user, err := s.verify(ctx, email, password)
	if err != nil {
		if !errors.Is(err, shared.ErrInvalidCredentials) {
			s.logger.Error("auth lookup", slog.Any("error", err))
		}
		s.record(ctx, security.EventLoginFailure, false, "", map[string]any{"email": email})
		return nil, shared.ErrInvalidCredentials
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, key); err != nil {
			s.logger.Warn("auth reset limiter", slog.Any("error", err))
		}
	}
	s.record(ctx, security.EventLoginSuccess, true, user.ID, map[string]any{"email": email})
	return user, nil
}

func (s *Service) verify(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Cooldown returns the remaining login cooldown for email.
func (s *Service) Cooldown(ctx context.Context, email string) time.Duration {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.Cooldown(ctx, normalizeEmail(email))
}

// User loads an account by id.
func (s *Service) User(ctx context.Context, id string) (*User, error) {
	return s.repo.FindByID(ctx, id)
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id, userID string, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id, userID string) error {
	s.record(ctx, security.EventLogout, true, userID, map[string]any{"session_id": id})
	return s.repo.DeleteSession(ctx, id)
}

func (s *Service) record(ctx context.Context, typ security.EventType, success bool, userID string, details map[string]any) {
	if s.recorder == nil {
		return
	}
	event := security.NewEvent(ctx, typ, success, details)
	event.UserID = userID
	s.recorder.Record(ctx, event)
}
