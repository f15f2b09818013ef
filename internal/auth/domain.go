package auth

import "time"

// User represents an authenticated user account.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	IsActive     bool
	// OrgID is empty while the user is onboarding.
	OrgID string
	// OnboardingCompleted is nil when the backend has not reported it.
	OnboardingCompleted *bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LoginResult is returned to the client after a successful login.
type LoginResult struct {
	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CSRFToken string    `json:"csrf_token"`
}
