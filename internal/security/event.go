// Package security records security-relevant occurrences. Recording is best
// effort: it never blocks or fails the action that triggered the event.
package security

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// EventType names a security occurrence.
type EventType string

const (
	EventGuardedOperation      EventType = "guarded_operation"
	EventCrossOrgAccessAttempt EventType = "cross_org_access_attempt"
	EventRoleAssignmentDenied  EventType = "role_assignment_denied"
	EventBulkAssignmentDenied  EventType = "bulk_role_assignment_denied"
	EventLoginSuccess          EventType = "login_success"
	EventLoginFailure          EventType = "login_failure"
	EventLoginRateLimited      EventType = "login_rate_limited"
	EventLogout                EventType = "logout"
	EventFingerprintMismatch   EventType = "session_fingerprint_mismatch"
	EventSessionRefreshFailed  EventType = "session_refresh_failed"
)

// Event is an append-only security record.
type Event struct {
	ID        string
	Type      EventType
	Success   bool
	Details   map[string]any
	UserID    string
	OrgID     string
	At        time.Time
	RequestID string
	URL       string
	Referrer  string
	UserAgent string
	RemoteIP  string
}

// NewEvent builds an event stamped with the ambient request context of ctx.
func NewEvent(ctx context.Context, typ EventType, success bool, details map[string]any) Event {
	meta := shared.RequestMetaFromContext(ctx)
	if details == nil {
		details = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Success:   success,
		Details:   details,
		At:        time.Now().UTC(),
		RequestID: meta.RequestID,
		URL:       meta.URL,
		Referrer:  meta.Referrer,
		UserAgent: meta.UserAgent,
		RemoteIP:  meta.RemoteIP,
	}
}

// Recorder accepts events without ever returning an error to the caller.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Sink persists events; errors are only logged by the Log.
type Sink interface {
	Append(ctx context.Context, event Event) error
}
