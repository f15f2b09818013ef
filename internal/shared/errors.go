package shared

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInsufficientPermissions indicates the actor's role level is too low.
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	// ErrMissingJustification indicates an empty reason on a role change.
	ErrMissingJustification = errors.New("justification required")
	// ErrTargetNotFound indicates the referenced identity does not resolve.
	ErrTargetNotFound = errors.New("target not found")
	// ErrAssignmentRejected indicates a backend business rule rejected the write.
	ErrAssignmentRejected = errors.New("assignment rejected")
	// ErrSessionExpired indicates there is no live session.
	ErrSessionExpired = errors.New("session expired")
	// ErrNoOrganizationContext indicates the principal is not bound to an organization.
	ErrNoOrganizationContext = errors.New("no organization context")
	// ErrCrossOrgAccessDenied indicates an attempt to touch another organization's data.
	ErrCrossOrgAccessDenied = errors.New("cross-organization access denied")
	// ErrRateLimited indicates the operation is throttled.
	ErrRateLimited = errors.New("rate limited")
	// ErrSessionFingerprintMismatch indicates the client signature changed mid-session.
	ErrSessionFingerprintMismatch = errors.New("session fingerprint mismatch")
)

// Kind classifies errors into the security taxonomy.
type Kind string

const (
	KindUnknown                    Kind = "unknown"
	KindInsufficientPermissions    Kind = "insufficient_permissions"
	KindMissingJustification       Kind = "missing_justification"
	KindTargetNotFound             Kind = "target_not_found"
	KindAssignmentRejected         Kind = "assignment_rejected"
	KindSessionExpired             Kind = "session_expired"
	KindNoOrganizationContext      Kind = "no_organization_context"
	KindCrossOrgAccessDenied       Kind = "cross_org_access_denied"
	KindRateLimited                Kind = "rate_limited"
	KindSessionFingerprintMismatch Kind = "session_fingerprint_mismatch"
)

var kindBySentinel = []struct {
	err  error
	kind Kind
}{
	{ErrInsufficientPermissions, KindInsufficientPermissions},
	{ErrMissingJustification, KindMissingJustification},
	{ErrTargetNotFound, KindTargetNotFound},
	{ErrNotFound, KindTargetNotFound},
	{ErrAssignmentRejected, KindAssignmentRejected},
	{ErrSessionExpired, KindSessionExpired},
	{ErrNoOrganizationContext, KindNoOrganizationContext},
	{ErrCrossOrgAccessDenied, KindCrossOrgAccessDenied},
	{ErrRateLimited, KindRateLimited},
	{ErrSessionFingerprintMismatch, KindSessionFingerprintMismatch},
}

// KindOf returns the taxonomy entry for err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, entry := range kindBySentinel {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindUnknown
}

// IsSecurityViolation reports whether the kind must force re-authentication.
func (k Kind) IsSecurityViolation() bool {
	switch k {
	case KindSessionExpired, KindCrossOrgAccessDenied, KindSessionFingerprintMismatch:
		return true
	}
	return false
}

// RateLimitError carries the remaining wait for a throttled operation.
type RateLimitError struct {
	Key  string
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry in %ds", e.WaitSeconds())
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// WaitSeconds rounds the wait up to whole seconds for display.
func (e *RateLimitError) WaitSeconds() int {
	if e == nil || e.Wait <= 0 {
		return 0
	}
	return int(math.Ceil(e.Wait.Seconds()))
}

// RejectedError carries the backend-supplied reason for a rejected write.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return ErrAssignmentRejected.Error()
	}
	return ErrAssignmentRejected.Error() + ": " + e.Reason
}

// Is lets errors.Is(err, ErrAssignmentRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrAssignmentRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Message returns the user-facing text for err. Every kind maps to a distinct message.
func Message(err error) string {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return fmt.Sprintf("Too many attempts. Please wait %d seconds before trying again.", rl.WaitSeconds())
	}
	var rej *RejectedError
	if errors.As(err, &rej) && rej.Reason != "" {
		return "The role change was rejected: " + rej.Reason
	}
	switch KindOf(err) {
	case KindInsufficientPermissions:
		return "You do not have permission to perform this action."
	case KindMissingJustification:
		return "Please provide a reason for this change."
	case KindTargetNotFound:
		return "Record not found."
	case KindAssignmentRejected:
		return "The role change was rejected."
	case KindSessionExpired:
		return "Your session has expired. Please sign in again."
	case KindNoOrganizationContext:
		return "Your account is not linked to an organization yet."
	case KindCrossOrgAccessDenied:
		return "Access to another organization's data is not allowed."
	case KindRateLimited:
		return "Too many attempts. Please try again later."
	case KindSessionFingerprintMismatch:
		return "Your session was opened from a different device. Please sign in again."
	case "":
		return ""
	}
	return "Something went wrong. Please try again."
}
