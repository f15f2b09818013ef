// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Sentinel errors for domain layer.
var (
	ErrValidation = errors.New("validation failed")
)

// ReauthDelaySeconds is how long clients show a security message before
// redirecting to re-authentication.
const ReauthDelaySeconds = 3

// ReauthHeader carries the redirect delay on security violations.
const ReauthHeader = "X-Reauth-After"

var statusByKind = map[shared.Kind]struct {
	status int
	title  string
}{
	shared.KindInsufficientPermissions:    {http.StatusForbidden, "Insufficient Permissions"},
	shared.KindMissingJustification:       {http.StatusBadRequest, "Missing Justification"},
	shared.KindTargetNotFound:             {http.StatusNotFound, "Not Found"},
	shared.KindAssignmentRejected:         {http.StatusConflict, "Assignment Rejected"},
	shared.KindSessionExpired:             {http.StatusUnauthorized, "Session Expired"},
	shared.KindNoOrganizationContext:      {http.StatusPreconditionFailed, "No Organization Context"},
	shared.KindCrossOrgAccessDenied:       {http.StatusForbidden, "Cross-Organization Access Denied"},
	shared.KindRateLimited:                {http.StatusTooManyRequests, "Rate Limited"},
	shared.KindSessionFingerprintMismatch: {http.StatusUnauthorized, "Session Fingerprint Mismatch"},
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrValidation) {
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if errors.Is(err, shared.ErrInvalidCredentials) {
		Problem(w, http.StatusUnauthorized, "Invalid Credentials", "email or password is incorrect")
		return
	}
	if errors.Is(err, shared.ErrCSRFTokenMissing) || errors.Is(err, shared.ErrCSRFTokenMismatch) {
		Problem(w, http.StatusForbidden, "CSRF Validation Failed", "missing or invalid "+shared.CSRFHeader+" header")
		return
	}
	kind := shared.KindOf(err)
	entry, ok := statusByKind[kind]
	if !ok {
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	var rl *shared.RateLimitError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", strconv.Itoa(rl.WaitSeconds()))
	}
	if kind.IsSecurityViolation() {
		w.Header().Set(ReauthHeader, strconv.Itoa(ReauthDelaySeconds))
	}
	JSON(w, entry.status, ProblemDetail{
		Type:   string(kind),
		Title:  entry.title,
		Status: entry.status,
		Detail: shared.Message(err),
	})
}
