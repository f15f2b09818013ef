package tenant

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// PostgreSQL SQLSTATE codes with a security meaning.
const (
	codeInsufficientPrivilege = "42501"
	codeUniqueViolation       = "23505"
	codeCheckViolation        = "23514"
	codeRaiseException        = "P0001"
	codeInvalidAuthorization  = "28000"
	codeInvalidPassword       = "28P01"
)

// Classify maps err to the security taxonomy. Unrecognised errors yield
// shared.KindUnknown; nil yields "".
func Classify(err error) shared.Kind {
	if err == nil {
		return ""
	}
	if kind := shared.KindOf(err); kind != shared.KindUnknown {
		return kind
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return shared.KindTargetNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeInsufficientPrivilege:
			return shared.KindInsufficientPermissions
		case codeUniqueViolation, codeCheckViolation, codeRaiseException:
			return shared.KindAssignmentRejected
		case codeInvalidAuthorization, codeInvalidPassword:
			return shared.KindSessionExpired
		}
	}
	return shared.KindUnknown
}

// BackendReason extracts the human-readable reason a backend gave for
// rejecting a write.
func BackendReason(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Detail != "" {
			return pgErr.Detail
		}
		return pgErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
