package rbac

import (
	"context"
	"errors"
	"log/slog"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
)

// PGRepository reads role assignments and permission grants from PostgreSQL.
// Row-level security on these tables scopes results to the caller's organization.
type PGRepository struct {
	db     db.Querier
	logger *slog.Logger
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(q db.Querier, logger *slog.Logger) *PGRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PGRepository{db: q, logger: logger}
}

// FetchRoles returns the catalog roles assigned to principalID. Names outside
// the catalog are skipped.
func (r *PGRepository) FetchRoles(ctx context.Context, principalID string) ([]Role, error) {
	rows, err := r.db.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 AND revoked_at IS NULL ORDER BY role`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		role, err := ParseRole(name)
		if err != nil {
			if errors.Is(err, ErrUnknownRole) {
				r.logger.Warn("rbac skip unknown role", slog.String("principal", principalID), slog.String("role", name))
				continue
			}
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// FetchPermissions returns the deduplicated permission names granted to principalID.
func (r *PGRepository) FetchPermissions(ctx context.Context, principalID string) ([]Permission, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT rp.permission
FROM user_roles ur
JOIN role_permissions rp ON rp.role = ur.role AND rp.organization_id = ur.organization_id
WHERE ur.user_id = $1 AND ur.revoked_at IS NULL
ORDER BY rp.permission`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perm, err := NewPermission(name)
		if err != nil {
			continue
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

var (
	_ RoleSource       = (*PGRepository)(nil)
	_ PermissionSource = (*PGRepository)(nil)
)
