package tenant

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
)

// Repository implements Directory on PostgreSQL.
type Repository struct {
	db db.Querier
}

// NewRepository constructs a Repository.
func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

// CurrentOrganizationID returns the organization the user acts in, or "".
func (r *Repository) CurrentOrganizationID(ctx context.Context, userID string) (string, error) {
	var orgID *string
	err := r.db.QueryRow(ctx, `SELECT current_organization_id::text FROM users WHERE id = $1`, userID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if orgID == nil {
		return "", nil
	}
	return *orgID, nil
}

// Memberships lists organizations with an active membership for the user.
func (r *Repository) Memberships(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT organization_id::text FROM organization_members
WHERE user_id = $1 AND status = 'active'
ORDER BY organization_id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// PendingInvitation reports whether an unexpired, unaccepted invitation
// exists for the user's email.
func (r *Repository) PendingInvitation(ctx context.Context, userID string) (bool, error) {
	var pending bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM organization_invitations i
	JOIN users u ON lower(u.email) = lower(i.email)
	WHERE u.id = $1 AND i.accepted_at IS NULL AND i.expires_at > NOW()
)`, userID).Scan(&pending)
	return pending, err
}

var _ Directory = (*Repository)(nil)
