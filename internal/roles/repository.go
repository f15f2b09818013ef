package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-hr/internal/platform/db"
	"github.com/odyssey-erp/odyssey-hr/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ResolveIdentity maps a user id or email to the backend user and the
// organization it belongs to: the current one, else an active membership, else
// an open invitation. OrgID is empty when none exists.
func (r *Repository) ResolveIdentity(ctx context.Context, targetRef string) (Identity, error) {
	const query = `SELECT u.id::text, COALESCE(
	u.current_organization_id::text,
	(SELECT m.organization_id::text FROM organization_members m
	  WHERE m.user_id = u.id AND m.status = 'active'
	  ORDER BY m.organization_id LIMIT 1),
	(SELECT i.organization_id::text FROM organization_invitations i
	  WHERE lower(i.email) = lower(u.email) AND i.accepted_at IS NULL AND i.expires_at > NOW()
	  ORDER BY i.expires_at DESC LIMIT 1),
	'')
FROM users u
WHERE u.deleted_at IS NULL AND `

	var (
		identity Identity
		row      pgx.Row
	)
	if parsed, parseErr := uuid.Parse(targetRef); parseErr == nil {
		row = r.pool.QueryRow(ctx, query+`u.id = $1`, parsed)
	} else {
		row = r.pool.QueryRow(ctx, query+`lower(u.email) = lower($1)`, targetRef)
	}
	err := row.Scan(&identity.ID, &identity.OrgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, shared.ErrTargetNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("roles: resolve identity: %w", err)
	}
	return identity, nil
}

// SubmitAssignment grants the role and writes the audit record in one
// transaction. Backend errors are returned unwrapped for classification.
func (r *Repository) SubmitAssignment(ctx context.Context, a Assignment) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, organization_id, role, justification, granted_by, granted_at)
VALUES ($1, $2, $3, $4, $5, NOW())`, a.IdentityID, a.OrgID, a.Role.String(), a.Justification, a.GrantedBy); err != nil {
			return err
		}
		return shared.NewAuditLogger(tx).Record(ctx, shared.AuditLog{
			ActorID:  a.GrantedBy,
			OrgID:    a.OrgID,
			Action:   "role.assign",
			Entity:   "user",
			EntityID: a.IdentityID,
			Meta: map[string]any{
				"role":          a.Role.String(),
				"justification": a.Justification,
			},
		})
	})
}

var _ RepositoryPort = (*Repository)(nil)
