package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// DirectoryRepository reads the tenant/user/role mirror kept in sync with the
// identity service.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// TenantOwner returns the owner's user id.
func (r *DirectoryRepository) TenantOwner(ctx context.Context, tenantID string) (string, error) {
	var owner string
	err := r.db.QueryRow(ctx, `SELECT owner_id FROM directory_tenants WHERE id = $1`, tenantID).Scan(&owner)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", errors.NotFound("tenant", tenantID)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to get tenant owner")
	}
	return owner, nil
}

// UserRoles returns the roles the user holds within a tenant.
func (r *DirectoryRepository) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	return r.column(ctx, `
		SELECT role_id FROM directory_role_members
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY role_id
	`, tenantID, userID)
}

// RoleMembers returns the users holding a role within a tenant.
func (r *DirectoryRepository) RoleMembers(ctx context.Context, tenantID, roleID string) ([]string, error) {
	return r.column(ctx, `
		SELECT user_id FROM directory_role_members
		WHERE tenant_id = $1 AND role_id = $2
		ORDER BY user_id
	`, tenantID, roleID)
}

// UserFullName returns the display name, or an empty string for users the
// directory has never seen.
func (r *DirectoryRepository) UserFullName(ctx context.Context, userID string) (string, error) {
	var name string
	err := r.db.QueryRow(ctx, `SELECT full_name FROM directory_users WHERE id = $1`, userID).Scan(&name)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to get user name")
	}
	return name, nil
}

// IsTenantMember reports whether the user belongs to the tenant.
func (r *DirectoryRepository) IsTenantMember(ctx context.Context, tenantID, userID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM directory_tenant_members WHERE tenant_id = $1 AND user_id = $2
		) OR EXISTS (
			SELECT 1 FROM directory_tenants WHERE id = $1 AND owner_id = $2
		)
	`, tenantID, userID).Scan(&ok)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check tenant membership")
	}
	return ok, nil
}

// SyncTenant replaces the tenant's members and role assignments with the
// snapshot. User names are upserted and never deleted.
func (r *DirectoryRepository) SyncTenant(ctx context.Context, snap *TenantSnapshot) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		upsertUser := `
			INSERT INTO directory_users (id, full_name) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET full_name = EXCLUDED.full_name
		`
		ownerName := ""
		for _, m := range snap.Members {
			if m.UserID == snap.Tenant.OwnerID {
				ownerName = m.FullName
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO directory_users (id, full_name) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, snap.Tenant.OwnerID, ownerName); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert tenant owner")
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO directory_tenants (id, name, owner_id) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, owner_id = EXCLUDED.owner_id
		`, snap.Tenant.ID, snap.Tenant.Name, snap.Tenant.OwnerID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert tenant")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM directory_role_members WHERE tenant_id = $1`, snap.Tenant.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear role members")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM directory_tenant_members WHERE tenant_id = $1`, snap.Tenant.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear tenant members")
		}

		for _, m := range snap.Members {
			if _, err := tx.Exec(ctx, upsertUser, m.UserID, m.FullName); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert user")
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO directory_tenant_members (tenant_id, user_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, snap.Tenant.ID, m.UserID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert tenant member")
			}
			for _, role := range dedupe(m.RoleIDs) {
				if _, err := tx.Exec(ctx, `
					INSERT INTO directory_role_members (tenant_id, role_id, user_id) VALUES ($1, $2, $3)
				`, snap.Tenant.ID, role, m.UserID); err != nil {
					return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert role member")
				}
			}
		}
		return nil
	})
}

func (r *DirectoryRepository) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query directory")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan directory row")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
