package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	domain "github.com/carawoo/mereal/internal/domain"
	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/repositories"
)

const adminColumns = `user_id, email, role, permissions, created_at, updated_at`

// AdminRepository reads and writes the admins table.
type AdminRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.AdminRepository = (*AdminRepository)(nil)

// NewAdminRepository constructs a Postgres-backed admin repository.
func NewAdminRepository(provider *ppostgres.Provider) (*AdminRepository, error) {
	if provider == nil {
		return nil, errors.New("admin repository requires postgres provider")
	}
	return &AdminRepository{provider: provider}, nil
}

func (r *AdminRepository) FindByUserID(ctx context.Context, userID string) (domain.AdminUser, error) {
	q, err := querier(ctx, r.provider, "admins.get")
	if err != nil {
		return domain.AdminUser{}, err
	}
	admin, err := scanAdmin(q.QueryRow(ctx, `SELECT `+adminColumns+` FROM admins WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AdminUser{}, ppostgres.NotFound("admins.get", "admin %s not found", userID)
	}
	if err != nil {
		return domain.AdminUser{}, ppostgres.WrapError("admins.get", err)
	}
	return admin, nil
}

// Upsert inserts the admin or replaces its role and permissions, keeping the original created_at.
func (r *AdminRepository) Upsert(ctx context.Context, admin domain.AdminUser) (domain.AdminUser, error) {
	q, err := querier(ctx, r.provider, "admins.upsert")
	if err != nil {
		return domain.AdminUser{}, err
	}
	saved, err := scanAdmin(q.QueryRow(ctx, `INSERT INTO admins (`+adminColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			permissions = EXCLUDED.permissions,
			updated_at = EXCLUDED.updated_at
		RETURNING `+adminColumns,
		admin.UserID,
		admin.Email,
		string(admin.Role),
		permissionStrings(admin.Permissions),
		admin.CreatedAt,
		admin.UpdatedAt,
	))
	if err != nil {
		return domain.AdminUser{}, ppostgres.WrapError("admins.upsert", err)
	}
	return saved, nil
}

func (r *AdminRepository) Delete(ctx context.Context, userID string) error {
	q, err := querier(ctx, r.provider, "admins.delete")
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `DELETE FROM admins WHERE user_id = $1`, userID)
	if err != nil {
		return ppostgres.WrapError("admins.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return ppostgres.NotFound("admins.delete", "admin %s not found", userID)
	}
	return nil
}

func (r *AdminRepository) List(ctx context.Context) ([]domain.AdminUser, error) {
	q, err := querier(ctx, r.provider, "admins.list")
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT `+adminColumns+` FROM admins ORDER BY created_at, user_id`)
	if err != nil {
		return nil, ppostgres.WrapError("admins.list", err)
	}
	defer rows.Close()

	admins := []domain.AdminUser{}
	for rows.Next() {
		admin, err := scanAdmin(rows)
		if err != nil {
			return nil, ppostgres.WrapError("admins.list.scan", err)
		}
		admins = append(admins, admin)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("admins.list", err)
	}
	return admins, nil
}

func scanAdmin(row pgx.Row) (domain.AdminUser, error) {
	var (
		admin       domain.AdminUser
		role        string
		permissions []string
	)
	if err := row.Scan(&admin.UserID, &admin.Email, &role, &permissions, &admin.CreatedAt, &admin.UpdatedAt); err != nil {
		return domain.AdminUser{}, err
	}
	admin.Role = domain.AdminRole(role)
	admin.Permissions = make([]domain.Permission, 0, len(permissions))
	for _, p := range permissions {
		admin.Permissions = append(admin.Permissions, domain.Permission(p))
	}
	admin.CreatedAt = admin.CreatedAt.UTC()
	admin.UpdatedAt = admin.UpdatedAt.UTC()
	return admin, nil
}

func permissionStrings(perms []domain.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	return out
}
