package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/repositories"
)

// AdminServiceDeps bundles collaborators required to construct the admin service.
type AdminServiceDeps struct {
	Admins repositories.AdminRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type adminService struct {
	admins repositories.AdminRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

var _ AdminService = (*adminService)(nil)

// NewAdminService constructs the admin directory service.
func NewAdminService(deps AdminServiceDeps) (AdminService, error) {
	if deps.Admins == nil {
		return nil, errors.New("admin service: admin repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &adminService{
		admins: deps.Admins,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// CheckAdminPermission resolves the admin record for userID. A user without a record is reported with
// ok == false and a nil error.
func (s *adminService) CheckAdminPermission(ctx context.Context, userID string) (AdminUser, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return AdminUser{}, false, nil
	}
	admin, err := s.admins.FindByUserID(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return AdminUser{}, false, nil
		}
		return AdminUser{}, false, mapRepositoryError("admin.get", err)
	}
	return admin, true, nil
}

// RequirePermissions reports whether admin holds every required permission.
func RequirePermissions(admin AdminUser, required ...Permission) bool {
	for _, permission := range required {
		if !slices.Contains(admin.Permissions, permission) {
			return false
		}
	}
	return true
}

func (s *adminService) ListAdmins(ctx context.Context) ([]AdminUser, error) {
	admins, err := s.admins.List(ctx)
	if err != nil {
		return nil, mapRepositoryError("admin.list", err)
	}
	return admins, nil
}

func (s *adminService) UpsertAdmin(ctx context.Context, cmd UpsertAdminCommand) (AdminUser, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return AdminUser{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !cmd.Role.Valid() {
		return AdminUser{}, fmt.Errorf("%w: unknown role %q", ErrValidation, cmd.Role)
	}
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return AdminUser{}, fmt.Errorf("%w: invalid email %q", ErrValidation, cmd.Email)
		}
	}

	permissions, err := normalisePermissions(cmd.Role, cmd.Permissions)
	if err != nil {
		return AdminUser{}, err
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor == userID && !slices.Contains(permissions, domain.PermissionManageAdmins) {
		return AdminUser{}, fmt.Errorf("%w: admins cannot remove their own manage_admins permission", ErrValidation)
	}

	now := s.clock()
	saved, err := s.admins.Upsert(ctx, AdminUser{
		UserID:      userID,
		Email:       email,
		Role:        cmd.Role,
		Permissions: permissions,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return AdminUser{}, mapRepositoryError("admin.upsert", err)
	}
	s.logger(ctx, "admin.upserted", map[string]any{
		"userId":      userID,
		"role":        string(cmd.Role),
		"permissions": len(permissions),
		"actorId":     strings.TrimSpace(cmd.ActorID),
	})
	return saved, nil
}

func (s *adminService) RevokeAdmin(ctx context.Context, cmd RevokeAdminCommand) error {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if strings.TrimSpace(cmd.ActorID) == userID {
		return fmt.Errorf("%w: admins cannot revoke themselves", ErrValidation)
	}
	if err := s.admins.Delete(ctx, userID); err != nil {
		return mapRepositoryError("admin.delete", err)
	}
	s.logger(ctx, "admin.revoked", map[string]any{
		"userId":  userID,
		"actorId": strings.TrimSpace(cmd.ActorID),
	})
	return nil
}

// normalisePermissions validates, de-duplicates and orders permissions; an empty set falls back to the role defaults.
func normalisePermissions(role AdminRole, requested []Permission) ([]Permission, error) {
	if len(requested) == 0 {
		return domain.DefaultPermissions(role), nil
	}
	seen := make(map[Permission]struct{}, len(requested))
	for _, raw := range requested {
		permission := Permission(strings.ToLower(strings.TrimSpace(string(raw))))
		if !slices.Contains(domain.KnownPermissions, permission) {
			return nil, fmt.Errorf("%w: unknown permission %q", ErrValidation, raw)
		}
		seen[permission] = struct{}{}
	}
	out := make([]Permission, 0, len(seen))
	for _, permission := range domain.KnownPermissions {
		if _, ok := seen[permission]; ok {
			out = append(out, permission)
		}
	}
	return out, nil
}
