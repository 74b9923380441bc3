package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/requestctx"
	"github.com/carawoo/mereal/internal/services"
)

type adminContextKey struct{}

// AdminGuard resolves the caller's admin record and enforces route permissions before the
// handler runs. It expects RequireFirebaseAuth to have populated the identity.
type AdminGuard struct {
	admins services.AdminService
}

// NewAdminGuard constructs an AdminGuard.
func NewAdminGuard(admins services.AdminService) *AdminGuard {
	return &AdminGuard{admins: admins}
}

// Require rejects callers that are not admins or lack any of perms.
func (g *AdminGuard) Require(perms ...domain.Permission) Middleware {
	required := append([]domain.Permission(nil), perms...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, ok := requireIdentity(r)
			if !ok {
				writeUnauthenticated(ctx, w)
				return
			}
			if g == nil || g.admins == nil {
				writeUnavailable(ctx, w, "admin service")
				return
			}

			admin, isAdmin, err := g.admins.CheckAdminPermission(ctx, identity.UID)
			if err != nil {
				writeServiceError(ctx, w, err)
				return
			}
			if !isAdmin {
				httpx.WriteError(ctx, w, httpx.NewError(httpx.KindForbidden, "admin access required", http.StatusForbidden))
				return
			}
			if !services.RequirePermissions(admin, required...) {
				requestctx.Logger(ctx).Warn("admin permission denied",
					zap.String("userId", admin.UserID),
					zap.String("role", string(admin.Role)),
					zap.Any("required", required),
				)
				httpx.WriteError(ctx, w,
					httpx.NewError(httpx.KindForbidden, "missing admin permission", http.StatusForbidden).
						WithDetails(map[string]any{"required": permissionNames(required)}),
				)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, adminContextKey{}, admin)))
		})
	}
}

// adminFromContext returns the admin resolved by AdminGuard.
func adminFromContext(ctx context.Context) (services.AdminUser, bool) {
	admin, ok := ctx.Value(adminContextKey{}).(services.AdminUser)
	return admin, ok
}

func permissionNames(perms []domain.Permission) []string {
	names := make([]string, 0, len(perms))
	for _, perm := range perms {
		names = append(names, string(perm))
	}
	return names
}
