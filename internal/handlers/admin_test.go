package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/services"
)

type stubAdminService struct {
	admins    map[string]services.AdminUser
	checkErr  error
	upsertFn  func(context.Context, services.UpsertAdminCommand) (services.AdminUser, error)
	revokeFn  func(context.Context, services.RevokeAdminCommand) error
	checkCall int
}

func (s *stubAdminService) CheckAdminPermission(_ context.Context, userID string) (services.AdminUser, bool, error) {
	s.checkCall++
	if s.checkErr != nil {
		return services.AdminUser{}, false, s.checkErr
	}
	admin, ok := s.admins[userID]
	return admin, ok, nil
}

func (s *stubAdminService) ListAdmins(context.Context) ([]services.AdminUser, error) {
	out := make([]services.AdminUser, 0, len(s.admins))
	for _, admin := range s.admins {
		out = append(out, admin)
	}
	return out, nil
}

func (s *stubAdminService) UpsertAdmin(ctx context.Context, cmd services.UpsertAdminCommand) (services.AdminUser, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cmd)
	}
	return services.AdminUser{}, errors.New("not implemented")
}

func (s *stubAdminService) RevokeAdmin(ctx context.Context, cmd services.RevokeAdminCommand) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func newAdminFixture() *stubAdminService {
	return &stubAdminService{admins: map[string]services.AdminUser{
		"admin-1": {UserID: "admin-1", Role: domain.AdminRoleAdmin, Permissions: domain.DefaultPermissions(domain.AdminRoleAdmin)},
		"super-1": {UserID: "super-1", Role: domain.AdminRoleSuperAdmin, Permissions: domain.DefaultPermissions(domain.AdminRoleSuperAdmin)},
	}}
}

func newAdminRouter(orders services.OrderService, admins services.AdminService) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminHandlers(nil, NewAdminGuard(admins), orders, admins).Routes)
	return router
}

func TestAdminGuardRejectsBeforeServiceAccess(t *testing.T) {
	orders := &stubOrderService{}
	admins := newAdminFixture()
	router := newAdminRouter(orders, admins)

	cases := []struct {
		name   string
		user   string
		method string
		path   string
		status int
	}{
		{"customer lists orders", "user-1", http.MethodGet, "/admin/orders", http.StatusForbidden},
		{"customer reads stats", "user-1", http.MethodGet, "/admin/stats", http.StatusForbidden},
		{"admin without analytics", "admin-1", http.MethodGet, "/admin/stats", http.StatusForbidden},
		{"admin without manage_admins", "admin-1", http.MethodGet, "/admin/admins", http.StatusForbidden},
		{"customer transitions", "user-1", http.MethodPut, "/admin/orders/ord_1/status", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, withUser(httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{"newStatus":"completed"}`)), tc.user))
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, "forbidden", decodeEnvelope(t, rr).Error.Kind)
		})
	}
	assert.Zero(t, orders.calls, "order service must not be reached")
}

func TestAdminGuardErrors(t *testing.T) {
	orders := &stubOrderService{}

	rr := httptest.NewRecorder()
	newAdminRouter(orders, newAdminFixture()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/orders", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	failing := &stubAdminService{checkErr: fmt.Errorf("%w: admin.get: timeout", services.ErrPersistence)}
	rr = httptest.NewRecorder()
	newAdminRouter(orders, failing).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/admin/orders", nil), "admin-1"))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Zero(t, orders.calls)
}

func TestAdminListOrdersFilters(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.OffsetPage[services.Order], error) {
			captured = filter
			return domain.OffsetPage[services.Order]{
				Items:    []services.Order{sampleOrder("ord_1", "user-1", domain.OrderStatusProcessing)},
				Total:    1,
				Page:     filter.Page,
				PageSize: filter.PageSize,
			}, nil
		},
	}
	router := newAdminRouter(orders, newAdminFixture())

	rr := httptest.NewRecorder()
	path := "/admin/orders?status=processing&searchTerm=poster&dateFrom=2024-05-01&dateTo=2024-05-31&page=1&pageSize=500"
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, path, nil), "admin-1"))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotNil(t, captured.Status)
	assert.Equal(t, domain.OrderStatusProcessing, *captured.Status)
	assert.Equal(t, "poster", captured.SearchTerm)
	assert.Empty(t, captured.UserID)
	assert.Equal(t, 100, captured.PageSize, "page size is clamped")
	require.NotNil(t, captured.DateFrom)
	require.NotNil(t, captured.DateTo)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), *captured.DateFrom)
	assert.Equal(t, time.Date(2024, 5, 31, 23, 59, 59, 999999999, time.UTC), *captured.DateTo)

	var payload struct {
		Data struct {
			Items []struct {
				AdminNotes *string `json:"adminNotes"`
			} `json:"items"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Len(t, payload.Data.Items, 1)
	require.NotNil(t, payload.Data.Items[0].AdminNotes, "admins see notes")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/admin/orders?status=all", nil), "admin-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, captured.Status, "status=all applies no filter")

	for _, query := range []string{"status=shipped", "dateFrom=yesterday", "dateTo=31-05-2024"} {
		rr = httptest.NewRecorder()
		router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/admin/orders?"+query, nil), "admin-1"))
		assert.Equal(t, http.StatusBadRequest, rr.Code, query)
	}
}

func TestAdminListOrdersDateBoundsUseBusinessTimezone(t *testing.T) {
	var captured services.OrderListFilter
	orders := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderListFilter) (domain.OffsetPage[services.Order], error) {
			captured = filter
			return domain.OffsetPage[services.Order]{Page: filter.Page, PageSize: filter.PageSize}, nil
		},
	}
	admins := newAdminFixture()
	kst := time.FixedZone("KST", 9*60*60)
	router := chi.NewRouter()
	router.Route("/admin", NewAdminHandlers(nil, NewAdminGuard(admins), orders, admins, WithAdminLocation(kst)).Routes)

	rr := httptest.NewRecorder()
	path := "/admin/orders?dateFrom=2026-04-10&dateTo=2026-04-10"
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, path, nil), "admin-1"))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotNil(t, captured.DateFrom)
	require.NotNil(t, captured.DateTo)
	assert.Equal(t, time.Date(2026, 4, 9, 15, 0, 0, 0, time.UTC), *captured.DateFrom, "midnight KST")
	assert.Equal(t, time.Date(2026, 4, 10, 14, 59, 59, 999999999, time.UTC), *captured.DateTo)

	rr = httptest.NewRecorder()
	path = "/admin/orders?dateFrom=2026-04-10T03:00:00%2B09:00"
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, path, nil), "admin-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, time.Date(2026, 4, 9, 18, 0, 0, 0, time.UTC), *captured.DateFrom, "explicit offsets are kept")
}

func TestAdminTransitionStatus(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	orders := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, "user-1", cmd.TargetStatus)
			order.TrackingNumber = cmd.TrackingNumber
			order.Version = 3
			return order, nil
		},
	}
	router := newAdminRouter(orders, newAdminFixture())

	body := `{"newStatus":"Completed","comment":"shipped via CJ","trackingNumber":"CJ123","estimatedDeliveryDate":"2024-06-02","expectedVersion":2}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/status", strings.NewReader(body)), "admin-1"))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ord_1", captured.OrderID)
	assert.Equal(t, domain.OrderStatusCompleted, captured.TargetStatus)
	assert.Equal(t, "admin-1", captured.ActorID)
	require.NotNil(t, captured.ExpectedVersion)
	assert.EqualValues(t, 2, *captured.ExpectedVersion)
	require.NotNil(t, captured.TrackingNumber)
	assert.Equal(t, "CJ123", *captured.TrackingNumber)
	require.NotNil(t, captured.EstimatedDeliveryDate)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), *captured.EstimatedDeliveryDate)
}

func TestAdminTransitionStatusErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{"unknown status", `{"newStatus":"shipped"}`, nil, http.StatusBadRequest, "validation"},
		{"bad eta", `{"newStatus":"processing","estimatedDeliveryDate":"soon"}`, nil, http.StatusBadRequest, "validation"},
		{"terminal", `{"newStatus":"processing"}`, fmt.Errorf("%w: completed -> processing", services.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{"stale version", `{"newStatus":"completed","expectedVersion":1}`, fmt.Errorf("%w: order ord_1 was modified", services.ErrConflict), http.StatusConflict, "conflict"},
		{"missing order", `{"newStatus":"completed"}`, fmt.Errorf("%w: order ord_1", services.ErrNotFound), http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			orders := &stubOrderService{
				transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			rr := httptest.NewRecorder()
			newAdminRouter(orders, newAdminFixture()).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/status", strings.NewReader(tc.body)), "admin-1"))
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.kind, decodeEnvelope(t, rr).Error.Kind)
		})
	}
}

func TestAdminUpdateNotes(t *testing.T) {
	var captured services.UpdateOrderNotesCommand
	orders := &stubOrderService{
		notesFn: func(_ context.Context, cmd services.UpdateOrderNotesCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, "user-1", domain.OrderStatusPending)
			order.AdminNotes = cmd.Notes
			return order, nil
		},
	}
	router := newAdminRouter(orders, newAdminFixture())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/notes", strings.NewReader(`{"adminNotes":"call customer"}`)), "admin-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, captured.Notes)
	assert.Equal(t, "call customer", *captured.Notes)
	assert.Equal(t, "admin-1", captured.ActorID)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/notes", strings.NewReader(`{"adminNotes":null}`)), "admin-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, captured.Notes, "null clears the notes")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/admin/orders/ord_1/notes", strings.NewReader(`{"notes":"typo"}`)), "admin-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminStats(t *testing.T) {
	orders := &stubOrderService{
		statsFn: func(context.Context) (services.OrderStats, error) {
			return services.OrderStats{
				Total:       7,
				ByStatus:    map[domain.OrderStatus]int64{domain.OrderStatusPending: 4, domain.OrderStatusCompleted: 3},
				TodayOrders: 2,
				WeekRevenue: 24000,
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	newAdminRouter(orders, newAdminFixture()).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/admin/stats", nil), "super-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	var payload struct {
		Data statsPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.EqualValues(t, 7, payload.Data.Total)
	assert.EqualValues(t, 24000, payload.Data.WeekRevenue)
	assert.EqualValues(t, 0, payload.Data.ByStatus["processing"], "every status is reported")
	assert.Len(t, payload.Data.ByStatus, 4)
}

func TestAdminDirectory(t *testing.T) {
	admins := newAdminFixture()
	var upserted services.UpsertAdminCommand
	admins.upsertFn = func(_ context.Context, cmd services.UpsertAdminCommand) (services.AdminUser, error) {
		upserted = cmd
		return services.AdminUser{UserID: cmd.UserID, Email: cmd.Email, Role: cmd.Role, Permissions: domain.DefaultPermissions(cmd.Role)}, nil
	}
	var revoked services.RevokeAdminCommand
	admins.revokeFn = func(_ context.Context, cmd services.RevokeAdminCommand) error {
		revoked = cmd
		if cmd.UserID == cmd.ActorID {
			return fmt.Errorf("%w: admins cannot revoke themselves", services.ErrValidation)
		}
		return nil
	}
	router := newAdminRouter(&stubOrderService{}, admins)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/admin/admins", nil), "super-1"))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPut, "/admin/admins/user-9", strings.NewReader(`{"email":"ops@example.com","role":"Admin"}`)), "super-1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "user-9", upserted.UserID)
	assert.Equal(t, domain.AdminRoleAdmin, upserted.Role)
	assert.Equal(t, "super-1", upserted.ActorID)
	assert.Empty(t, upserted.Permissions, "permissions default from the role in the service")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodDelete, "/admin/admins/user-9", nil), "super-1"))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "user-9", revoked.UserID)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodDelete, "/admin/admins/super-1", nil), "super-1"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMeAdmin(t *testing.T) {
	admins := newAdminFixture()
	router := chi.NewRouter()
	router.Route("/me", NewMeHandlers(nil, admins).Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/admin", nil), "admin-1"))
	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Data adminUserPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, "admin", payload.Data.Role)
	assert.ElementsMatch(t, []string{"view_orders", "update_orders"}, payload.Data.Permissions)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodGet, "/me/admin", nil), "user-1"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

var _ services.AdminService = (*stubAdminService)(nil)
