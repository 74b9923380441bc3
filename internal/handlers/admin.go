package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/observability"
	"github.com/carawoo/mereal/internal/platform/pagination"
	"github.com/carawoo/mereal/internal/services"
)

const (
	maxAdminBodySize = 16 * 1024
	statusFilterAll  = "all"
)

type transitionStatusRequest struct {
	NewStatus             string  `json:"newStatus"`
	Comment               string  `json:"comment"`
	TrackingNumber        *string `json:"trackingNumber"`
	EstimatedDeliveryDate *string `json:"estimatedDeliveryDate"`
	ExpectedVersion       *int64  `json:"expectedVersion"`
}

type upsertAdminRequest struct {
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// AdminHandlers serves the admin console API. Every route is gated by AdminGuard.
type AdminHandlers struct {
	authn  *auth.Authenticator
	guard  *AdminGuard
	orders services.OrderService
	admins services.AdminService
	// location is the timezone date-only query bounds are read in.
	location *time.Location
}

// AdminHandlersOption customises AdminHandlers.
type AdminHandlersOption func(*AdminHandlers)

// WithAdminLocation sets the business timezone for date-only filters. Defaults to UTC.
func WithAdminLocation(loc *time.Location) AdminHandlersOption {
	return func(h *AdminHandlers) {
		if loc != nil {
			h.location = loc
		}
	}
}

// NewAdminHandlers constructs the /admin handlers.
func NewAdminHandlers(authn *auth.Authenticator, guard *AdminGuard, orders services.OrderService, admins services.AdminService, opts ...AdminHandlersOption) *AdminHandlers {
	h := &AdminHandlers{
		authn:    authn,
		guard:    guard,
		orders:   orders,
		admins:   admins,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes registers the /admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(), observability.CaptureIdentity, identityRateLimit)
	}
	guard := h.guard
	if guard == nil {
		guard = NewAdminGuard(h.admins)
	}

	r.Route("/orders", func(orders chi.Router) {
		orders.With(guard.Require(domain.PermissionViewOrders), pagination.Middleware(pagination.Options{})).Get("/", h.listOrders)
		orders.With(guard.Require(domain.PermissionViewOrders)).Get("/{orderID}", h.getOrder)
		orders.With(guard.Require(domain.PermissionUpdateOrders)).Put("/{orderID}/status", h.transitionStatus)
		orders.With(guard.Require(domain.PermissionUpdateOrders)).Put("/{orderID}/notes", h.updateNotes)
	})
	r.With(guard.Require(domain.PermissionViewAnalytics)).Get("/stats", h.stats)
	r.Route("/admins", func(admins chi.Router) {
		admins.Use(guard.Require(domain.PermissionManageAdmins))
		admins.Get("/", h.listAdmins)
		admins.Put("/{userID}", h.upsertAdmin)
		admins.Delete("/{userID}", h.revokeAdmin)
	})
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}

	query := r.URL.Query()
	params := pagination.FromContextOrDefault(ctx)
	filter := services.OrderListFilter{
		SearchTerm: strings.TrimSpace(query.Get("searchTerm")),
		Page:       params.Page,
		PageSize:   params.PageSize,
	}
	if raw := strings.ToLower(strings.TrimSpace(query.Get("status"))); raw != "" && raw != statusFilterAll {
		status := domain.OrderStatus(raw)
		if !status.Valid() {
			writeValidation(ctx, w, "status must be one of pending, processing, completed, cancelled or all")
			return
		}
		filter.Status = &status
	}
	if raw := strings.TrimSpace(query.Get("dateFrom")); raw != "" {
		from, err := parseDateBound(raw, false, h.location)
		if err != nil {
			writeValidation(ctx, w, "dateFrom must be an ISO date or RFC3339 timestamp")
			return
		}
		filter.DateFrom = &from
	}
	if raw := strings.TrimSpace(query.Get("dateTo")); raw != "" {
		to, err := parseDateBound(raw, true, h.location)
		if err != nil {
			writeValidation(ctx, w, "dateTo must be an ISO date or RFC3339 timestamp")
			return
		}
		filter.DateTo = &to
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderListPayload(page, true))
}

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	order, err := h.orders.GetOrder(ctx, orderID, services.OrderReadOptions{
		IncludePayments: true,
		IncludeHistory:  true,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order, true))
}

func (h *AdminHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	admin, _ := adminFromContext(ctx)

	var req transitionStatusRequest
	if !decodeJSONBody(w, r, maxAdminBodySize, &req) {
		return
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.NewStatus)))
	if !target.Valid() {
		writeValidation(ctx, w, "newStatus must be one of pending, processing, completed or cancelled")
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:         strings.TrimSpace(chi.URLParam(r, "orderID")),
		TargetStatus:    target,
		Comment:         req.Comment,
		ActorID:         admin.UserID,
		Locale:          requestLocale(r),
		TrackingNumber:  req.TrackingNumber,
		ExpectedVersion: req.ExpectedVersion,
	}
	if req.EstimatedDeliveryDate != nil && strings.TrimSpace(*req.EstimatedDeliveryDate) != "" {
		eta, err := parseDateBound(*req.EstimatedDeliveryDate, false, h.location)
		if err != nil {
			writeValidation(ctx, w, "estimatedDeliveryDate must be an ISO date or RFC3339 timestamp")
			return
		}
		cmd.EstimatedDeliveryDate = &eta
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order, true))
}

func (h *AdminHandlers) updateNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	admin, _ := adminFromContext(ctx)

	var raw map[string]json.RawMessage
	if !decodeJSONBody(w, r, maxAdminBodySize, &raw) {
		return
	}
	value, present := raw["adminNotes"]
	if !present {
		writeValidation(ctx, w, "adminNotes is required (use null to clear)")
		return
	}
	var notes *string
	if err := json.Unmarshal(value, &notes); err != nil {
		writeValidation(ctx, w, "adminNotes must be a string or null")
		return
	}

	order, err := h.orders.UpdateNotes(ctx, services.UpdateOrderNotesCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Notes:   notes,
		ActorID: admin.UserID,
		Locale:  requestLocale(r),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order, true))
}

type statsPayload struct {
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"byStatus"`
	TodayOrders int64            `json:"todayOrders"`
	WeekRevenue int64            `json:"weekRevenue"`
}

func (h *AdminHandlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order service")
		return
	}
	stats, err := h.orders.Stats(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	payload := statsPayload{
		Total:       stats.Total,
		ByStatus:    make(map[string]int64, len(domain.OrderStatuses)),
		TodayOrders: stats.TodayOrders,
		WeekRevenue: stats.WeekRevenue,
	}
	for _, status := range domain.OrderStatuses {
		payload.ByStatus[string(status)] = stats.ByStatus[status]
	}
	httpx.WriteJSON(w, http.StatusOK, payload)
}

type adminUserPayload struct {
	UserID      string   `json:"userId"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

func buildAdminUserPayload(admin services.AdminUser) adminUserPayload {
	return adminUserPayload{
		UserID:      admin.UserID,
		Email:       admin.Email,
		Role:        string(admin.Role),
		Permissions: permissionNames(admin.Permissions),
		CreatedAt:   formatTime(admin.CreatedAt),
		UpdatedAt:   formatTime(admin.UpdatedAt),
	}
}

func (h *AdminHandlers) listAdmins(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.admins == nil {
		writeUnavailable(ctx, w, "admin service")
		return
	}
	admins, err := h.admins.ListAdmins(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]adminUserPayload, 0, len(admins))
	for _, admin := range admins {
		items = append(items, buildAdminUserPayload(admin))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AdminHandlers) upsertAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.admins == nil {
		writeUnavailable(ctx, w, "admin service")
		return
	}
	actor, _ := adminFromContext(ctx)

	var req upsertAdminRequest
	if !decodeJSONBody(w, r, maxAdminBodySize, &req) {
		return
	}
	permissions := make([]domain.Permission, 0, len(req.Permissions))
	for _, perm := range req.Permissions {
		permissions = append(permissions, domain.Permission(perm))
	}

	saved, err := h.admins.UpsertAdmin(ctx, services.UpsertAdminCommand{
		UserID:      strings.TrimSpace(chi.URLParam(r, "userID")),
		Email:       req.Email,
		Role:        domain.AdminRole(strings.ToLower(strings.TrimSpace(req.Role))),
		Permissions: permissions,
		ActorID:     actor.UserID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAdminUserPayload(saved))
}

func (h *AdminHandlers) revokeAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.admins == nil {
		writeUnavailable(ctx, w, "admin service")
		return
	}
	actor, _ := adminFromContext(ctx)

	err := h.admins.RevokeAdmin(ctx, services.RevokeAdminCommand{
		UserID:  strings.TrimSpace(chi.URLParam(r, "userID")),
		ActorID: actor.UserID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseDateBound accepts RFC 3339 timestamps or ISO dates. A date is a calendar day in loc; used as an
// upper bound it covers the whole day.
func parseDateBound(value string, upper bool, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(time.DateOnly, value, loc)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		ts = ts.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return ts.UTC(), nil
}
