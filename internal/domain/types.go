package domain

import (
	"time"
)

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was submitted and awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment succeeded and production is underway.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted indicates production and delivery are done.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled indicates the order was cancelled by its owner or an admin.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every persisted order status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusProcessing,
	OrderStatusCompleted,
	OrderStatusCancelled,
}

// Valid reports whether the status belongs to the closed status domain.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible from the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// PaperSize enumerates printable sheet sizes.
type PaperSize string

const (
	PaperSizeA4 PaperSize = "A4"
	PaperSizeA3 PaperSize = "A3"
	PaperSizeA2 PaperSize = "A2"
)

// PaperGrade enumerates paper stock options.
type PaperGrade string

const (
	PaperGradeStandard PaperGrade = "standard"
	PaperGradePremium  PaperGrade = "premium"
)

// PrintOptions captures the customer-selected production options stored with an order.
type PrintOptions struct {
	Size     PaperSize  `json:"size"`
	Paper    PaperGrade `json:"paper"`
	Cutting  bool       `json:"cutting"`
	Quantity int        `json:"quantity"`
	Notes    string     `json:"notes,omitempty"`
}

// FileRef points at the uploaded design file an order prints.
type FileRef struct {
	UploadID string
	URL      string
	Name     string
	Type     string
	Size     int64
}

// Order captures order headers returned to handlers/services.
type Order struct {
	ID                    string
	UserID                string
	OwnerEmail            string
	File                  FileRef
	Options               PrintOptions
	TotalAmount           int64
	Status                OrderStatus
	AdminNotes            *string
	TrackingNumber        *string
	EstimatedDeliveryDate *time.Time
	Version               int64
	CreatedAt             time.Time
	UpdatedAt             time.Time

	Payments []Payment
	History  []OrderStatusHistory
}

// PaymentStatus enumerates locally recorded payment outcomes.
type PaymentStatus string

const (
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Payment records a gateway-confirmed payment attempt for an order.
type Payment struct {
	ID         string
	OrderID    string
	Provider   string
	PaymentKey string
	Amount     int64
	Status     PaymentStatus
	Method     string
	ApprovedAt *time.Time
	Raw        map[string]any
	CreatedAt  time.Time
}

// OrderStatusHistory is one append-only audit row for an order status change.
type OrderStatusHistory struct {
	ID        string
	OrderID   string
	Status    OrderStatus
	Comment   string
	ActorID   string
	CreatedAt time.Time
}

// AdminRole enumerates privileged roles.
type AdminRole string

const (
	AdminRoleAdmin      AdminRole = "admin"
	AdminRoleSuperAdmin AdminRole = "super_admin"
)

// Valid reports whether the role is known.
func (r AdminRole) Valid() bool {
	return r == AdminRoleAdmin || r == AdminRoleSuperAdmin
}

// Permission names an admin capability.
type Permission string

const (
	PermissionViewOrders    Permission = "view_orders"
	PermissionUpdateOrders  Permission = "update_orders"
	PermissionManageAdmins  Permission = "manage_admins"
	PermissionViewAnalytics Permission = "view_analytics"
)

// KnownPermissions lists every permission the admin layer recognises.
var KnownPermissions = []Permission{
	PermissionViewOrders,
	PermissionUpdateOrders,
	PermissionManageAdmins,
	PermissionViewAnalytics,
}

// DefaultPermissions returns the permission set granted to a role when none is specified.
func DefaultPermissions(role AdminRole) []Permission {
	switch role {
	case AdminRoleSuperAdmin:
		out := make([]Permission, len(KnownPermissions))
		copy(out, KnownPermissions)
		return out
	case AdminRoleAdmin:
		return []Permission{PermissionViewOrders, PermissionUpdateOrders}
	default:
		return nil
	}
}

// AdminUser is the admin record attached to a user.
type AdminUser struct {
	UserID      string
	Email       string
	Role        AdminRole
	Permissions []Permission
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileUpload tracks design files uploaded to object storage before they are attached to orders.
type FileUpload struct {
	ID          string
	UserID      string
	Bucket      string
	ObjectPath  string
	FileName    string
	ContentType string
	Size        int64
	OrderID     *string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// OrderStats summarises order volume for the admin dashboard.
type OrderStats struct {
	Total       int64
	ByStatus    map[OrderStatus]int64
	TodayOrders int64
	WeekRevenue int64
}

// OffsetPage packages list results for page-number pagination.
type OffsetPage[T any] struct {
	Items    []T
	Total    int
	Page     int
	PageSize int
}

// TotalPages returns the number of pages needed to show every item.
func (p OffsetPage[T]) TotalPages() int {
	if p.PageSize <= 0 || p.Total <= 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but the service keeps serving.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
