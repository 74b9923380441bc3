package services

import (
	"context"
	"time"

	domain "github.com/carawoo/mereal/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	OrderStatusHistory = domain.OrderStatusHistory
	OrderStats         = domain.OrderStats
	PrintOptions       = domain.PrintOptions
	FileRef            = domain.FileRef
	Payment            = domain.Payment
	AdminUser          = domain.AdminUser
	AdminRole          = domain.AdminRole
	Permission         = domain.Permission
	FileUpload         = domain.FileUpload
	PriceQuote         = domain.PriceQuote
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService owns the order lifecycle: intake, reads, and every status change made by people.
type OrderService interface {
	CreateFromDraft(ctx context.Context, cmd CreateDraftOrderCommand) (CheckoutOrder, error)
	GetOrder(ctx context.Context, orderID string, opts OrderReadOptions) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.OffsetPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateNotes(ctx context.Context, cmd UpdateOrderNotesCommand) (Order, error)
	Stats(ctx context.Context) (OrderStats, error)
}

// PaymentVerificationService confirms gateway payments and moves paid orders into production.
type PaymentVerificationService interface {
	VerifyAndApply(ctx context.Context, cmd VerifyPaymentCommand) (PaymentVerificationResult, error)
}

// AdminService resolves admin records and manages the admin directory.
type AdminService interface {
	CheckAdminPermission(ctx context.Context, userID string) (AdminUser, bool, error)
	ListAdmins(ctx context.Context) ([]AdminUser, error)
	UpsertAdmin(ctx context.Context, cmd UpsertAdminCommand) (AdminUser, error)
	RevokeAdmin(ctx context.Context, cmd RevokeAdminCommand) error
}

// UploadService issues signed upload slots and cleans up abandoned files.
type UploadService interface {
	CreateUpload(ctx context.Context, cmd CreateUploadCommand) (UploadSlot, error)
	CleanupExpired(ctx context.Context, limit int) (UploadCleanupResult, error)
}

// SystemService exposes health information and runs named maintenance tasks.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	RunMaintenance(ctx context.Context, task string) (MaintenanceResult, error)
}

// PricingEngine prices print options.
type PricingEngine interface {
	Quote(options PrintOptions) (PriceQuote, error)
}

// CreateDraftOrderCommand is the typed order intake request. Exactly one of UploadID or File is set.
type CreateDraftOrderCommand struct {
	UserID   string
	Email    string
	Name     string
	UploadID string
	File     *FileRef
	Options  PrintOptions
	Locale   string
}

// CheckoutOrder pairs a created order with the gateway checkout parameters.
type CheckoutOrder struct {
	Order    Order
	Quote    PriceQuote
	Checkout CheckoutRedirect
}

// CheckoutRedirect carries the values the client hands to the gateway checkout widget.
type CheckoutRedirect struct {
	OrderID       string
	Amount        int64
	OrderName     string
	CustomerName  string
	CustomerEmail string
	SuccessURL    string
	FailURL       string
}

// OrderReadOptions controls joins and ownership enforcement on reads.
type OrderReadOptions struct {
	IncludePayments bool
	IncludeHistory  bool
	// OwnerID, when set, rejects orders belonging to anyone else with ErrForbidden.
	OwnerID string
}

// OrderListFilter narrows order listings. A nil Status or "all" means any status.
type OrderListFilter struct {
	UserID     string
	Status     *OrderStatus
	DateFrom   *time.Time
	DateTo     *time.Time
	SearchTerm string
	Page       int
	PageSize   int
}

// OrderStatusTransitionCommand is an admin-driven status change.
type OrderStatusTransitionCommand struct {
	OrderID               string
	TargetStatus          OrderStatus
	Comment               string
	ActorID               string
	Locale                string
	TrackingNumber        *string
	EstimatedDeliveryDate *time.Time
	ExpectedVersion       *int64
}

// CancelOrderCommand is an owner cancellation of a pending order.
type CancelOrderCommand struct {
	OrderID string
	UserID  string
	Reason  string
	Locale  string
}

// UpdateOrderNotesCommand replaces the admin notes on an order.
type UpdateOrderNotesCommand struct {
	OrderID string
	Notes   *string
	ActorID string
	Locale  string
}

// VerifyPaymentCommand asks the gateway to confirm a payment reference for an order.
type VerifyPaymentCommand struct {
	PaymentKey string
	OrderID    string
	// ClaimedAmount is the amount the client believes it paid. It is logged, never trusted.
	ClaimedAmount int64
	Provider      string
	// UserID, when set, must own the order.
	UserID string
}

// PaymentVerificationResult reports the order after verification. AlreadyApplied is true when the
// order was past pending and nothing was written.
type PaymentVerificationResult struct {
	Order          Order
	Payment        *Payment
	AlreadyApplied bool
}

// UpsertAdminCommand grants or updates an admin role.
type UpsertAdminCommand struct {
	UserID      string
	Email       string
	Role        AdminRole
	Permissions []Permission
	ActorID     string
}

// RevokeAdminCommand removes an admin record.
type RevokeAdminCommand struct {
	UserID  string
	ActorID string
}

// CreateUploadCommand requests a signed upload slot.
type CreateUploadCommand struct {
	UserID      string
	FileName    string
	ContentType string
	Size        int64
}

// UploadSlot is a registered upload and the signed URL to PUT the file to.
type UploadSlot struct {
	Upload    FileUpload
	UploadURL string
	Method    string
	Headers   map[string]string
	URLExpiry time.Time
	FileURL   string
}

// UploadCleanupResult summarises one cleanup pass.
type UploadCleanupResult struct {
	Scanned int
	Deleted int
	Failed  int
}

// MaintenanceResult reports the outcome of one maintenance task run.
type MaintenanceResult struct {
	Task       string
	StartedAt  time.Time
	FinishedAt time.Time
	Details    map[string]any
}
