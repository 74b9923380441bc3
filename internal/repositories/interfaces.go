package repositories

import (
	"context"
	"time"

	domain "github.com/carawoo/mereal/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Payments() PaymentRepository
	OrderHistory() OrderStatusHistoryRepository
	Admins() AdminRepository
	FileUploads() FileUploadRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order rows. It never writes status history; callers own that.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.OffsetPage[domain.Order], error)
	// UpdateStatus applies a compare-and-swap on the order version. A version mismatch returns a
	// RepositoryError with IsConflict, a missing order one with IsNotFound.
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
	UpdateNotes(ctx context.Context, orderID string, notes *string, updatedAt time.Time) (domain.Order, error)
	Stats(ctx context.Context, now time.Time) (domain.OrderStats, error)
}

// PaymentRepository stores gateway-confirmed payments.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// OrderStatusHistoryRepository appends audit rows. Rows are never updated or deleted.
type OrderStatusHistoryRepository interface {
	Append(ctx context.Context, entry domain.OrderStatusHistory) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)
}

// AdminRepository resolves and manages admin records.
type AdminRepository interface {
	FindByUserID(ctx context.Context, userID string) (domain.AdminUser, error)
	Upsert(ctx context.Context, admin domain.AdminUser) (domain.AdminUser, error)
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context) ([]domain.AdminUser, error)
}

// FileUploadRepository tracks uploaded design files and their expiry.
type FileUploadRepository interface {
	Insert(ctx context.Context, upload domain.FileUpload) error
	FindByID(ctx context.Context, uploadID string) (domain.FileUpload, error)
	AttachToOrder(ctx context.Context, uploadID, orderID string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.FileUpload, error)
	Delete(ctx context.Context, uploadID string) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// OrderListFilter narrows order listings. Zero values impose no constraint.
type OrderListFilter struct {
	UserID     string
	Status     *domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	SearchTerm string
	Page       int
	PageSize   int
}

// OrderStatusUpdate describes a status write guarded by the expected version.
type OrderStatusUpdate struct {
	OrderID               string
	Status                domain.OrderStatus
	ExpectedVersion       int64
	TrackingNumber        *string
	EstimatedDeliveryDate *time.Time
	UpdatedAt             time.Time
}
