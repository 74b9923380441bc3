package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carawoo/mereal/internal/payments"
	"github.com/carawoo/mereal/internal/platform/config"
	"github.com/carawoo/mereal/internal/platform/idempotency"
	"github.com/carawoo/mereal/internal/platform/observability"
	"github.com/carawoo/mereal/internal/platform/storage"
	"github.com/carawoo/mereal/internal/repositories"
	"github.com/carawoo/mereal/internal/services"
)

// Maintenance task names accepted by POST /internal/maintenance/{task}:cleanup.
const (
	TaskUploads     = "uploads"
	TaskIdempotency = "idempotency"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders   services.OrderService
	Payments services.PaymentVerificationService
	Admins   services.AdminService
	Uploads  services.UploadService
	System   services.SystemService
}

// Infrastructure carries the clients built in main that services depend on. Nil members disable
// the services that need them.
type Infrastructure struct {
	Gateway *payments.Manager
	Signer  *storage.Client
	Objects *storage.ObjectStore
	Events  services.OrderEventPublisher
	Sweeper *idempotency.Sweeper
	Build   services.BuildInfo
	Logger  *zap.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services
	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	adminSvc, err := services.NewAdminService(services.AdminServiceDeps{
		Admins: reg.Admins(),
		Clock:  time.Now,
		Logger: observability.NewEventLogger(logger, "admins"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build admin service: %w", err)
	}
	svc.Admins = adminSvc

	if infra.Signer != nil && cfg.Storage.UploadsBucket != "" {
		deps := services.UploadServiceDeps{
			Uploads:           reg.FileUploads(),
			Signer:            infra.Signer,
			Bucket:            cfg.Storage.UploadsBucket,
			PublicEndpoint:    cfg.Storage.PublicEndpoint,
			MaxBytes:          cfg.Uploads.MaxBytes,
			TTL:               cfg.Uploads.TTL,
			URLExpiry:         cfg.Storage.SignedURLTTL,
			AllowedExtensions: cfg.Uploads.AllowedExtensions,
			Clock:             time.Now,
			Logger:            observability.NewEventLogger(logger, "uploads"),
		}
		if infra.Objects != nil {
			deps.Objects = infra.Objects
		}
		uploadSvc, err := services.NewUploadService(deps)
		if err != nil {
			return Services{}, fmt.Errorf("build upload service: %w", err)
		}
		svc.Uploads = uploadSvc
	}

	orderDeps := services.OrderServiceDeps{
		Orders:     reg.Orders(),
		History:    reg.OrderHistory(),
		Payments:   reg.Payments(),
		Uploads:    reg.FileUploads(),
		UnitOfWork: reg,
		Pricing:    services.NewPrintPricingEngine(services.DefaultPrintPriceTable()),
		Checkout: services.CheckoutSettings{
			BaseURL:     cfg.Server.PublicBaseURL,
			SuccessPath: cfg.Payments.SuccessPath,
			FailPath:    cfg.Payments.FailPath,
		},
		FileURL: func(upload services.FileUpload) string {
			return storage.PublicURL(cfg.Storage.PublicEndpoint, upload.Bucket, upload.ObjectPath)
		},
		Location: cfg.Server.Location(),
		Clock:    time.Now,
		Events:   infra.Events,
		Logger:   observability.NewEventLogger(logger, "orders"),
	}
	orderSvc, err := services.NewOrderService(orderDeps)
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if infra.Gateway != nil {
		paymentSvc, err := services.NewPaymentVerificationService(services.PaymentVerificationServiceDeps{
			Orders:         reg.Orders(),
			Payments:       reg.Payments(),
			History:        reg.OrderHistory(),
			UnitOfWork:     reg,
			Gateway:        infra.Gateway,
			GatewayTimeout: cfg.Payments.GatewayTimeout,
			Clock:          time.Now,
			Events:         infra.Events,
			Logger:         observability.NewEventLogger(logger, "payments"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build payment verification service: %w", err)
		}
		svc.Payments = paymentSvc
	}

	if health := reg.Health(); health != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            time.Now,
			Build:            infra.Build,
			Tasks:            maintenanceTasks(svc.Uploads, infra.Sweeper, cfg.Uploads.CleanupBatchSize),
			Logger:           observability.NewEventLogger(logger, "system"),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

func maintenanceTasks(uploads services.UploadService, sweeper *idempotency.Sweeper, batch int) map[string]services.MaintenanceTask {
	tasks := make(map[string]services.MaintenanceTask, 2)
	if uploads != nil {
		tasks[TaskUploads] = func(ctx context.Context) (map[string]any, error) {
			result, err := uploads.CleanupExpired(ctx, batch)
			return map[string]any{
				"scanned": result.Scanned,
				"deleted": result.Deleted,
				"failed":  result.Failed,
			}, err
		}
	}
	if sweeper != nil {
		tasks[TaskIdempotency] = sweeper.Task
	}
	return tasks
}
