package postgres

import (
	"context"
	"errors"

	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/repositories"
)

// Registry wires the Postgres repositories behind repositories.Registry.
type Registry struct {
	provider *ppostgres.Provider

	orders  *OrderRepository
	pays    *PaymentRepository
	history *HistoryRepository
	admins  *AdminRepository
	uploads *FileUploadRepository
	health  repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository on top of the shared provider. health may be nil when
// readiness probes are wired elsewhere.
func NewRegistry(provider *ppostgres.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("postgres registry requires a provider")
	}
	return &Registry{
		provider: provider,
		orders:   &OrderRepository{provider: provider},
		pays:     &PaymentRepository{provider: provider},
		history:  &HistoryRepository{provider: provider},
		admins:   &AdminRepository{provider: provider},
		uploads:  &FileUploadRepository{provider: provider},
		health:   health,
	}, nil
}

func (r *Registry) Orders() repositories.OrderRepository                    { return r.orders }
func (r *Registry) Payments() repositories.PaymentRepository                { return r.pays }
func (r *Registry) OrderHistory() repositories.OrderStatusHistoryRepository { return r.history }
func (r *Registry) Admins() repositories.AdminRepository                    { return r.admins }
func (r *Registry) FileUploads() repositories.FileUploadRepository          { return r.uploads }
func (r *Registry) Health() repositories.HealthRepository                   { return r.health }

// RunInTx runs fn in a single Postgres transaction. Repositories called with the ctx handed to fn
// join that transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	pool, err := r.provider.Pool(ctx)
	if err != nil {
		return ppostgres.WrapError("registry.tx", err)
	}
	return ppostgres.RunTransaction(ctx, pool, fn)
}

// Close releases the pool.
func (r *Registry) Close(context.Context) error {
	r.provider.Close()
	return nil
}

func querier(ctx context.Context, provider *ppostgres.Provider, op string) (ppostgres.Querier, error) {
	if _, ok := ppostgres.TxFromContext(ctx); ok {
		return ppostgres.Conn(ctx, nil), nil
	}
	pool, err := provider.Pool(ctx)
	if err != nil {
		return nil, unavailable(op, err)
	}
	return ppostgres.Conn(ctx, pool), nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ppostgres.Unavailable(op, err)
}
