package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carawoo/mereal/internal/platform/config"
)

const defaultConnectTimeout = 10 * time.Second

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("postgres: provider is closed")

// Provider lazily opens a shared connection pool. Concurrent callers wait for the first
// initialisation instead of dialling in parallel.
type Provider struct {
	cfg            config.DatabaseConfig
	connectTimeout time.Duration
	configure      []func(*pgxpool.Config)

	mu     sync.Mutex
	initCh chan struct{}
	pool   *pgxpool.Pool
	err    error

	closed atomic.Bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithConnectTimeout overrides the timeout used when creating and pinging the pool.
func WithConnectTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.connectTimeout = timeout
		}
	}
}

// WithPoolConfig registers a hook applied to the parsed pool configuration.
func WithPoolConfig(fn func(*pgxpool.Config)) ProviderOption {
	return func(p *Provider) {
		if fn != nil {
			p.configure = append(p.configure, fn)
		}
	}
}

// NewProvider constructs a Provider using the supplied configuration.
func NewProvider(cfg config.DatabaseConfig, opts ...ProviderOption) *Provider {
	p := &Provider{cfg: cfg, connectTimeout: defaultConnectTimeout}
	if cfg.ConnectTimeout > 0 {
		p.connectTimeout = cfg.ConnectTimeout
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Pool returns the lazily initialised pool. A failed initialisation is retried on the next call.
func (p *Provider) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	if ctx == nil {
		return nil, errors.New("postgres: context is required")
	}
	for {
		if p.closed.Load() {
			return nil, ErrProviderClosed
		}

		p.mu.Lock()
		if p.pool != nil {
			pool := p.pool
			p.mu.Unlock()
			return pool, nil
		}
		if waitCh := p.initCh; waitCh != nil {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-waitCh:
				continue
			}
		}
		waitCh := make(chan struct{})
		p.initCh = waitCh
		p.mu.Unlock()

		pool, err := p.open(ctx)

		p.mu.Lock()
		p.pool, p.err, p.initCh = pool, err, nil
		p.mu.Unlock()
		close(waitCh)

		if err != nil {
			return nil, err
		}
	}
}

// Ping verifies connectivity for readiness probes.
func (p *Provider) Ping(ctx context.Context) error {
	pool, err := p.Pool(ctx)
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

func (p *Provider) open(ctx context.Context) (*pgxpool.Pool, error) {
	url := strings.TrimSpace(p.cfg.URL)
	if url == "" {
		return nil, errors.New("postgres: database url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	if p.cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(p.cfg.MaxConns)
	}
	if p.cfg.MinConns > 0 {
		poolCfg.MinConns = int32(p.cfg.MinConns)
	}
	if p.cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = p.cfg.MaxConnLifetime
	}
	for _, fn := range p.configure {
		fn(poolCfg)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Close releases the pool. The Provider cannot be reused afterwards.
func (p *Provider) Close() {
	if p == nil || p.closed.Swap(true) {
		return
	}
	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
}
