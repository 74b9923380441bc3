package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// MigrationResult summarises one applied migration.
type MigrationResult struct {
	Version  int64
	Source   string
	Duration string
}

// Migrate applies every pending embedded migration through the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]MigrationResult, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres: migrate requires a pool")
	}
	fsys, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: open migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("postgres: goose provider: %w", err)
	}
	applied, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: apply migrations: %w", err)
	}

	out := make([]MigrationResult, 0, len(applied))
	for _, res := range applied {
		if res == nil || res.Source == nil {
			continue
		}
		out = append(out, MigrationResult{
			Version:  res.Source.Version,
			Source:   res.Source.Path,
			Duration: res.Duration.String(),
		})
	}
	return out, nil
}
