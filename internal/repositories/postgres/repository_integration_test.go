//go:build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/carawoo/mereal/internal/domain"
	pconfig "github.com/carawoo/mereal/internal/platform/config"
	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/repositories"
)

func newIntegrationRegistry(t *testing.T) *Registry {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	url := os.Getenv("API_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("API_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	provider := ppostgres.NewProvider(pconfig.DatabaseConfig{URL: url, MaxConns: 4})
	pool, err := provider.Pool(ctx)
	require.NoError(t, err)
	_, err = ppostgres.Migrate(ctx, pool)
	require.NoError(t, err)

	registry, err := NewRegistry(provider, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	return registry
}

func newTestOrder(userID string, now time.Time) domain.Order {
	return domain.Order{
		ID:         "ord_" + ulid.Make().String(),
		UserID:     userID,
		OwnerEmail: userID + "@example.com",
		File: domain.FileRef{
			URL:  "https://storage.example.com/poster.pdf",
			Name: "poster_100%.pdf",
			Type: "application/pdf",
			Size: 2048,
		},
		Options:     domain.PrintOptions{Size: domain.PaperSizeA3, Paper: domain.PaperGradeStandard, Quantity: 1},
		TotalAmount: 8000,
		Status:      domain.OrderStatusPending,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestOrderLifecycleIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	userID := "it-" + ulid.Make().String()

	order := newTestOrder(userID, now)
	require.NoError(t, registry.Orders().Insert(ctx, order))

	loaded, err := registry.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, loaded.Status)
	assert.Equal(t, domain.PaperSizeA3, loaded.Options.Size)
	assert.EqualValues(t, 1, loaded.Version)

	err = registry.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := registry.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
			OrderID:         order.ID,
			Status:          domain.OrderStatusProcessing,
			ExpectedVersion: 1,
			UpdatedAt:       now,
		}); err != nil {
			return err
		}
		if err := registry.Payments().Insert(ctx, domain.Payment{
			OrderID:    order.ID,
			Provider:   "toss",
			PaymentKey: "pk-" + order.ID,
			Amount:     8000,
			Status:     domain.PaymentStatusCompleted,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return registry.OrderHistory().Append(ctx, domain.OrderStatusHistory{
			ID:        ulid.Make().String(),
			OrderID:   order.ID,
			Status:    domain.OrderStatusProcessing,
			Comment:   "payment completed, awaiting production",
			ActorID:   "system",
			CreatedAt: now,
		})
	})
	require.NoError(t, err)

	_, err = registry.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
		OrderID:         order.ID,
		Status:          domain.OrderStatusCompleted,
		ExpectedVersion: 1,
		UpdatedAt:       now,
	})
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsConflict())

	payments, err := registry.Payments().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)

	history, err := registry.OrderHistory().ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "system", history[0].ActorID)

	err = registry.Payments().Insert(ctx, domain.Payment{
		OrderID: order.ID, Provider: "toss", PaymentKey: "pk-" + order.ID, Amount: 8000,
		Status: domain.PaymentStatusCompleted, CreatedAt: now,
	})
	require.True(t, errors.As(err, &repoErr))
	assert.True(t, repoErr.IsConflict())
}

func TestRunInTxRollsBackIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	order := newTestOrder("it-"+ulid.Make().String(), now)
	require.NoError(t, registry.Orders().Insert(ctx, order))

	boom := errors.New("boom")
	err := registry.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := registry.Orders().UpdateStatus(ctx, repositories.OrderStatusUpdate{
			OrderID: order.ID, Status: domain.OrderStatusCancelled, ExpectedVersion: 1, UpdatedAt: now,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	loaded, err := registry.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, loaded.Status)
	assert.EqualValues(t, 1, loaded.Version)
}

func TestOrderListSearchIntegration(t *testing.T) {
	registry := newIntegrationRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()
	userID := "it-" + ulid.Make().String()

	first := newTestOrder(userID, now.Add(-time.Minute))
	second := newTestOrder(userID, now)
	second.File.Name = "flyer.png"
	require.NoError(t, registry.Orders().Insert(ctx, first))
	require.NoError(t, registry.Orders().Insert(ctx, second))

	page, err := registry.Orders().List(ctx, repositories.OrderListFilter{UserID: userID})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, second.ID, page.Items[0].ID)

	page, err = registry.Orders().List(ctx, repositories.OrderListFilter{UserID: userID, SearchTerm: "100%"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, first.ID, page.Items[0].ID)

	page, err = registry.Orders().List(ctx, repositories.OrderListFilter{UserID: userID, SearchTerm: "FLYER"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, second.ID, page.Items[0].ID)
}
