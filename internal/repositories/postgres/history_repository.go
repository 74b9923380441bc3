package postgres

import (
	"context"
	"errors"

	domain "github.com/carawoo/mereal/internal/domain"
	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/repositories"
)

// HistoryRepository appends order status history rows.
type HistoryRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.OrderStatusHistoryRepository = (*HistoryRepository)(nil)

// NewHistoryRepository constructs a Postgres-backed history repository.
func NewHistoryRepository(provider *ppostgres.Provider) (*HistoryRepository, error) {
	if provider == nil {
		return nil, errors.New("history repository requires postgres provider")
	}
	return &HistoryRepository{provider: provider}, nil
}

func (r *HistoryRepository) Append(ctx context.Context, entry domain.OrderStatusHistory) error {
	q, err := querier(ctx, r.provider, "history.append")
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO order_status_history (id, order_id, status, comment, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID,
		entry.OrderID,
		string(entry.Status),
		nullableString(entry.Comment),
		nullableString(entry.ActorID),
		entry.CreatedAt,
	)
	return ppostgres.WrapError("history.append", err)
}

func (r *HistoryRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error) {
	q, err := querier(ctx, r.provider, "history.list")
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT id, order_id, status, COALESCE(comment, ''), COALESCE(actor_id, ''), created_at
		FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("history.list", err)
	}
	defer rows.Close()

	entries := []domain.OrderStatusHistory{}
	for rows.Next() {
		var (
			entry  domain.OrderStatusHistory
			status string
		)
		if err := rows.Scan(&entry.ID, &entry.OrderID, &status, &entry.Comment, &entry.ActorID, &entry.CreatedAt); err != nil {
			return nil, ppostgres.WrapError("history.list.scan", err)
		}
		entry.Status = domain.OrderStatus(status)
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("history.list", err)
	}
	return entries, nil
}
