package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/carawoo/mereal/internal/domain"
	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/repositories"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100

	orderColumns = `id, user_id, owner_email, file_upload_id, file_url, file_name, file_type, file_size,
		options, total_amount, status, admin_notes, tracking_number, estimated_delivery_date,
		version, created_at, updated_at`
)

// OrderRepository persists orders in the orders table.
type OrderRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(provider *ppostgres.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires postgres provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// Insert stores a new order row.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	q, err := querier(ctx, r.provider, "orders.insert")
	if err != nil {
		return err
	}
	version := order.Version
	if version <= 0 {
		version = 1
	}
	_, err = q.Exec(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		order.ID,
		order.UserID,
		order.OwnerEmail,
		nullableString(order.File.UploadID),
		order.File.URL,
		order.File.Name,
		order.File.Type,
		order.File.Size,
		order.Options,
		order.TotalAmount,
		string(order.Status),
		order.AdminNotes,
		order.TrackingNumber,
		dateOnly(order.EstimatedDeliveryDate),
		version,
		order.CreatedAt,
		order.UpdatedAt,
	)
	return ppostgres.WrapError("orders.insert", err)
}

// FindByID loads a single order without payments or history.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	q, err := querier(ctx, r.provider, "orders.get")
	if err != nil {
		return domain.Order{}, err
	}
	order, err := scanOrder(q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, ppostgres.NotFound("orders.get", "order %s not found", orderID)
	}
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.get", err)
	}
	return order, nil
}

// List returns one page of orders matching filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.OffsetPage[domain.Order], error) {
	q, err := querier(ctx, r.provider, "orders.list")
	if err != nil {
		return domain.OffsetPage[domain.Order]{}, err
	}

	query := buildOrderListQuery(filter)

	var total int
	if err := q.QueryRow(ctx, query.countSQL(), query.args...).Scan(&total); err != nil {
		return domain.OffsetPage[domain.Order]{}, ppostgres.WrapError("orders.list.count", err)
	}

	page := domain.OffsetPage[domain.Order]{
		Items:    []domain.Order{},
		Total:    total,
		Page:     query.page,
		PageSize: query.pageSize,
	}
	if total == 0 || query.offset() >= total {
		return page, nil
	}

	sql, args := query.selectSQL()
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return domain.OffsetPage[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}
	defer rows.Close()

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.OffsetPage[domain.Order]{}, ppostgres.WrapError("orders.list.scan", err)
		}
		page.Items = append(page.Items, order)
	}
	if err := rows.Err(); err != nil {
		return domain.OffsetPage[domain.Order]{}, ppostgres.WrapError("orders.list", err)
	}
	return page, nil
}

// UpdateStatus swaps the status when the stored version still equals update.ExpectedVersion.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	q, err := querier(ctx, r.provider, "orders.updateStatus")
	if err != nil {
		return domain.Order{}, err
	}
	order, err := scanOrder(q.QueryRow(ctx, `UPDATE orders SET
			status = $2,
			tracking_number = COALESCE($3, tracking_number),
			estimated_delivery_date = COALESCE($4, estimated_delivery_date),
			updated_at = $5,
			version = version + 1
		WHERE id = $1 AND version = $6
		RETURNING `+orderColumns,
		update.OrderID,
		string(update.Status),
		update.TrackingNumber,
		dateOnly(update.EstimatedDeliveryDate),
		update.UpdatedAt,
		update.ExpectedVersion,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, r.missOrConflict(ctx, q, "orders.updateStatus", update.OrderID, update.ExpectedVersion)
	}
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.updateStatus", err)
	}
	return order, nil
}

// UpdateNotes replaces the admin notes. The version is left untouched so a notes edit never
// invalidates a pending status change.
func (r *OrderRepository) UpdateNotes(ctx context.Context, orderID string, notes *string, updatedAt time.Time) (domain.Order, error) {
	q, err := querier(ctx, r.provider, "orders.updateNotes")
	if err != nil {
		return domain.Order{}, err
	}
	order, err := scanOrder(q.QueryRow(ctx,
		`UPDATE orders SET admin_notes = $2, updated_at = $3 WHERE id = $1 RETURNING `+orderColumns,
		orderID, notes, updatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, ppostgres.NotFound("orders.updateNotes", "order %s not found", orderID)
	}
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.updateNotes", err)
	}
	return order, nil
}

// Stats aggregates order counts and revenue relative to now.
func (r *OrderRepository) Stats(ctx context.Context, now time.Time) (domain.OrderStats, error) {
	q, err := querier(ctx, r.provider, "orders.stats")
	if err != nil {
		return domain.OrderStats{}, err
	}

	stats := domain.OrderStats{ByStatus: make(map[domain.OrderStatus]int64, len(domain.OrderStatuses))}
	for _, status := range domain.OrderStatuses {
		stats.ByStatus[status] = 0
	}

	rows, err := q.Query(ctx, `SELECT status, count(*) FROM orders GROUP BY status`)
	if err != nil {
		return domain.OrderStats{}, ppostgres.WrapError("orders.stats", err)
	}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return domain.OrderStats{}, ppostgres.WrapError("orders.stats.scan", err)
		}
		stats.ByStatus[domain.OrderStatus(status)] = count
		stats.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.OrderStats{}, ppostgres.WrapError("orders.stats", err)
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := now.AddDate(0, 0, -7)
	err = q.QueryRow(ctx, `SELECT
			count(*) FILTER (WHERE created_at >= $1),
			COALESCE(sum(total_amount) FILTER (WHERE status = 'completed' AND created_at >= $2), 0)
		FROM orders`, dayStart, weekAgo).Scan(&stats.TodayOrders, &stats.WeekRevenue)
	if err != nil {
		return domain.OrderStats{}, ppostgres.WrapError("orders.stats.window", err)
	}
	return stats, nil
}

func (r *OrderRepository) missOrConflict(ctx context.Context, q ppostgres.Querier, op, orderID string, expected int64) error {
	var current int64
	err := q.QueryRow(ctx, `SELECT version FROM orders WHERE id = $1`, orderID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ppostgres.NotFound(op, "order %s not found", orderID)
	}
	if err != nil {
		return ppostgres.WrapError(op, err)
	}
	return ppostgres.Conflict(op, "order %s version %d does not match expected %d", orderID, current, expected)
}

// orderListQuery holds the WHERE clause and paging derived from a filter.
type orderListQuery struct {
	where    []string
	args     []any
	page     int
	pageSize int
}

func buildOrderListQuery(filter repositories.OrderListFilter) orderListQuery {
	query := orderListQuery{page: filter.Page, pageSize: filter.PageSize}
	if query.page < 1 {
		query.page = 1
	}
	switch {
	case query.pageSize <= 0:
		query.pageSize = defaultOrderPageSize
	case query.pageSize > maxOrderPageSize:
		query.pageSize = maxOrderPageSize
	}

	add := func(clause string, arg any) {
		query.args = append(query.args, arg)
		query.where = append(query.where, fmt.Sprintf(clause, len(query.args)))
	}

	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		add("user_id = $%d", userID)
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if from := filter.DateRange.From; from != nil {
		add("created_at >= $%d", from.UTC())
	}
	if to := filter.DateRange.To; to != nil {
		add("created_at <= $%d", to.UTC())
	}
	if term := strings.TrimSpace(filter.SearchTerm); term != "" {
		pattern := "%" + escapeLike(term) + "%"
		query.args = append(query.args, pattern)
		n := len(query.args)
		query.where = append(query.where, fmt.Sprintf(`(file_name ILIKE $%d ESCAPE '\' OR owner_email ILIKE $%d ESCAPE '\')`, n, n))
	}
	return query
}

func (q orderListQuery) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

func (q orderListQuery) countSQL() string {
	return "SELECT count(*) FROM orders" + q.whereSQL()
}

func (q orderListQuery) offset() int {
	return (q.page - 1) * q.pageSize
}

func (q orderListQuery) selectSQL() (string, []any) {
	args := append(append([]any(nil), q.args...), q.pageSize, q.offset())
	sql := fmt.Sprintf("SELECT %s FROM orders%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		orderColumns, q.whereSQL(), len(args)-1, len(args))
	return sql, args
}

// escapeLike neutralises LIKE wildcards so the term matches literally.
func escapeLike(term string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(term)
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order    domain.Order
		uploadID *string
		status   string
	)
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OwnerEmail,
		&uploadID,
		&order.File.URL,
		&order.File.Name,
		&order.File.Type,
		&order.File.Size,
		&order.Options,
		&order.TotalAmount,
		&status,
		&order.AdminNotes,
		&order.TrackingNumber,
		&order.EstimatedDeliveryDate,
		&order.Version,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	if uploadID != nil {
		order.File.UploadID = *uploadID
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func nullableString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
