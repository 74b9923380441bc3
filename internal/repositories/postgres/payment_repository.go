package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domain "github.com/carawoo/mereal/internal/domain"
	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/repositories"
)

const paymentColumns = `id, order_id, provider, payment_key, amount, status, method, approved_at, raw, created_at`

// PaymentRepository stores gateway-confirmed payments.
type PaymentRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)

// NewPaymentRepository constructs a Postgres-backed payment repository.
func NewPaymentRepository(provider *ppostgres.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires postgres provider")
	}
	return &PaymentRepository{provider: provider}, nil
}

// Insert writes the payment. A duplicate payment key surfaces as a conflict.
func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	q, err := querier(ctx, r.provider, "payments.insert")
	if err != nil {
		return err
	}
	id, err := uuid.Parse(payment.ID)
	if err != nil {
		id = uuid.New()
	}
	raw := payment.Raw
	if raw == nil {
		raw = map[string]any{}
	}
	_, err = q.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id,
		payment.OrderID,
		payment.Provider,
		payment.PaymentKey,
		payment.Amount,
		string(payment.Status),
		payment.Method,
		payment.ApprovedAt,
		raw,
		payment.CreatedAt,
	)
	return ppostgres.WrapError("payments.insert", err)
}

// FindByPaymentKey returns the payment recorded for a gateway reference.
func (r *PaymentRepository) FindByPaymentKey(ctx context.Context, paymentKey string) (domain.Payment, error) {
	q, err := querier(ctx, r.provider, "payments.get")
	if err != nil {
		return domain.Payment{}, err
	}
	payment, err := scanPayment(q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_key = $1`, paymentKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, ppostgres.NotFound("payments.get", "payment %s not found", paymentKey)
	}
	if err != nil {
		return domain.Payment{}, ppostgres.WrapError("payments.get", err)
	}
	return payment, nil
}

// ListByOrder returns the payments of an order, oldest first.
func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	q, err := querier(ctx, r.provider, "payments.list")
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, ppostgres.WrapError("payments.list", err)
	}
	defer rows.Close()

	payments := []domain.Payment{}
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, ppostgres.WrapError("payments.list.scan", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("payments.list", err)
	}
	return payments, nil
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		payment domain.Payment
		id      uuid.UUID
		status  string
	)
	if err := row.Scan(
		&id,
		&payment.OrderID,
		&payment.Provider,
		&payment.PaymentKey,
		&payment.Amount,
		&status,
		&payment.Method,
		&payment.ApprovedAt,
		&payment.Raw,
		&payment.CreatedAt,
	); err != nil {
		return domain.Payment{}, err
	}
	payment.ID = id.String()
	payment.Status = domain.PaymentStatus(status)
	payment.CreatedAt = payment.CreatedAt.UTC()
	return payment, nil
}
