package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	domain "github.com/carawoo/mereal/internal/domain"
	ppostgres "github.com/carawoo/mereal/internal/platform/postgres"
	"github.com/carawoo/mereal/internal/repositories"
)

const uploadColumns = `id, user_id, bucket, object_path, file_name, content_type, size, order_id, created_at, expires_at`

// FileUploadRepository tracks uploaded design files.
type FileUploadRepository struct {
	provider *ppostgres.Provider
}

var _ repositories.FileUploadRepository = (*FileUploadRepository)(nil)

// NewFileUploadRepository constructs a Postgres-backed upload repository.
func NewFileUploadRepository(provider *ppostgres.Provider) (*FileUploadRepository, error) {
	if provider == nil {
		return nil, errors.New("file upload repository requires postgres provider")
	}
	return &FileUploadRepository{provider: provider}, nil
}

func (r *FileUploadRepository) Insert(ctx context.Context, upload domain.FileUpload) error {
	q, err := querier(ctx, r.provider, "uploads.insert")
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO file_uploads (`+uploadColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		upload.ID,
		upload.UserID,
		upload.Bucket,
		upload.ObjectPath,
		upload.FileName,
		upload.ContentType,
		upload.Size,
		upload.OrderID,
		upload.CreatedAt,
		upload.ExpiresAt,
	)
	return ppostgres.WrapError("uploads.insert", err)
}

func (r *FileUploadRepository) FindByID(ctx context.Context, uploadID string) (domain.FileUpload, error) {
	q, err := querier(ctx, r.provider, "uploads.get")
	if err != nil {
		return domain.FileUpload{}, err
	}
	upload, err := scanUpload(q.QueryRow(ctx, `SELECT `+uploadColumns+` FROM file_uploads WHERE id = $1`, uploadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FileUpload{}, ppostgres.NotFound("uploads.get", "upload %s not found", uploadID)
	}
	if err != nil {
		return domain.FileUpload{}, ppostgres.WrapError("uploads.get", err)
	}
	return upload, nil
}

// AttachToOrder links an unattached upload to an order. Attaching an upload that already belongs
// to another order is a conflict.
func (r *FileUploadRepository) AttachToOrder(ctx context.Context, uploadID, orderID string) error {
	q, err := querier(ctx, r.provider, "uploads.attach")
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, `UPDATE file_uploads SET order_id = $2
		WHERE id = $1 AND (order_id IS NULL OR order_id = $2)`, uploadID, orderID)
	if err != nil {
		return ppostgres.WrapError("uploads.attach", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM file_uploads WHERE id = $1)`, uploadID).Scan(&exists); err != nil {
		return ppostgres.WrapError("uploads.attach", err)
	}
	if !exists {
		return ppostgres.NotFound("uploads.attach", "upload %s not found", uploadID)
	}
	return ppostgres.Conflict("uploads.attach", "upload %s is attached to another order", uploadID)
}

// ListExpired returns unattached uploads whose expiry is at or before now, oldest first.
func (r *FileUploadRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.FileUpload, error) {
	q, err := querier(ctx, r.provider, "uploads.expired")
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.Query(ctx, `SELECT `+uploadColumns+` FROM file_uploads
		WHERE order_id IS NULL AND expires_at <= $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, ppostgres.WrapError("uploads.expired", err)
	}
	defer rows.Close()

	uploads := []domain.FileUpload{}
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, ppostgres.WrapError("uploads.expired.scan", err)
		}
		uploads = append(uploads, upload)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("uploads.expired", err)
	}
	return uploads, nil
}

func (r *FileUploadRepository) Delete(ctx context.Context, uploadID string) error {
	q, err := querier(ctx, r.provider, "uploads.delete")
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `DELETE FROM file_uploads WHERE id = $1`, uploadID)
	return ppostgres.WrapError("uploads.delete", err)
}

func scanUpload(row pgx.Row) (domain.FileUpload, error) {
	var upload domain.FileUpload
	if err := row.Scan(
		&upload.ID,
		&upload.UserID,
		&upload.Bucket,
		&upload.ObjectPath,
		&upload.FileName,
		&upload.ContentType,
		&upload.Size,
		&upload.OrderID,
		&upload.CreatedAt,
		&upload.ExpiresAt,
	); err != nil {
		return domain.FileUpload{}, err
	}
	upload.CreatedAt = upload.CreatedAt.UTC()
	upload.ExpiresAt = upload.ExpiresAt.UTC()
	return upload, nil
}
