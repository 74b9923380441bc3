package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/carawoo/mereal/internal/platform/storage"
	"github.com/carawoo/mereal/internal/repositories"
)

const (
	uploadIDPrefix = "upl_"

	defaultUploadMaxBytes   = 10 << 20
	defaultUploadTTL        = 7 * 24 * time.Hour
	defaultUploadURLExpiry  = 15 * time.Minute
	defaultCleanupBatchSize = 100
	maxUploadFileNameLen    = 200
)

// DefaultUploadExtensions lists the design file formats accepted for printing.
var DefaultUploadExtensions = []string{"pdf", "psd", "ai", "png", "jpg", "jpeg"}

var uploadContentTypes = map[string][]string{
	"pdf":  {"application/pdf"},
	"psd":  {"image/vnd.adobe.photoshop", "application/x-photoshop", "image/x-photoshop", "application/octet-stream"},
	"ai":   {"application/postscript", "application/illustrator", "application/pdf", "application/octet-stream"},
	"png":  {"image/png"},
	"jpg":  {"image/jpeg"},
	"jpeg": {"image/jpeg"},
}

type uploadURLSigner interface {
	SignUpload(ctx context.Context, bucket, object string, opts storage.UploadOptions) (storage.SignedURLResult, error)
}

type objectDeleter interface {
	DeleteObject(ctx context.Context, bucket, object string) error
}

// UploadServiceDeps bundles collaborators required to construct the upload service.
type UploadServiceDeps struct {
	Uploads           repositories.FileUploadRepository
	Signer            uploadURLSigner
	Objects           objectDeleter
	Bucket            string
	PublicEndpoint    string
	MaxBytes          int64
	TTL               time.Duration
	URLExpiry         time.Duration
	AllowedExtensions []string
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type uploadService struct {
	uploads    repositories.FileUploadRepository
	signer     uploadURLSigner
	objects    objectDeleter
	bucket     string
	endpoint   string
	maxBytes   int64
	ttl        time.Duration
	urlExpiry  time.Duration
	extensions []string
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var _ UploadService = (*uploadService)(nil)

// NewUploadService constructs the upload registry service.
func NewUploadService(deps UploadServiceDeps) (UploadService, error) {
	if deps.Uploads == nil {
		return nil, errors.New("upload service: upload repository is required")
	}
	if deps.Signer == nil {
		return nil, errors.New("upload service: url signer is required")
	}
	bucket := strings.TrimSpace(deps.Bucket)
	if bucket == "" {
		return nil, errors.New("upload service: bucket is required")
	}

	svc := &uploadService{
		uploads:    deps.Uploads,
		signer:     deps.Signer,
		objects:    deps.Objects,
		bucket:     bucket,
		endpoint:   deps.PublicEndpoint,
		maxBytes:   deps.MaxBytes,
		ttl:        deps.TTL,
		urlExpiry:  deps.URLExpiry,
		extensions: normaliseExtensions(deps.AllowedExtensions),
		newID:      deps.IDGenerator,
		logger:     deps.Logger,
	}
	if svc.maxBytes <= 0 {
		svc.maxBytes = defaultUploadMaxBytes
	}
	if svc.ttl <= 0 {
		svc.ttl = defaultUploadTTL
	}
	if svc.urlExpiry <= 0 {
		svc.urlExpiry = defaultUploadURLExpiry
	}
	if len(svc.extensions) == 0 {
		svc.extensions = DefaultUploadExtensions
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc.clock = func() time.Time { return clock().UTC() }
	if svc.newID == nil {
		svc.newID = func() string { return ulid.Make().String() }
	}
	if svc.logger == nil {
		svc.logger = func(context.Context, string, map[string]any) {}
	}
	return svc, nil
}

func (s *uploadService) CreateUpload(ctx context.Context, cmd CreateUploadCommand) (UploadSlot, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return UploadSlot{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	fileName := strings.TrimSpace(cmd.FileName)
	if fileName == "" || utf8.RuneCountInString(fileName) > maxUploadFileNameLen {
		return UploadSlot{}, fmt.Errorf("%w: file name must be 1-%d characters", ErrValidation, maxUploadFileNameLen)
	}
	if cmd.Size <= 0 {
		return UploadSlot{}, fmt.Errorf("%w: file size must be positive", ErrValidation)
	}
	if cmd.Size > s.maxBytes {
		return UploadSlot{}, fmt.Errorf("%w: file size %d exceeds the %d byte limit", ErrValidation, cmd.Size, s.maxBytes)
	}

	ext := strings.TrimPrefix(strings.ToLower(path.Ext(fileName)), ".")
	if !slices.Contains(s.extensions, ext) {
		return UploadSlot{}, fmt.Errorf("%w: file extension %q is not allowed (allowed: %s)", ErrValidation, ext, strings.Join(s.extensions, ", "))
	}
	contentType, err := uploadContentType(ext, cmd.ContentType)
	if err != nil {
		return UploadSlot{}, err
	}

	id := uploadIDPrefix + s.newID()
	objectPath, err := storage.UploadObjectPath(userID, id, fileName)
	if err != nil {
		return UploadSlot{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	signed, err := s.signer.SignUpload(ctx, s.bucket, objectPath, storage.UploadOptions{
		ContentType: contentType,
		MaxSize:     s.maxBytes,
		ExpiresIn:   s.urlExpiry,
	})
	if err != nil {
		s.logger(ctx, "upload.sign.failed", map[string]any{"userId": userID, "error": err.Error()})
		return UploadSlot{}, fmt.Errorf("%w: sign upload url: %v", ErrPersistence, err)
	}

	now := s.clock()
	upload := FileUpload{
		ID:          id,
		UserID:      userID,
		Bucket:      s.bucket,
		ObjectPath:  objectPath,
		FileName:    fileName,
		ContentType: contentType,
		Size:        cmd.Size,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.uploads.Insert(ctx, upload); err != nil {
		return UploadSlot{}, mapRepositoryError("upload.insert", err)
	}

	s.logger(ctx, "upload.created", map[string]any{
		"uploadId": id,
		"userId":   userID,
		"size":     cmd.Size,
	})
	return UploadSlot{
		Upload:    upload,
		UploadURL: signed.URL,
		Method:    signed.Method,
		Headers:   signed.Headers,
		URLExpiry: signed.ExpiresAt,
		FileURL:   storage.PublicURL(s.endpoint, s.bucket, objectPath),
	}, nil
}

// CleanupExpired removes unattached uploads past their expiry: the object first, then the row.
// Failures are counted and skipped so one bad object does not stall the batch.
func (s *uploadService) CleanupExpired(ctx context.Context, limit int) (UploadCleanupResult, error) {
	if limit <= 0 {
		limit = defaultCleanupBatchSize
	}
	expired, err := s.uploads.ListExpired(ctx, s.clock(), limit)
	if err != nil {
		return UploadCleanupResult{}, mapRepositoryError("upload.listExpired", err)
	}

	result := UploadCleanupResult{Scanned: len(expired)}
	for _, upload := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if s.objects != nil {
			if err := s.objects.DeleteObject(ctx, upload.Bucket, upload.ObjectPath); err != nil {
				result.Failed++
				s.logger(ctx, "upload.cleanup.object_failed", map[string]any{"uploadId": upload.ID, "error": err.Error()})
				continue
			}
		}
		if err := s.uploads.Delete(ctx, upload.ID); err != nil {
			result.Failed++
			s.logger(ctx, "upload.cleanup.row_failed", map[string]any{"uploadId": upload.ID, "error": err.Error()})
			continue
		}
		result.Deleted++
	}
	s.logger(ctx, "upload.cleanup.completed", map[string]any{
		"scanned": result.Scanned,
		"deleted": result.Deleted,
		"failed":  result.Failed,
	})
	return result, nil
}

func uploadContentType(ext, requested string) (string, error) {
	allowed := uploadContentTypes[ext]
	requested = strings.ToLower(strings.TrimSpace(requested))
	if i := strings.Index(requested, ";"); i >= 0 {
		requested = strings.TrimSpace(requested[:i])
	}
	if requested == "" {
		if len(allowed) == 0 {
			return "application/octet-stream", nil
		}
		return allowed[0], nil
	}
	if len(allowed) > 0 && !slices.Contains(allowed, requested) {
		return "", fmt.Errorf("%w: content type %q does not match .%s files", ErrValidation, requested, ext)
	}
	return requested, nil
}

func normaliseExtensions(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		ext := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), ".")
		if ext != "" && !slices.Contains(out, ext) {
			out = append(out, ext)
		}
	}
	return out
}
