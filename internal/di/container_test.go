package di

import (
	"context"
	"errors"
	"testing"

	"github.com/carawoo/mereal/internal/platform/config"
	"github.com/carawoo/mereal/internal/platform/idempotency"
	"github.com/carawoo/mereal/internal/services"
)

type stubUploads struct {
	limit  int
	result services.UploadCleanupResult
	err    error
}

func (s *stubUploads) CreateUpload(context.Context, services.CreateUploadCommand) (services.UploadSlot, error) {
	return services.UploadSlot{}, errors.New("not implemented")
}

func (s *stubUploads) CleanupExpired(_ context.Context, limit int) (services.UploadCleanupResult, error) {
	s.limit = limit
	return s.result, s.err
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, nil, Infrastructure{}); err == nil {
		t.Fatalf("expected error without a registry")
	}
}

func TestMaintenanceTasks(t *testing.T) {
	uploads := &stubUploads{result: services.UploadCleanupResult{Scanned: 5, Deleted: 4, Failed: 1}}
	store := idempotency.NewMemoryStore()
	tasks := maintenanceTasks(uploads, idempotency.NewSweeper(store, 10, nil), 25)

	if len(tasks) != 2 {
		t.Fatalf("expected uploads and idempotency tasks, got %d", len(tasks))
	}

	details, err := tasks[TaskUploads](context.Background())
	if err != nil {
		t.Fatalf("uploads task: %v", err)
	}
	if uploads.limit != 25 {
		t.Fatalf("expected configured batch size, got %d", uploads.limit)
	}
	if details["deleted"] != 4 || details["failed"] != 1 || details["scanned"] != 5 {
		t.Fatalf("unexpected details %v", details)
	}

	details, err = tasks[TaskIdempotency](context.Background())
	if err != nil {
		t.Fatalf("idempotency task: %v", err)
	}
	if details["deleted"] != 0 {
		t.Fatalf("expected empty store to sweep nothing, got %v", details)
	}
}

func TestMaintenanceTasksSkipMissingCollaborators(t *testing.T) {
	tasks := maintenanceTasks(nil, nil, 10)
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %v", tasks)
	}

	failing := &stubUploads{err: errors.New("list expired: timeout")}
	tasks = maintenanceTasks(failing, nil, 10)
	if _, err := tasks[TaskUploads](context.Background()); err == nil {
		t.Fatalf("expected cleanup error to propagate")
	}
}
