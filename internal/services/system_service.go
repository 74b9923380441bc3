package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// MaintenanceTask performs one unit of housekeeping and reports counters describing the work.
type MaintenanceTask func(ctx context.Context) (map[string]any, error)

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// Tasks maps maintenance task names (e.g. "uploads", "idempotency") to their implementation.
	Tasks  map[string]MaintenanceTask
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
	build      BuildInfo
	tasks      map[string]MaintenanceTask
	logger     func(context.Context, string, map[string]any)

	mu      sync.Mutex
	running map[string]bool
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the system utility service providing health reports and maintenance.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}

	tasks := make(map[string]MaintenanceTask, len(deps.Tasks))
	for name, task := range deps.Tasks {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || task == nil {
			return nil, fmt.Errorf("system service: invalid maintenance task %q", name)
		}
		tasks[key] = task
	}

	return &systemService{
		healthRepo: deps.HealthRepository,
		clock: func() time.Time {
			return clock().UTC()
		},
		build:   build,
		tasks:   tasks,
		logger:  logger,
		running: make(map[string]bool),
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	report.GeneratedAt = ensureTimestamp(report.GeneratedAt, now)
	report.Version = chooseFirstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = chooseFirstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = chooseFirstNonEmpty(report.Environment, s.build.Environment)

	if report.Uptime <= 0 && !s.build.StartedAt.IsZero() {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	if len(report.Checks) == 0 {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}

	if strings.TrimSpace(report.Status) == "" {
		report.Status = deriveStatus(report.Checks)
	}

	return report, nil
}

// RunMaintenance executes the named task. Overlapping runs of the same task are rejected with ErrConflict.
func (s *systemService) RunMaintenance(ctx context.Context, name string) (MaintenanceResult, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	task, ok := s.tasks[key]
	if !ok {
		return MaintenanceResult{}, fmt.Errorf("%w: unknown maintenance task %q (known: %s)", ErrNotFound, name, strings.Join(s.taskNames(), ", "))
	}

	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		return MaintenanceResult{}, fmt.Errorf("%w: maintenance task %s is already running", ErrConflict, key)
	}
	s.running[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	result := MaintenanceResult{Task: key, StartedAt: s.clock()}
	details, err := task(ctx)
	result.FinishedAt = s.clock()
	result.Details = details

	fields := map[string]any{
		"task":     key,
		"duration": result.FinishedAt.Sub(result.StartedAt).String(),
	}
	for k, v := range details {
		fields[k] = v
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "maintenance.failed", fields)
		return result, err
	}
	s.logger(ctx, "maintenance.completed", fields)
	return result, nil
}

func (s *systemService) taskNames() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ensureTimestamp(ts time.Time, fallback time.Time) time.Time {
	if ts.IsZero() {
		return fallback
	}
	return ts.UTC()
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	if len(checks) == 0 {
		return domain.HealthStatusOK
	}
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
			continue
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
