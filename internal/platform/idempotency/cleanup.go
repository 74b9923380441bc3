package idempotency

import (
	"context"
	"time"
)

const defaultCleanupBatch = 500

// Sweeper removes expired records in batches. It backs both the maintenance endpoint and the
// background ticker.
type Sweeper struct {
	store  Store
	batch  int
	clock  func() time.Time
	logger Logger
}

// NewSweeper constructs a sweeper over store. A non-positive batch uses 500.
func NewSweeper(store Store, batch int, logger Logger) *Sweeper {
	if batch <= 0 {
		batch = defaultCleanupBatch
	}
	return &Sweeper{store: store, batch: batch, clock: time.Now, logger: logger}
}

// Sweep deletes expired records until a batch comes back short. It returns the removed count.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s == nil || s.store == nil {
		return 0, nil
	}
	total := 0
	for {
		removed, err := s.store.CleanupExpired(ctx, s.clock().UTC(), s.batch)
		total += removed
		if err != nil {
			return total, err
		}
		if removed < s.batch {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Task adapts Sweep to the maintenance task signature.
func (s *Sweeper) Task(ctx context.Context) (map[string]any, error) {
	removed, err := s.Sweep(ctx)
	return map[string]any{"deleted": removed}, err
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if s.logger == nil {
				continue
			}
			if err != nil {
				s.logger.Printf("idempotency: cleanup failed after %d deletions: %v", removed, err)
			} else if removed > 0 {
				s.logger.Printf("idempotency: cleanup removed %d expired keys", removed)
			}
		}
	}
}
