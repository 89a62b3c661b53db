package outbox

import (
	"context"
	"time"

	"log/slog"

	"go.relaymesh.tech/internal/common/metrics"
)

// Cleaner deletes terminal outbox records whose createdAt is past the
// retention window. Runs as an hourly scheduler job.
type Cleaner struct {
	repo      Repository
	retention time.Duration
}

// NewCleaner creates a cleaner with the given retention window
func NewCleaner(repo Repository, retention time.Duration) *Cleaner {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Cleaner{repo: repo, retention: retention}
}

// Clean runs one cleanup cycle
func (c *Cleaner) Clean(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)

	deleted, err := c.repo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	if deleted > 0 {
		metrics.OutboxCleanupDeleted.Add(float64(deleted))
		slog.Info("Cleanup complete", "deleted", deleted, "olderThan", cutoff)
	}
	return nil
}
