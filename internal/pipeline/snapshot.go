package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// SnapshotJob periodically writes a ledger snapshot to object storage.
type SnapshotJob struct {
	archiver domain.Archiver
	schedule Schedule
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotJob creates a SnapshotJob firing on schedule.
func NewSnapshotJob(archiver domain.Archiver, schedule Schedule, logger *slog.Logger) *SnapshotJob {
	return &SnapshotJob{
		archiver: archiver,
		schedule: schedule,
		logger:   logger.With(slog.String("component", "snapshot_job")),
		now:      time.Now,
	}
}

// RunOnce archives every item listed up to now.
func (j *SnapshotJob) RunOnce(ctx context.Context) error {
	start := j.now()
	path, count, err := j.archiver.ArchiveItems(ctx, start)
	if err != nil {
		return fmt.Errorf("pipeline: snapshot: %w", err)
	}
	j.logger.InfoContext(ctx, "snapshot complete",
		slog.String("path", path),
		slog.Int64("items", count),
		slog.Duration("elapsed", j.now().Sub(start)),
	)
	return nil
}

// Run fires RunOnce on the schedule until ctx is cancelled. A failed run is
// logged and the next one is still scheduled.
func (j *SnapshotJob) Run(ctx context.Context) error {
	j.logger.InfoContext(ctx, "snapshot job started", slog.String("cron", j.schedule.String()))

	for {
		next := j.schedule.Next(j.now())
		if next.IsZero() {
			return fmt.Errorf("pipeline: cron %q never fires", j.schedule)
		}
		wait := next.Sub(j.now())
		j.logger.DebugContext(ctx, "snapshot job waiting",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.InfoContext(ctx, "snapshot job stopped")
			return ctx.Err()
		case <-timer.C:
			if err := j.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				j.logger.ErrorContext(ctx, "snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}
