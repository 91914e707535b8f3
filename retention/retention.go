// Package retention runs the periodic cleanup job: stale per-task work
// directories on disk and old rows in the analysis history.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/reelrelay/config"
)

// Policy defines what the cleanup job removes.
type Policy struct {
	// KeepDays: finished analyses older than this many days are eligible for pruning (0 = disabled)
	KeepDays int
	// KeepCount: always keep the N most recent analyses (0 = disabled)
	KeepCount int
	// DryRun: log what would be removed without removing it
	DryRun bool
	// Interval: how often the job runs
	Interval time.Duration
	// WorkDirMaxAge: work directories untouched for longer are removed
	WorkDirMaxAge time.Duration
}

// PolicyFromConfig maps the relay configuration onto a Policy. A work dir
// may be in use for a whole analysis, so WorkDirMaxAge never drops below
// twice the analysis timeout.
func PolicyFromConfig(cfg *config.Config) Policy {
	policy := Policy{
		KeepDays:      cfg.RetentionKeepDays,
		KeepCount:     cfg.RetentionKeepCount,
		DryRun:        cfg.RetentionDryRun,
		Interval:      cfg.RetentionInterval,
		WorkDirMaxAge: cfg.WorkDirMaxAge,
	}
	if floor := 2 * cfg.AnalysisTimeout; policy.WorkDirMaxAge < floor {
		policy.WorkDirMaxAge = floor
	}
	return policy
}

// pruneHistory reports whether history pruning is configured.
func (p Policy) pruneHistory() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// Sweeper removes stale work directories.
type Sweeper interface {
	CleanupStale(maxAge time.Duration) int
}

// Pruner deletes old history rows.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time, keepLast int, dryRun bool) (int, error)
}

// Job is the periodic cleanup. Either dependency may be nil.
type Job struct {
	policy  Policy
	sweeper Sweeper
	pruner  Pruner
	logger  *slog.Logger
	now     func() time.Time
}

// NewJob returns a cleanup job for policy.
func NewJob(policy Policy, sweeper Sweeper, pruner Pruner, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Interval <= 0 {
		policy.Interval = 6 * time.Hour
	}
	return &Job{
		policy:  policy,
		sweeper: sweeper,
		pruner:  pruner,
		logger:  logger.With(slog.String("component", "retention_cleanup"), slog.Bool("dry_run", policy.DryRun)),
		now:     time.Now,
	}
}

// Run cleans up immediately and then on every interval until ctx is done.
func (j *Job) Run(ctx context.Context) error {
	j.logger.Info("retention job starting",
		slog.Int("keep_days", j.policy.KeepDays),
		slog.Int("keep_count", j.policy.KeepCount),
		slog.Duration("interval", j.policy.Interval),
		slog.Duration("work_dir_max_age", j.policy.WorkDirMaxAge))

	j.RunOnce(ctx)

	ticker := time.NewTicker(j.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("retention job stopped")
			return nil
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup cycle. Failures are logged.
func (j *Job) RunOnce(ctx context.Context) {
	removedDirs := 0
	if j.sweeper != nil && j.policy.WorkDirMaxAge > 0 {
		if j.policy.DryRun {
			j.logger.Info("dry-run: skipping work dir sweep")
		} else {
			removedDirs = j.sweeper.CleanupStale(j.policy.WorkDirMaxAge)
		}
	}

	pruned := 0
	if j.pruner != nil && j.policy.pruneHistory() {
		// Without a day limit only the count limit applies.
		cutoff := j.now()
		if j.policy.KeepDays > 0 {
			cutoff = cutoff.Add(-time.Duration(j.policy.KeepDays) * 24 * time.Hour)
		}
		n, err := j.pruner.Prune(ctx, cutoff, j.policy.KeepCount, j.policy.DryRun)
		if err != nil {
			j.logger.Warn("retention cleanup failed", slog.Any("err", err))
		}
		pruned = n
	}

	mode := "cleanup"
	if j.policy.DryRun {
		mode = "dry-run"
	}
	j.logger.Info("retention cleanup completed",
		slog.String("mode", mode),
		slog.Int("work_dirs_removed", removedDirs),
		slog.Int("analyses_pruned", pruned))
}
