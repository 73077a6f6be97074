// Package maintenance runs background retention sweeps: task logs are
// trimmed to the configured cap and artifact blobs no current output
// references are removed together with their records.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/store"
)

// DefaultSchedule runs the sweep every ten minutes.
const DefaultSchedule = "@every 10m"

// Config tunes the sweeper.
type Config struct {
	// Schedule is a cron spec; empty means DefaultSchedule.
	Schedule string
	// LogRetention is the per-task log cap the sweep enforces; 0 skips the
	// log sweep.
	LogRetention int
}

// Sweeper periodically trims task logs and collects orphan artifacts.
type Sweeper struct {
	store  store.Store
	blobs  artifact.Store
	config Config

	cron     *cron.Cron
	stopOnce sync.Once
}

// New builds a sweeper. Call Start to schedule it.
func New(st store.Store, blobs artifact.Store, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Sweeper{
		store:  st,
		blobs:  blobs,
		config: cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules the sweep until Stop or ctx cancellation.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.config.Schedule, err)
	}
	s.cron.Start()
	logger.Info(ctx, "Maintenance sweeper started", "schedule", s.config.Schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish. Safe to
// call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// Sweep runs one maintenance pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.config.LogRetention > 0 {
		if n, err := s.store.TrimLogs(ctx, s.config.LogRetention); err != nil {
			logger.Error(ctx, "Log trim sweep failed", "err", err)
		} else if n > 0 {
			logger.Info(ctx, "Trimmed task logs", "entries", n)
		}
	}

	removed, err := s.collectOrphans(ctx)
	if err != nil {
		logger.Error(ctx, "Artifact sweep failed", "err", err)
		return
	}
	if removed > 0 {
		logger.Info(ctx, "Removed orphan artifacts", "count", removed)
	}
}

// collectOrphans deletes artifact records and blobs past their lifetime. An
// artifact outlives re-runs only while the task's current output still
// references it; replaced outputs detach their artifacts instead of deleting
// them inline, and the sweep picks them up here.
func (s *Sweeper) collectOrphans(ctx context.Context) (int, error) {
	orphans, err := s.store.ListOrphanArtifacts(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, art := range orphans {
		if art.StoragePath != "" {
			err := s.blobs.Delete(ctx, art.StoragePath)
			if err != nil && !errors.Is(err, artifact.ErrNotExist) {
				logger.Warn(ctx, "Failed to delete artifact blob", "artifactId", art.ID, "path", art.StoragePath, "err", err)
				continue
			}
		}
		if err := s.store.DeleteArtifact(ctx, art.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn(ctx, "Failed to delete artifact record", "artifactId", art.ID, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}
