package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// SweepResult is the outcome of one sweep.
type SweepResult struct {
	Removed []string
	Failed  int
}

// Sweeper deletes artifacts older than a fixed age.
type Sweeper struct {
	dirs     []string
	lifetime time.Duration
	logger   *zap.Logger

	// afterSweep runs at the end of every sweep, e.g. to evict stale tasks.
	afterSweep func(ctx context.Context, now time.Time)
}

func NewSweeper(d *Dirs, lifetime time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		dirs:     []string{d.uploadDir, d.outputDir},
		lifetime: lifetime,
		logger:   logger,
	}
}

// OnSweep registers fn to run after each sweep.
func (s *Sweeper) OnSweep(fn func(ctx context.Context, now time.Time)) {
	s.afterSweep = fn
}

// Sweep removes regular files whose modification time is more than the
// lifetime before now. Errors never propagate.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("failed to read artifact directory", zap.String("path", dir), zap.Error(err))
				result.Failed++
			}
			continue
		}
		for _, entry := range entries {
			if !entry.Type().IsRegular() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			info, err := entry.Info()
			if err != nil {
				continue
			}
			age := now.Sub(info.ModTime())
			if age <= s.lifetime {
				continue
			}
			if err := os.Remove(path); err != nil {
				if !os.IsNotExist(err) {
					s.logger.Warn("failed to remove expired artifact", zap.String("path", path), zap.Error(err))
					result.Failed++
				}
				continue
			}
			s.logger.Info("removed expired artifact", zap.String("path", path), zap.Duration("age", age))
			result.Removed = append(result.Removed, path)
		}
	}
	if s.afterSweep != nil {
		s.afterSweep(ctx, now)
	}
	return result
}

// Run sweeps once immediately and then every interval until ctx is done. A
// non-positive interval sweeps only once.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.Sweep(ctx, time.Now())
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper shutting down")
			return
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}
