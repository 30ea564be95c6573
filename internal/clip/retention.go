package clip

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"clipfog/internal/observability/metrics"
)

// SweeperConfig configures the retention sweeper.
type SweeperConfig struct {
	Dir       string
	Retention time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Clock     func() time.Time
}

// Sweeper deletes clip files older than the retention window. Job rows are
// never touched; their status stays as a historical record after the file is
// reclaimed.
type Sweeper struct {
	dir       string
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

// NewSweeper constructs a sweeper over the given clip directory.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		dir:       cfg.Dir,
		retention: cfg.Retention,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Sweep removes expired clip files and returns how many were deleted. Files
// already removed by per-job auto-delete are tolerated silently.
func (s *Sweeper) Sweep() (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "clip_*.mp4"))
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.retention)
	deleted := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("failed to stat clip", "path", path, "error", err)
			}
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("failed to delete expired clip", "path", path, "error", err)
			}
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.metrics.RetentionDeleted(deleted)
		s.logger.Info("expired clips deleted", "count", deleted)
	}
	return deleted, nil
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// StartSweeper runs the sweeper on the given interval until the context is
// cancelled or the returned stop function is called.
func StartSweeper(ctx context.Context, sweeper *Sweeper, interval time.Duration) func() {
	return startSweeperWithTicker(ctx, sweeper, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startSweeperWithTicker(ctx context.Context, sweeper *Sweeper, interval time.Duration, newTicker tickerFactory) func() {
	if sweeper == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if _, err := sweeper.Sweep(); err != nil {
					sweeper.logger.Error("retention sweep failed", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
