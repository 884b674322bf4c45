// Package sweeper periodically removes images that nobody has looked at for
// longer than the retention window.
package sweeper

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"github.com/q-controller/shotbox/src/pkg/metrics"
)

const (
	DefaultDelay     = 2 * time.Minute
	DefaultInterval  = 10 * time.Minute
	DefaultRetention = 28 * 24 * time.Hour
)

type Store interface {
	ListStale(ctx context.Context, window time.Duration, now time.Time) iter.Seq2[string, error]
	Remove(ctx context.Context, key string) error
}

type Config struct {
	Delay     time.Duration
	Interval  time.Duration
	Retention time.Duration
}

type Result struct {
	Removed int
	Failed  int
}

type Sweeper struct {
	store   Store
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func New(store Store, cfg Config, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	s := &Sweeper{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps after the configured delay and then once per interval until ctx
// is cancelled. It always returns nil; failed sweeps are retried on the next
// tick.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Expiry sweeper started",
		"delay", s.cfg.Delay, "interval", s.cfg.Interval, "retention", s.cfg.Retention)

	timer := time.NewTimer(s.cfg.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs a single pass. A failure on one entry is logged and does not
// stop the others. Cancelling ctx stops the pass between entries; the removal
// in progress is allowed to finish.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var result Result
	start := time.Now()

	for key, err := range s.store.ListStale(ctx, s.cfg.Retention, s.now()) {
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			result.Failed++
			s.logger.Error("Failed to scan for stale images", "key", key, "error", err)
			continue
		}

		if rmErr := s.store.Remove(context.WithoutCancel(ctx), key); rmErr != nil {
			result.Failed++
			s.logger.Error("Failed to delete unused image", "key", key, "error", rmErr)
		} else {
			result.Removed++
			s.logger.Info("Deleted unused image", "key", key)
		}

		if ctx.Err() != nil {
			break
		}
	}

	took := time.Since(start)
	s.metrics.Sweep(result.Removed, result.Failed, took)
	s.logger.Debug("Sweep finished", "removed", result.Removed, "failed", result.Failed, "took", took)
	return result
}
