// Package sweep periodically settles expired trades. Runs on every replica;
// a named lock makes sure only one replica sweeps at a time.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/atmx/options-engine/internal/lock"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/trade"
)

// LockName is the lock every replica contends for.
const LockName = "settlement-sweep"

const (
	DefaultInterval = time.Minute
	DefaultLockTTL  = 5 * time.Minute
)

// Settler settles one batch of expired trades.
type Settler interface {
	SettleExpiredBatch(ctx context.Context) ([]trade.Settlement, error)
}

// Sweeper runs the settlement batch on a fixed interval.
type Sweeper struct {
	settler  Settler
	locker   lock.Locker
	interval time.Duration
	lockTTL  time.Duration
	logger   *slog.Logger
}

// New creates a sweeper. Non-positive durations take the defaults.
func New(settler Settler, locker lock.Locker, interval, lockTTL time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		settler:  settler,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		logger:   logger.With("component", "sweep"),
	}
}

// Run sweeps every interval until ctx is done. Must be called in a
// goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("settlement sweep started", "interval", s.interval, "lock_ttl", s.lockTTL)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("settlement sweep stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("settlement sweep failed", "err", err)
			}
		}
	}
}

// runBudget is how long one run may settle: 90% of the lock TTL.
func (s *Sweeper) runBudget() time.Duration {
	return s.lockTTL - s.lockTTL/10
}

// RunOnce performs one sweep if the lock is free and returns the number of
// trades it settled. A lock held elsewhere is not an error: the run is
// skipped. The sweep stops once most of the lock TTL is used up.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	release, err := s.locker.Acquire(ctx, LockName, s.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		s.logger.Debug("settlement sweep skipped: lock held elsewhere")
		return 0, nil
	}
	if err != nil {
		metrics.SweepRuns.WithLabelValues("failed").Inc()
		return 0, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release sweep lock", "err", err)
		}
	}()

	// The run must end before the lock can lapse, or a second replica could
	// start sweeping alongside it. Unsettled trades wait for the next run.
	runCtx, cancel := context.WithTimeout(ctx, s.runBudget())
	defer cancel()

	start := time.Now()
	results, err := s.settler.SettleExpiredBatch(runCtx)
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		s.logger.Warn("settlement sweep cut short at lock ttl", "lock_ttl", s.lockTTL, "settled", len(results))
	}
	if err != nil {
		metrics.SweepRuns.WithLabelValues("failed").Inc()
		return 0, err
	}
	metrics.SweepRuns.WithLabelValues("ran").Inc()

	var settled int
	for _, r := range results {
		if !r.AlreadySettled {
			settled++
		}
	}
	if len(results) > 0 {
		s.logger.Info("settlement sweep complete", "settled", settled, "elapsed", time.Since(start))
	}
	return settled, nil
}
