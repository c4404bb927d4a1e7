package worker

import (
	"context"
	"time"

	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const sweepLockName = "expiry-sweep"

// StaleOrderExpirer expires one batch of stale pending orders
type StaleOrderExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (*service.SweepResult, error)
}

// LeaderLock elects the instance that sweeps
type LeaderLock interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
	ExtendLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
}

// ExpirySweeper runs the expiry sweep on a fixed interval. When a lock is given only
// the instance holding it sweeps; the sweep itself stays safe without it.
type ExpirySweeper struct {
	expirer  StaleOrderExpirer
	lock     LeaderLock
	interval time.Duration
	lockTTL  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewExpirySweeper creates a new sweeper. lock may be nil.
func NewExpirySweeper(expirer StaleOrderExpirer, lock LeaderLock, interval, lockTTL time.Duration) *ExpirySweeper {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = interval
	}
	return &ExpirySweeper{
		expirer:  expirer,
		lock:     lock,
		interval: interval,
		lockTTL:  lockTTL,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// Start sweeps once immediately and then on every tick until ctx is done
func (s *ExpirySweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting expiry sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Expiry sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Stopping expiry sweeper")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps batches until none is left and returns how many orders expired.
// It returns 0 without sweeping when another instance holds the lock.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		util.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	token, leader := s.acquire(ctx)
	if !leader {
		return 0, nil
	}
	if token != "" {
		defer func() {
			if err := s.lock.ReleaseLock(context.WithoutCancel(ctx), sweepLockName, token); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	total := 0
	for {
		res, err := s.expirer.ExpireStale(ctx, s.now())
		if err != nil {
			return total, err
		}
		total += len(res.Expired)
		if !res.More {
			return total, nil
		}

		if token != "" {
			ok, err := s.lock.ExtendLock(ctx, sweepLockName, token, s.lockTTL)
			if err != nil || !ok {
				s.logger.Warn("Lost sweep lock, stopping early", zap.Int("expired", total), zap.Error(err))
				return total, nil
			}
		}
	}
}

// acquire reports whether this instance should sweep. An unreachable lock store is
// not a reason to stop sweeping, so it yields leadership without a token.
func (s *ExpirySweeper) acquire(ctx context.Context) (string, bool) {
	if s.lock == nil {
		return "", true
	}
	token, ok, err := s.lock.AcquireLock(ctx, sweepLockName, s.lockTTL)
	if err != nil {
		s.logger.Warn("Sweep lock unavailable, sweeping without it", zap.Error(err))
		return "", true
	}
	if !ok {
		s.logger.Debug("Another instance holds the sweep lock")
		return "", false
	}
	return token, true
}
