package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const cleanupRunTimeout = time.Minute

// Cleaner periodically purges expired records from stores that do not expire them natively.
type Cleaner struct {
	store     Store
	interval  time.Duration
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger
}

// NewCleaner constructs a cleaner. A nil logger disables logging.
func NewCleaner(store Store, interval time.Duration, batchSize int, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		clock:     time.Now,
		logger:    logger,
	}
}

// Run ticks until ctx is cancelled. It returns immediately when the interval is not positive.
func (c *Cleaner) Run(ctx context.Context) {
	if c == nil || c.store == nil || c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Cleaner) runOnce(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, cleanupRunTimeout)
	defer cancel()

	removed, err := c.store.CleanupExpired(runCtx, c.clock().UTC(), c.batchSize)
	if err != nil {
		c.logger.Error("idempotency cleanup error", zap.Error(err))
		return 0
	}
	if removed > 0 {
		c.logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
	}
	return removed
}
