package campaign

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings
type CleanerConfig struct {
	// Finished campaigns older than MaxAge are deleted
	MaxAge   time.Duration
	Interval time.Duration
}

// Cleaner deletes finished campaigns past their retention
type Cleaner struct {
	store     *BoltStore
	forgetter Forgetter
	cfg       CleanerConfig
	logger    *slog.Logger
	wg        sync.WaitGroup
	done      chan struct{}
	stopOnce  sync.Once
}

// NewCleaner creates a new cleaner service. forgetter may be nil.
func NewCleaner(store *BoltStore, forgetter Forgetter, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:     store,
		forgetter: forgetter,
		cfg:       cfg,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		c.logger.Info("campaign retention disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"max_age", c.cfg.MaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce deletes expired campaigns and returns how many were removed
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.store.CleanupFinished(ctx, c.cfg.MaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup campaigns", "error", err)
	}

	for _, id := range deleted {
		if c.forgetter == nil {
			break
		}
		if err := c.forgetter.Forget(id); err != nil {
			c.logger.Warn("failed to drop rate limit state", "campaign_id", id, "error", err)
		}
	}

	if len(deleted) > 0 {
		c.logger.Info("cleaned up finished campaigns", "deleted", len(deleted))
	}
	return len(deleted)
}
