package importer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/warden/internal/metrics"
)

// CleanerConfig contains cleanup settings
type CleanerConfig struct {
	// Finished operations retention
	MaxAge   time.Duration
	Interval time.Duration
}

// Cleaner periodically sweeps finished operations from the tracker
type Cleaner struct {
	tracker *Tracker
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(tracker *Tracker, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With("component", "cleaner"),
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		c.logger.Info("operation cleanup disabled")
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
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// RunOnce sweeps once and returns the number of removed operations
func (c *Cleaner) RunOnce() int {
	removed := c.tracker.Sweep(c.cfg.MaxAge)
	metrics.AddOperationsSwept(removed)
	if removed > 0 {
		c.logger.Info("cleaned up finished operations", "removed", removed)
	}
	return removed
}
