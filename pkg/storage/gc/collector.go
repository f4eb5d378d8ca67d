// Package gc provides background collection of expired temporary
// fragments.
//
// Query processing stores intermediate results in the reserved temp
// collection; fragments left behind by crashed or abandoned sessions
// would otherwise accumulate forever. The collector periodically asks
// the broker to clean them up once every fragment has aged past the
// configured timeout.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/storage"
)

// Collector runs periodic temp-fragment cleanup against one broker.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	broker *storage.Broker
	config Config
	stopCh chan struct{}
	doneCh chan struct{}
}

// Config contains configuration for the temp-fragment collector.
type Config struct {
	// Enabled controls whether collection is active (default: true)
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run a cleanup pass (default: 1m)
	Interval time.Duration `mapstructure:"interval"`
}

// NewCollector creates a collector bound to broker.
//
// The collector is initialized but not started; call Start() to begin
// background collection.
func NewCollector(broker *storage.Broker, config Config) *Collector {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Collector{
		broker: broker,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background collection. A disabled collector is a no-op.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Temp fragment collection disabled")
		return
	}
	logger.Info("Starting temp fragment collector: interval=%s", c.config.Interval)
	go c.worker()
}

// Stop signals the worker and waits for it to finish, bounded by ctx.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	close(c.stopCh)
	select {
	case <-c.doneCh:
		logger.Info("Temp fragment collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Temp fragment collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow triggers an immediate cleanup pass. Useful for tests and
// admin-triggered maintenance.
func (c *Collector) RunNow() (*Stats, error) {
	return c.collect(time.Now())
}

// worker is the background goroutine driving periodic cleanup.
func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := c.collect(time.Now())
			if err != nil {
				logger.Error("Temp fragment collection failed: %v", err)
			} else if stats.Removed {
				logger.Info("Temp fragment collection completed: %s", stats.Summary())
			}
		case <-c.stopCh:
			return
		}
	}
}

// collect performs one cleanup pass at the given reference time.
func (c *Collector) collect(now time.Time) (*Stats, error) {
	stats := &Stats{StartTime: now}

	tx := c.broker.Begin()
	removed, err := c.broker.CleanUpTempResources(tx, now)
	if err != nil {
		_ = tx.Abort()
		stats.EndTime = time.Now()
		return stats, err
	}
	if err := tx.Commit(); err != nil {
		stats.EndTime = time.Now()
		return stats, err
	}

	stats.Removed = removed
	stats.EndTime = time.Now()
	return stats, nil
}

// Stats contains statistics from one cleanup pass.
type Stats struct {
	StartTime time.Time
	EndTime   time.Time

	// Removed reports whether the temp collection was collected
	Removed bool
}

// Duration returns the total pass duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the pass.
func (s *Stats) Summary() string {
	return fmt.Sprintf("removed=%v duration=%s", s.Removed, s.Duration())
}
