// Package janitor runs periodic cache maintenance: expired and corrupt
// entries are removed eagerly instead of waiting for a read to notice them.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Sweeper is the cache-side maintenance hook; it returns how many entries
// were removed.
type Sweeper interface {
	Cleanup(ctx context.Context) int
}

type Janitor struct {
	logger    *slog.Logger
	scheduler *gocron.Scheduler
	sweepers  []Sweeper
	interval  time.Duration
	opTimeout time.Duration
}

func New(logger *slog.Logger, interval time.Duration, sweepers ...Sweeper) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Janitor{
		logger:    logger,
		scheduler: gocron.NewScheduler(time.UTC),
		sweepers:  sweepers,
		interval:  interval,
		opTimeout: 30 * time.Second,
	}
}

// Start schedules the periodic sweep and starts the underlying scheduler.
func (j *Janitor) Start() error {
	if len(j.sweepers) == 0 {
		j.logger.Info("janitor: no caches registered, nothing to schedule")
		return nil
	}

	minutes := int(j.interval.Minutes())
	if minutes <= 0 {
		minutes = 15
	}

	_, err := j.scheduler.Every(minutes).Minutes().Do(j.sweep)
	if err != nil {
		return err
	}

	j.scheduler.StartAsync()
	return nil
}

func (j *Janitor) sweep() {
	start := time.Now()
	total := 0
	for _, s := range j.sweepers {
		ctx, cancel := context.WithTimeout(context.Background(), j.opTimeout)
		total += s.Cleanup(ctx)
		cancel()
	}
	j.logger.Info("cache sweep complete",
		"removed", total,
		"caches", len(j.sweepers),
		"dur", time.Since(start).String())
}

// Stop stops the scheduler and cancels any future sweeps.
func (j *Janitor) Stop() {
	if j.scheduler != nil {
		j.scheduler.Stop()
	}
}
