package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ListingRadar/internal/ports"
	"ListingRadar/pkg/logger"
)

// CronScheduler runs one recurring job on a cron expression.
// Overlapping runs are skipped so a slow sweep never piles up behind itself.
type CronScheduler struct {
	spec   string
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler builds a scheduler for a standard five-field expression or a descriptor like "@every 1m".
func NewCronScheduler(spec string, log *slog.Logger) *CronScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &CronScheduler{spec: spec, logger: log}
}

// Start registers job and begins firing. Calling Start twice is a no-op.
// The job stops firing once ctx is cancelled.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(logger.New(c.logger, "scheduler.cron"))
	runner := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	if _, err := runner.AddFunc(c.spec, func() {
		if ctx.Err() != nil {
			return
		}
		job(time.Now())
	}); err != nil {
		return fmt.Errorf("add cron job %q: %w", c.spec, err)
	}

	runner.Start()
	c.cron = runner
	c.logger.Info("cron started", "spec", c.spec)
	return nil
}

// Stop halts scheduling and waits for a running job to finish or ctx to expire.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	runner := c.cron
	c.cron = nil
	c.mu.Unlock()

	if runner == nil {
		return nil
	}

	select {
	case <-runner.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
