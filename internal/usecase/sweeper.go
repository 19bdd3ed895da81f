package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

// SweeperDeps wires the collaborators of the Sweeper.
type SweeperDeps struct {
	Messages   ports.MessageRepository
	Records    ports.RecordRepository
	Queue      ports.JobQueue
	Dispatcher *Dispatcher
	Driver     ports.Scheduler
	StaleAfter time.Duration
	BatchSize  int
	Logger     *slog.Logger
}

// Sweeper re-enqueues pending messages whose job was lost between the store write and the
// queue write. Duplicates are harmless: the worker drops a job it cannot claim.
// It also re-runs the fan-out of completed records whose deliveries were never all created.
type Sweeper struct {
	messages   ports.MessageRepository
	records    ports.RecordRepository
	queue      ports.JobQueue
	dispatcher *Dispatcher
	driver     ports.Scheduler
	staleAfter time.Duration
	batchSize  int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper returns a sweeper; Start schedules it on the driver.
func NewSweeper(deps SweeperDeps) *Sweeper {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		messages:   deps.Messages,
		records:    deps.Records,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		driver:     deps.Driver,
		staleAfter: deps.StaleAfter,
		batchSize:  batch,
		logger:     logger,
		now:        utcNow,
	}
}

// Sweep enqueues one batch of stale pending messages and reports how many were enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.messages.ListMessages(ctx, domain.MessagePending, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale messages: %w", err)
	}

	enqueued := 0
	for _, msg := range stale {
		if err := s.queue.Enqueue(ctx, domain.Job{Key: msg.Key, EnqueuedAt: s.now()}); err != nil {
			return enqueued, fmt.Errorf("re-enqueue %s: %w", msg.Key, err)
		}
		enqueued++
	}
	if enqueued > 0 {
		s.logger.Info("stale messages re-enqueued", "count", enqueued)
	}
	return enqueued, nil
}

// Redispatch re-runs the fan-out for one batch of completed messages still awaiting dispatch
// and reports how many records were dispatched again. Owners that already have a delivery are
// absorbed by the uniqueness constraint; pending deliveries are left for the operator retry.
func (s *Sweeper) Redispatch(ctx context.Context) (int, error) {
	if s.dispatcher == nil || s.records == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.messages.ListAwaitingDispatch(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list awaiting dispatch: %w", err)
	}

	done := 0
	var errs []error
	for _, msg := range stale {
		if ctx.Err() != nil {
			break
		}
		record, err := s.records.GetRecord(ctx, msg.RecordID)
		if err != nil {
			errs = append(errs, fmt.Errorf("load record for %s: %w", msg.Key, err))
			continue
		}
		report, err := s.dispatcher.Dispatch(ctx, record)
		if err != nil {
			errs = append(errs, fmt.Errorf("redispatch %s: %w", record.ID, err))
			continue
		}
		s.logger.Info("fan-out resumed", "record_id", record.ID, "matched", report.Matched,
			"sent", len(report.Sent), "duplicates", len(report.Duplicates))
		done++
	}
	return done, errors.Join(errs...)
}

// RunOnce performs both sweeps, logging failures.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
	if _, err := s.Redispatch(ctx); err != nil {
		s.logger.Error("redispatch sweep failed", "error", err)
	}
}

// Start registers RunOnce with the scheduler driver.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Start(ctx, func(time.Time) { s.RunOnce(ctx) })
}

// Stop tears down the underlying scheduler.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
