package queue

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

// MemoryQueue is an in-process JobQueue made of buffered lanes, one consumer goroutine per lane.
// Jobs are not durable; messages left pending by a crash are re-enqueued by the sweeper.
type MemoryQueue struct {
	lanes  []chan domain.Job
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger
}

var _ ports.JobQueue = (*MemoryQueue)(nil)

// NewMemoryQueue builds a queue with the given lane count and per-lane buffer.
func NewMemoryQueue(shards, buffer int, logger *slog.Logger) *MemoryQueue {
	if shards <= 0 {
		shards = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	lanes := make([]chan domain.Job, shards)
	for i := range lanes {
		lanes[i] = make(chan domain.Job, buffer)
	}
	return &MemoryQueue{
		lanes:  lanes,
		closed: make(chan struct{}),
		logger: logger,
	}
}

// Enqueue blocks until the lane accepts the job, ctx ends or the queue is closed.
func (q *MemoryQueue) Enqueue(ctx context.Context, job domain.Job) error {
	lane := q.lanes[shardFor(job.Key.ChannelID, len(q.lanes))]
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case lane <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrClosed
	}
}

// Consume runs one sequential consumer per lane until ctx is cancelled or Close is called.
func (q *MemoryQueue) Consume(ctx context.Context, handler ports.JobHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, lane := range q.lanes {
		g.Go(func() error {
			q.drain(gctx, i, lane, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) drain(ctx context.Context, idx int, lane <-chan domain.Job, handler ports.JobHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case job := <-lane:
			if err := handler(ctx, job); err != nil {
				q.logger.Warn("job handler failed", "lane", idx, "key", job.Key.String(), "error", err)
			}
		}
	}
}

// Close stops consumers and rejects further jobs.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
