package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/infrastructure/metrics"
	"ListingRadar/internal/infrastructure/parser"
	"ListingRadar/internal/ports"
)

// IngestRequest is one message as observed by a channel source.
type IngestRequest struct {
	ChannelID    int64           `json:"channel_id"`
	MessageID    int64           `json:"message_id"`
	ChannelTitle string          `json:"channel_title,omitempty"`
	Body         string          `json:"body"`
	ObservedAt   time.Time       `json:"observed_at"`
	Counters     domain.Counters `json:"counters"`
}

// IngestResult identifies the stored message and whether this call created it.
type IngestResult struct {
	Key     domain.MessageKey    `json:"key"`
	Created bool                 `json:"created"`
	Status  domain.MessageStatus `json:"status"`
}

// Ingestor is the ingestion boundary: store first, then enqueue.
type Ingestor struct {
	messages ports.MessageRepository
	queue    ports.JobQueue
	logger   *slog.Logger
	now      func() time.Time
}

// NewIngestor wires the store and queue used by Ingest.
func NewIngestor(messages ports.MessageRepository, queue ports.JobQueue, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{messages: messages, queue: queue, logger: logger, now: utcNow}
}

// Ingest stores req as a pending message and enqueues its job. Redelivered messages are a no-op.
// A failed enqueue is not returned: the message is already durable and the sweeper re-enqueues it.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	key := domain.MessageKey{ChannelID: req.ChannelID, MessageID: req.MessageID}
	if req.ChannelID == 0 || req.MessageID <= 0 {
		return IngestResult{}, fmt.Errorf("%w: bad identity %s", domain.ErrInvalidMessage, key)
	}

	body := parser.PlainText(req.Body)
	if body == "" {
		return IngestResult{}, fmt.Errorf("%w: empty body for %s", domain.ErrInvalidMessage, key)
	}

	now := i.now()
	observed := req.ObservedAt
	if observed.IsZero() {
		observed = now
	}

	stored, created, err := i.messages.CreateMessage(ctx, domain.RawMessage{
		Key:          key,
		ChannelTitle: req.ChannelTitle,
		Body:         body,
		ObservedAt:   observed.UTC(),
		Counters:     req.Counters,
		Status:       domain.MessagePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest %s: %w", key, err)
	}
	metrics.RecordIngest(created)

	result := IngestResult{Key: stored.Key, Created: created, Status: stored.Status}
	if !created {
		i.logger.Debug("duplicate message ignored", "channel_id", key.ChannelID, "message_id", key.MessageID, "status", stored.Status)
		return result, nil
	}

	if err := i.queue.Enqueue(ctx, domain.Job{Key: key, EnqueuedAt: now}); err != nil {
		i.logger.Warn("enqueue failed, left for sweeper", "channel_id", key.ChannelID, "message_id", key.MessageID, "error", err)
	}
	return result, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
