package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

// RetrierDeps wires the collaborators of the operator Retrier.
type RetrierDeps struct {
	Messages   ports.MessageRepository
	Records    ports.RecordRepository
	Deliveries ports.DeliveryRepository
	Queue      ports.JobQueue
	Dispatcher *Dispatcher
	Logger     *slog.Logger
}

// Retrier implements the explicit operator actions that move failed or abandoned work back
// into the pipeline. Nothing else in the system retries automatically.
type Retrier struct {
	messages   ports.MessageRepository
	records    ports.RecordRepository
	deliveries ports.DeliveryRepository
	queue      ports.JobQueue
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewRetrier builds a Retrier.
func NewRetrier(deps RetrierDeps) *Retrier {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{
		messages:   deps.Messages,
		records:    deps.Records,
		deliveries: deps.Deliveries,
		queue:      deps.Queue,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		now:        utcNow,
	}
}

// RetryMessage moves a failed or stuck processing message back to pending and enqueues it.
func (r *Retrier) RetryMessage(ctx context.Context, key domain.MessageKey) (domain.RawMessage, error) {
	msg, err := r.messages.GetMessage(ctx, key)
	if err != nil {
		return domain.RawMessage{}, err
	}

	err = r.messages.UpdateMessageStatus(ctx, key, domain.StatusChange{
		From: msg.Status,
		To:   domain.MessagePending,
		At:   r.now(),
	})
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("retry message: %w", err)
	}

	if err := r.queue.Enqueue(ctx, domain.Job{Key: key, EnqueuedAt: r.now()}); err != nil {
		r.logger.Warn("retry enqueue failed, left for sweeper", "channel_id", key.ChannelID, "message_id", key.MessageID, "error", err)
	}
	r.logger.Info("message retry requested", "channel_id", key.ChannelID, "message_id", key.MessageID, "from", msg.Status)

	return r.messages.GetMessage(ctx, key)
}

// RetryDelivery starts a new attempt for a failed or abandoned delivery and sends it again.
// The attempt counter guards the write, so two concurrent retries produce one transport call.
// A pending delivery counts as abandoned only once its attempt is older than the dispatch
// timeout; before that its transport call may still be in flight.
func (r *Retrier) RetryDelivery(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	delivery, err := r.deliveries.GetDelivery(ctx, id)
	if err != nil {
		return domain.DeliveryRecord{}, err
	}

	at := r.now()
	if delivery.Status == domain.DeliveryPending && at.Sub(delivery.DispatchedAt) < r.dispatcher.timeout {
		return domain.DeliveryRecord{}, fmt.Errorf("retry delivery %s: attempt %d may still be in flight: %w",
			id, delivery.Attempts, domain.ErrStatusConflict)
	}

	err = r.deliveries.UpdateDeliveryStatus(ctx, id, domain.DeliveryChange{
		From:     delivery.Status,
		To:       domain.DeliveryPending,
		Attempts: delivery.Attempts,
		At:       at,
	})
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("retry delivery: %w", err)
	}
	delivery.Status = domain.DeliveryPending
	delivery.Attempts++

	record, err := r.records.GetRecord(ctx, delivery.RecordID)
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("load record for delivery %s: %w", id, err)
	}

	status, sendErr := r.dispatcher.send(ctx, delivery, RenderSummary(record))
	if status == domain.DeliverySent {
		if err := r.messages.MarkDispatched(context.WithoutCancel(ctx), delivery.MessageKey, []string{delivery.OwnerID}, r.now()); err != nil {
			r.logger.Error("mark dispatched", "delivery_id", id, "error", err)
		}
	}
	if sendErr != nil && status == domain.DeliveryPending {
		return domain.DeliveryRecord{}, sendErr
	}

	return r.deliveries.GetDelivery(ctx, id)
}

// Redispatch re-runs matching for a stored record. Owners already served are skipped by the
// delivery uniqueness constraint, so only filters that match now and were missed get a delivery.
func (r *Retrier) Redispatch(ctx context.Context, recordID string) (DispatchReport, error) {
	record, err := r.records.GetRecord(ctx, recordID)
	if err != nil {
		return DispatchReport{}, err
	}
	return r.dispatcher.Dispatch(ctx, record)
}
