package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/infrastructure/metrics"
	"ListingRadar/internal/matching"
	"ListingRadar/internal/ports"
)

// DispatchReport lists owners per outcome for one record.
type DispatchReport struct {
	Matched    int      `json:"matched"`
	Sent       []string `json:"sent,omitempty"`
	Failed     []string `json:"failed,omitempty"`
	Duplicates []string `json:"duplicates,omitempty"`
	Abandoned  []string `json:"abandoned,omitempty"`
}

// DispatcherDeps wires the collaborators of the Dispatcher.
type DispatcherDeps struct {
	Filters    ports.FilterRepository
	Deliveries ports.DeliveryRepository
	Messages   ports.MessageRepository
	Transport  ports.Transport
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Dispatcher fans a classified record out to the owners of matching filters, at most once per owner.
type Dispatcher struct {
	filters    ports.FilterRepository
	deliveries ports.DeliveryRepository
	messages   ports.MessageRepository
	transport  ports.Transport
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewDispatcher builds a Dispatcher; a zero Timeout falls back to 15s.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		filters:    deps.Filters,
		deliveries: deps.Deliveries,
		messages:   deps.Messages,
		transport:  deps.Transport,
		timeout:    timeout,
		logger:     logger,
		now:        utcNow,
		newID:      uuid.NewString,
	}
}

// Dispatch matches record against one snapshot of the active filters and delivers to each
// matching owner that has no delivery for this record yet. A collision on the (record, owner)
// uniqueness constraint means the owner was already served and is skipped silently.
// Transport failures are recorded on the delivery and do not fail the call.
//
// The snapshot and the delivery rows are written even after ctx is cancelled; only transport
// calls are abandoned, leaving their deliveries pending. Once every matching owner has a
// delivery the message's awaiting-dispatch marker is cleared, otherwise the sweeper runs the
// fan-out again.
func (d *Dispatcher) Dispatch(ctx context.Context, record domain.ClassifiedRecord) (DispatchReport, error) {
	var report DispatchReport
	if !record.ShouldConsider {
		return report, nil
	}
	persist := context.WithoutCancel(ctx)

	snapshot, err := d.filters.ActiveFilters(persist)
	if err != nil {
		return report, fmt.Errorf("load active filters: %w", err)
	}

	matched := byOwner(matching.Match(record, snapshot))
	report.Matched = len(matched)

	summary := RenderSummary(record)
	var errs []error
	fannedOut := true
	for _, f := range matched {
		now := d.now()
		delivery := domain.DeliveryRecord{
			ID:           d.newID(),
			RecordID:     record.ID,
			MessageKey:   record.MessageKey,
			OwnerID:      f.OwnerID,
			FilterID:     f.ID,
			Status:       domain.DeliveryPending,
			Attempts:     1,
			DispatchedAt: now,
			UpdatedAt:    now,
		}

		if err := d.deliveries.CreateDelivery(persist, delivery); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				metrics.RecordDelivery(metrics.DeliveryDuplicate)
				report.Duplicates = append(report.Duplicates, f.OwnerID)
				continue
			}
			fannedOut = false
			errs = append(errs, fmt.Errorf("create delivery for %s: %w", f.OwnerID, err))
			continue
		}
		if ctx.Err() != nil {
			report.Abandoned = append(report.Abandoned, f.OwnerID)
			continue
		}

		status, err := d.send(ctx, delivery, summary)
		switch status {
		case domain.DeliverySent:
			report.Sent = append(report.Sent, f.OwnerID)
		case domain.DeliveryFailed:
			report.Failed = append(report.Failed, f.OwnerID)
		case domain.DeliveryPending:
			report.Abandoned = append(report.Abandoned, f.OwnerID)
		}
		if err != nil && status != domain.DeliveryFailed {
			errs = append(errs, err)
		}
	}

	if len(report.Sent) > 0 {
		if err := d.messages.MarkDispatched(persist, record.MessageKey, report.Sent, d.now()); err != nil {
			errs = append(errs, err)
		}
	}
	if fannedOut {
		if err := d.messages.MarkFannedOut(persist, record.MessageKey, d.now()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(report.Abandoned) > 0 {
		d.logger.Warn("deliveries left pending on shutdown", "record_id", record.ID, "owners", report.Abandoned)
	}
	return report, errors.Join(errs...)
}

// send performs one transport call for a pending delivery and records the outcome.
// If ctx is cancelled during the call the delivery stays pending for the operator retry.
func (d *Dispatcher) send(ctx context.Context, delivery domain.DeliveryRecord, summary string) (domain.DeliveryStatus, error) {
	logger := d.logger.With("delivery_id", delivery.ID, "record_id", delivery.RecordID, "owner_id", delivery.OwnerID)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	sendErr := d.transport.Deliver(callCtx, delivery.OwnerID, summary)
	cancel()

	if sendErr != nil && ctx.Err() != nil {
		logger.Warn("delivery abandoned on shutdown", "error", sendErr)
		return domain.DeliveryPending, ctx.Err()
	}

	change := domain.DeliveryChange{
		From:     domain.DeliveryPending,
		To:       domain.DeliverySent,
		Attempts: delivery.Attempts,
		At:       d.now(),
	}
	if sendErr != nil {
		if !domain.IsExternal(sendErr) {
			sendErr = domain.NewExternalError("deliver", sendErr)
		}
		change.To = domain.DeliveryFailed
		change.Error = sendErr.Error()
	}

	if err := d.deliveries.UpdateDeliveryStatus(context.WithoutCancel(ctx), delivery.ID, change); err != nil {
		logger.Error("record delivery outcome", "status", change.To, "error", err)
		return change.To, fmt.Errorf("record delivery %s: %w", delivery.ID, err)
	}
	metrics.RecordDelivery(string(change.To))

	if sendErr != nil {
		logger.Warn("delivery failed", "error", sendErr)
		return domain.DeliveryFailed, sendErr
	}
	logger.Info("delivery sent")
	return domain.DeliverySent, nil
}

// byOwner keeps the first filter per owner; input order is preserved.
func byOwner(filters []domain.SubscriberFilter) []domain.SubscriberFilter {
	seen := make(map[string]struct{}, len(filters))
	out := filters[:0:0]
	for _, f := range filters {
		if _, ok := seen[f.OwnerID]; ok {
			continue
		}
		seen[f.OwnerID] = struct{}{}
		out = append(out, f)
	}
	return out
}
