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
	"ListingRadar/internal/ports"
)

// WorkerDeps wires the collaborators of the extraction Worker.
type WorkerDeps struct {
	Messages            ports.MessageRepository
	Classifier          ports.Classifier
	Dispatcher          *Dispatcher
	ConfidenceThreshold float64
	ClassifierTimeout   time.Duration
	Logger              *slog.Logger
}

// Worker turns pending messages into classified records and hands them to the Dispatcher.
type Worker struct {
	messages   ports.MessageRepository
	classifier ports.Classifier
	dispatcher *Dispatcher
	threshold  float64
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewWorker builds a Worker; a zero ClassifierTimeout falls back to 30s.
func NewWorker(deps WorkerDeps) *Worker {
	timeout := deps.ClassifierTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		messages:   deps.Messages,
		classifier: deps.Classifier,
		dispatcher: deps.Dispatcher,
		threshold:  deps.ConfidenceThreshold,
		timeout:    timeout,
		logger:     logger,
		now:        utcNow,
		newID:      uuid.NewString,
	}
}

// Handle is the ports.JobHandler for classification jobs.
//
// The pending->processing write is the claim and reports the attempt it started; a job whose
// message is in any other status, or whose claim loses the race, is dropped. Classifier failures end in failed and are never
// re-enqueued here. When ctx is cancelled mid-call the message is left in processing.
func (w *Worker) Handle(ctx context.Context, job domain.Job) error {
	logger := w.logger.With("channel_id", job.Key.ChannelID, "message_id", job.Key.MessageID)

	msg, err := w.messages.ClaimMessage(ctx, job.Key, w.now())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		logger.Warn("job references unknown message")
		metrics.RecordExtraction(metrics.ExtractionDropped)
		return nil
	case errors.Is(err, domain.ErrStatusConflict):
		logger.Debug("job dropped, message not pending")
		metrics.RecordExtraction(metrics.ExtractionDropped)
		return nil
	case err != nil:
		return fmt.Errorf("claim message: %w", err)
	}
	attempt := msg.Attempts

	extraction, err := w.classify(ctx, msg.Body)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("classification abandoned, message left processing", "error", err)
			return ctx.Err()
		}
		return w.fail(ctx, logger, job.Key, attempt, err)
	}

	record := domain.ClassifiedRecord{
		ID:             w.newID(),
		MessageKey:     job.Key,
		Revision:       attempt,
		Text:           msg.Body,
		Confidence:     extraction.Confidence,
		ShouldConsider: extraction.Outcome == domain.OutcomeClassified && extraction.Confidence >= w.threshold,
		Usage:          extraction.Usage,
		CreatedAt:      w.now(),
	}
	if extraction.Outcome == domain.OutcomeClassified {
		record.Listing = extraction.Listing
	}

	if err := w.messages.CompleteMessage(context.WithoutCancel(ctx), job.Key, record, w.now()); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			logger.Warn("message moved while classifying, result discarded", "error", err)
			return nil
		}
		return fmt.Errorf("complete message: %w", err)
	}

	outcome := outcomeLabel(extraction, record)
	metrics.RecordExtraction(outcome)
	logger.Info("message classified", "record_id", record.ID, "outcome", outcome, "confidence", record.Confidence)

	if !record.ShouldConsider || w.dispatcher == nil {
		return nil
	}

	report, err := w.dispatcher.Dispatch(ctx, record)
	if err != nil {
		logger.Error("dispatch incomplete", "record_id", record.ID, "error", err)
	}
	if report.Matched > 0 {
		logger.Info("record dispatched", "record_id", record.ID,
			"matched", report.Matched, "sent", len(report.Sent), "failed", len(report.Failed))
	}
	return nil
}

func (w *Worker) classify(ctx context.Context, text string) (domain.Extraction, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	extraction, err := w.classifier.Classify(callCtx, text)
	metrics.RecordClassifierCall(time.Since(started), extraction.Usage, err)
	if err != nil {
		if !domain.IsExternal(err) {
			err = domain.NewExternalError("classify", err)
		}
		return domain.Extraction{}, err
	}
	return extraction, nil
}

// fail ends a run in failed. The write ignores cancellation so the terminal status lands,
// and is conditioned on attempt so a run superseded by an operator retry cannot overwrite the new one.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, key domain.MessageKey, attempt int, cause error) error {
	err := w.messages.UpdateMessageStatus(context.WithoutCancel(ctx), key, domain.StatusChange{
		From:          domain.MessageProcessing,
		To:            domain.MessageFailed,
		Attempt:       attempt,
		FailureReason: cause.Error(),
		At:            w.now(),
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		logger.Warn("message moved while classifying", "error", cause)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	metrics.RecordExtraction(metrics.ExtractionFailed)
	logger.Warn("classification failed", "error", cause)
	return nil
}

func outcomeLabel(extraction domain.Extraction, record domain.ClassifiedRecord) string {
	switch {
	case extraction.Outcome == domain.OutcomeNotApplicable:
		return metrics.ExtractionNotApplicable
	case !record.ShouldConsider:
		return metrics.ExtractionLowConfidence
	default:
		return metrics.ExtractionClassified
	}
}
