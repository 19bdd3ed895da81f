package ports

import (
	"context"
	"time"

	"ListingRadar/internal/domain"
)

// MessageRepository persists RawMessages. Uniqueness of MessageKey is enforced by the store.
type MessageRepository interface {
	// CreateMessage inserts msg unless its key exists; created reports which happened and
	// stored is the persisted row in either case.
	CreateMessage(ctx context.Context, msg domain.RawMessage) (stored domain.RawMessage, created bool, err error)
	GetMessage(ctx context.Context, key domain.MessageKey) (domain.RawMessage, error)
	// UpdateMessageStatus applies change only if the persisted status equals change.From,
	// otherwise it returns domain.ErrStatusConflict.
	UpdateMessageStatus(ctx context.Context, key domain.MessageKey, change domain.StatusChange) error
	// CompleteMessage atomically writes record and moves the message processing->completed.
	CompleteMessage(ctx context.Context, key domain.MessageKey, record domain.ClassifiedRecord, at time.Time) error
	// ClaimMessage moves a pending message to processing and returns it as claimed, attempt
	// count included. ErrStatusConflict when the message is not pending.
	ClaimMessage(ctx context.Context, key domain.MessageKey, at time.Time) (domain.RawMessage, error)
	// MarkFannedOut clears AwaitingDispatch once the record's deliveries are persisted.
	MarkFannedOut(ctx context.Context, key domain.MessageKey, at time.Time) error
	// ListAwaitingDispatch returns completed messages whose fan-out never finished.
	ListAwaitingDispatch(ctx context.Context, olderThan time.Time, limit int) ([]domain.RawMessage, error)
	// MarkDispatched appends owners to the message delivery bookkeeping.
	MarkDispatched(ctx context.Context, key domain.MessageKey, owners []string, at time.Time) error
	// ListMessages returns up to limit messages in status last updated before olderThan.
	ListMessages(ctx context.Context, status domain.MessageStatus, olderThan time.Time, limit int) ([]domain.RawMessage, error)
}

// RecordRepository reads ClassifiedRecords. Records are written through CompleteMessage.
type RecordRepository interface {
	GetRecord(ctx context.Context, id string) (domain.ClassifiedRecord, error)
}

// FilterRepository backs the Filter CRUD boundary and the matching snapshot.
type FilterRepository interface {
	SaveFilter(ctx context.Context, filter domain.SubscriberFilter) error
	GetFilter(ctx context.Context, id string) (domain.SubscriberFilter, error)
	DeleteFilter(ctx context.Context, id string) error
	ListFilters(ctx context.Context, ownerID string) ([]domain.SubscriberFilter, error)
	// ActiveFilters returns one consistent snapshot of every active filter with its price constraints.
	ActiveFilters(ctx context.Context) ([]domain.SubscriberFilter, error)
}

// DeliveryRepository persists DeliveryRecords. (RecordID, OwnerID) is unique in the store.
type DeliveryRepository interface {
	// CreateDelivery returns domain.ErrAlreadyExists when the pair is already present.
	CreateDelivery(ctx context.Context, delivery domain.DeliveryRecord) error
	GetDelivery(ctx context.Context, id string) (domain.DeliveryRecord, error)
	UpdateDeliveryStatus(ctx context.Context, id string, change domain.DeliveryChange) error
	ListDeliveries(ctx context.Context, recordID string) ([]domain.DeliveryRecord, error)
}

// Store bundles the four collections plus reporting.
type Store interface {
	MessageRepository
	RecordRepository
	FilterRepository
	DeliveryRepository
	Stats(ctx context.Context) (domain.Stats, error)
	Close() error
}

// JobHandler processes one job. A non-nil error leaves the job unacknowledged.
type JobHandler func(ctx context.Context, job domain.Job) error

// JobQueue is the durable classification work queue, ordered per source channel.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.Job) error
	// Consume blocks, delivering jobs to handler until ctx is cancelled.
	Consume(ctx context.Context, handler JobHandler) error
	Close() error
}

// Classifier extracts a structured listing from free text.
type Classifier interface {
	Classify(ctx context.Context, text string) (domain.Extraction, error)
}

// Transport delivers a rendered summary to an owner.
type Transport interface {
	Deliver(ctx context.Context, ownerID, summary string) error
}

// Scheduler controls when recurring jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
