package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/dgraph-io/badger/v4"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
	"ListingRadar/pkg/logger"
)

const (
	prefixMessage       = "msg/"
	prefixRecord        = "rec/"
	prefixFilter        = "flt/"
	prefixDelivery      = "dlv/"
	prefixDeliveryOwner = "dlvown/"
)

// BadgerConfig selects an on-disk or in-memory embedded store.
type BadgerConfig struct {
	Path     string
	InMemory bool
	Logger   *slog.Logger
}

// BadgerRepository implements ports.Store on an embedded badger database.
// Conditional writes rely on badger's optimistic transactions: a concurrent writer that
// read the same keys fails with badger.ErrConflict and is re-run against the new state.
type BadgerRepository struct {
	db *badger.DB
}

var _ ports.Store = (*BadgerRepository)(nil)

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*BadgerRepository, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger path is required for persistent storage")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(logger.New(cfg.Logger, "storage.badger"))
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerRepository{db: db}, nil
}

// Close releases the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

func messageKey(key domain.MessageKey) []byte {
	return []byte(prefixMessage + key.String())
}

func deliveryOwnerKey(recordID, ownerID string) []byte {
	return []byte(prefixDeliveryOwner + recordID + "/" + ownerID)
}

// update runs fn in a read-write transaction, re-running it when badger reports a conflict.
func (r *BadgerRepository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var last error
	err := retry.Do(
		func() error {
			last = r.db.Update(fn)
			if last != nil && !errors.Is(last, badger.ErrConflict) {
				return retry.Unrecoverable(last)
			}
			return last
		},
		retry.Attempts(8),
		retry.Delay(time.Millisecond),
		retry.MaxDelay(50*time.Millisecond),
		retry.Context(ctx),
	)
	if err != nil && last != nil {
		return last
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

func scanPrefix[T any](txn *badger.Txn, prefix string, visit func(T) bool) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		var v T
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		if !visit(v) {
			return nil
		}
	}
	return nil
}

// CreateMessage inserts msg unless a message with the same key exists.
func (r *BadgerRepository) CreateMessage(ctx context.Context, msg domain.RawMessage) (domain.RawMessage, bool, error) {
	var (
		stored  domain.RawMessage
		created bool
	)
	err := r.update(ctx, func(txn *badger.Txn) error {
		created = false
		err := getJSON(txn, messageKey(msg.Key), &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		stored, created = msg, true
		return setJSON(txn, messageKey(msg.Key), msg)
	})
	if err != nil {
		return domain.RawMessage{}, false, fmt.Errorf("create message %s: %w", msg.Key, err)
	}
	return stored, created, nil
}

// GetMessage loads a message by key.
func (r *BadgerRepository) GetMessage(_ context.Context, key domain.MessageKey) (domain.RawMessage, error) {
	var msg domain.RawMessage
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messageKey(key), &msg)
	})
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("get message %s: %w", key, err)
	}
	return msg, nil
}

// UpdateMessageStatus applies change when the stored status equals change.From.
func (r *BadgerRepository) UpdateMessageStatus(ctx context.Context, key domain.MessageKey, change domain.StatusChange) error {
	if err := change.Validate(); err != nil {
		return err
	}
	err := r.update(ctx, func(txn *badger.Txn) error {
		var msg domain.RawMessage
		if err := getJSON(txn, messageKey(key), &msg); err != nil {
			return err
		}
		if msg.Status != change.From || (change.Attempt > 0 && msg.Attempts != change.Attempt) {
			return domain.ErrStatusConflict
		}
		applyStatusChange(&msg, change)
		return setJSON(txn, messageKey(key), msg)
	})
	if err != nil {
		return fmt.Errorf("update message %s %s->%s: %w", key, change.From, change.To, err)
	}
	return nil
}

func applyStatusChange(msg *domain.RawMessage, change domain.StatusChange) {
	msg.Status = change.To
	msg.FailureReason = change.FailureReason
	msg.UpdatedAt = change.At
	if change.To == domain.MessageProcessing {
		msg.Attempts++
	}
}

// CompleteMessage writes record and marks the message completed in one transaction.
func (r *BadgerRepository) CompleteMessage(ctx context.Context, key domain.MessageKey, record domain.ClassifiedRecord, at time.Time) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		var msg domain.RawMessage
		if err := getJSON(txn, messageKey(key), &msg); err != nil {
			return err
		}
		if msg.Status != domain.MessageProcessing || (record.Revision > 0 && msg.Attempts != record.Revision) {
			return domain.ErrStatusConflict
		}
		recKey := []byte(prefixRecord + record.ID)
		if _, err := txn.Get(recKey); err == nil {
			return domain.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, recKey, record); err != nil {
			return err
		}
		applyStatusChange(&msg, domain.StatusChange{From: domain.MessageProcessing, To: domain.MessageCompleted, At: at})
		msg.RecordID = record.ID
		msg.AwaitingDispatch = record.ShouldConsider
		return setJSON(txn, messageKey(key), msg)
	})
	if err != nil {
		return fmt.Errorf("complete message %s: %w", key, err)
	}
	return nil
}

// ClaimMessage moves a pending message to processing and returns the claimed row.
func (r *BadgerRepository) ClaimMessage(ctx context.Context, key domain.MessageKey, at time.Time) (domain.RawMessage, error) {
	var claimed domain.RawMessage
	err := r.update(ctx, func(txn *badger.Txn) error {
		var msg domain.RawMessage
		if err := getJSON(txn, messageKey(key), &msg); err != nil {
			return err
		}
		if msg.Status != domain.MessagePending {
			return domain.ErrStatusConflict
		}
		applyStatusChange(&msg, domain.StatusChange{From: domain.MessagePending, To: domain.MessageProcessing, At: at})
		claimed = msg
		return setJSON(txn, messageKey(key), msg)
	})
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("claim message %s: %w", key, err)
	}
	return claimed, nil
}

// MarkFannedOut clears the awaiting-dispatch marker.
func (r *BadgerRepository) MarkFannedOut(ctx context.Context, key domain.MessageKey, at time.Time) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		var msg domain.RawMessage
		if err := getJSON(txn, messageKey(key), &msg); err != nil {
			return err
		}
		if !msg.AwaitingDispatch {
			return nil
		}
		msg.AwaitingDispatch = false
		msg.UpdatedAt = at
		return setJSON(txn, messageKey(key), msg)
	})
	if err != nil {
		return fmt.Errorf("mark fanned out %s: %w", key, err)
	}
	return nil
}

// ListAwaitingDispatch scans for completed messages still awaiting fan-out.
func (r *BadgerRepository) ListAwaitingDispatch(_ context.Context, olderThan time.Time, limit int) ([]domain.RawMessage, error) {
	var out []domain.RawMessage
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixMessage, func(msg domain.RawMessage) bool {
			if msg.Status == domain.MessageCompleted && msg.AwaitingDispatch && msg.UpdatedAt.Before(olderThan) {
				out = append(out, msg)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list awaiting dispatch: %w", err)
	}
	return out, nil
}

// MarkDispatched records owners in the message delivery bookkeeping.
func (r *BadgerRepository) MarkDispatched(ctx context.Context, key domain.MessageKey, owners []string, at time.Time) error {
	if len(owners) == 0 {
		return nil
	}
	err := r.update(ctx, func(txn *badger.Txn) error {
		var msg domain.RawMessage
		if err := getJSON(txn, messageKey(key), &msg); err != nil {
			return err
		}
		msg.Dispatched = true
		msg.DispatchedTo = mergeOwners(msg.DispatchedTo, owners)
		msg.UpdatedAt = at
		return setJSON(txn, messageKey(key), msg)
	})
	if err != nil {
		return fmt.Errorf("mark dispatched %s: %w", key, err)
	}
	return nil
}

func mergeOwners(existing, add []string) []string {
	out := slices.Clone(existing)
	for _, o := range add {
		if !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	slices.Sort(out)
	return out
}

// ListMessages scans for messages in status last updated before olderThan.
func (r *BadgerRepository) ListMessages(_ context.Context, status domain.MessageStatus, olderThan time.Time, limit int) ([]domain.RawMessage, error) {
	var out []domain.RawMessage
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixMessage, func(msg domain.RawMessage) bool {
			if msg.Status == status && msg.UpdatedAt.Before(olderThan) {
				out = append(out, msg)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// GetRecord loads a classified record by id.
func (r *BadgerRepository) GetRecord(_ context.Context, id string) (domain.ClassifiedRecord, error) {
	var rec domain.ClassifiedRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixRecord+id), &rec)
	})
	if err != nil {
		return domain.ClassifiedRecord{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// SaveFilter creates or replaces a filter together with its price constraints.
func (r *BadgerRepository) SaveFilter(ctx context.Context, filter domain.SubscriberFilter) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, []byte(prefixFilter+filter.ID), filter)
	})
	if err != nil {
		return fmt.Errorf("save filter %s: %w", filter.ID, err)
	}
	return nil
}

// GetFilter loads one filter.
func (r *BadgerRepository) GetFilter(_ context.Context, id string) (domain.SubscriberFilter, error) {
	var f domain.SubscriberFilter
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixFilter+id), &f)
	})
	if err != nil {
		return domain.SubscriberFilter{}, fmt.Errorf("get filter %s: %w", id, err)
	}
	return f, nil
}

// DeleteFilter removes a filter; deliveries that reference it are kept.
func (r *BadgerRepository) DeleteFilter(ctx context.Context, id string) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		key := []byte(prefixFilter + id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return domain.ErrNotFound
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("delete filter %s: %w", id, err)
	}
	return nil
}

// ListFilters returns the filters of one owner, or all filters when ownerID is empty.
func (r *BadgerRepository) ListFilters(_ context.Context, ownerID string) ([]domain.SubscriberFilter, error) {
	var out []domain.SubscriberFilter
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixFilter, func(f domain.SubscriberFilter) bool {
			if ownerID == "" || f.OwnerID == ownerID {
				out = append(out, f)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	return out, nil
}

// ActiveFilters reads every active filter inside one read transaction.
func (r *BadgerRepository) ActiveFilters(_ context.Context) ([]domain.SubscriberFilter, error) {
	var out []domain.SubscriberFilter
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixFilter, func(f domain.SubscriberFilter) bool {
			if f.Active {
				out = append(out, f)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("active filters: %w", err)
	}
	return out, nil
}

// CreateDelivery inserts delivery guarded by the (record, owner) index key.
func (r *BadgerRepository) CreateDelivery(ctx context.Context, delivery domain.DeliveryRecord) error {
	err := r.update(ctx, func(txn *badger.Txn) error {
		idx := deliveryOwnerKey(delivery.RecordID, delivery.OwnerID)
		if _, err := txn.Get(idx); err == nil {
			return domain.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(idx, []byte(delivery.ID)); err != nil {
			return err
		}
		return setJSON(txn, []byte(prefixDelivery+delivery.ID), delivery)
	})
	if err != nil {
		return fmt.Errorf("create delivery %s/%s: %w", delivery.RecordID, delivery.OwnerID, err)
	}
	return nil
}

// GetDelivery loads one delivery.
func (r *BadgerRepository) GetDelivery(_ context.Context, id string) (domain.DeliveryRecord, error) {
	var d domain.DeliveryRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(prefixDelivery+id), &d)
	})
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("get delivery %s: %w", id, err)
	}
	return d, nil
}

// UpdateDeliveryStatus applies change when both status and attempt counter match.
func (r *BadgerRepository) UpdateDeliveryStatus(ctx context.Context, id string, change domain.DeliveryChange) error {
	if err := change.Validate(); err != nil {
		return err
	}
	err := r.update(ctx, func(txn *badger.Txn) error {
		var d domain.DeliveryRecord
		key := []byte(prefixDelivery + id)
		if err := getJSON(txn, key, &d); err != nil {
			return err
		}
		if d.Status != change.From || d.Attempts != change.Attempts {
			return domain.ErrStatusConflict
		}
		applyDeliveryChange(&d, change)
		return setJSON(txn, key, d)
	})
	if err != nil {
		return fmt.Errorf("update delivery %s %s->%s: %w", id, change.From, change.To, err)
	}
	return nil
}

func applyDeliveryChange(d *domain.DeliveryRecord, change domain.DeliveryChange) {
	d.Status = change.To
	d.Error = change.Error
	d.UpdatedAt = change.At
	if change.To == domain.DeliveryPending {
		d.Attempts++
		d.DispatchedAt = change.At
	}
}

// ListDeliveries returns the deliveries created for one record.
func (r *BadgerRepository) ListDeliveries(_ context.Context, recordID string) ([]domain.DeliveryRecord, error) {
	var out []domain.DeliveryRecord
	err := r.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefixDelivery, func(d domain.DeliveryRecord) bool {
			if d.RecordID == recordID {
				out = append(out, d)
			}
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	slices.SortFunc(out, func(a, b domain.DeliveryRecord) int {
		return strings.Compare(a.OwnerID, b.OwnerID)
	})
	return out, nil
}

// Stats counts messages and deliveries per status.
func (r *BadgerRepository) Stats(_ context.Context) (domain.Stats, error) {
	stats := domain.Stats{
		Messages:   map[domain.MessageStatus]int{},
		Deliveries: map[domain.DeliveryStatus]int{},
	}
	err := r.db.View(func(txn *badger.Txn) error {
		if err := scanPrefix(txn, prefixMessage, func(m domain.RawMessage) bool {
			stats.Messages[m.Status]++
			return true
		}); err != nil {
			return err
		}
		return scanPrefix(txn, prefixDelivery, func(d domain.DeliveryRecord) bool {
			stats.Deliveries[d.Status]++
			return true
		})
	})
	if err != nil {
		return domain.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}
