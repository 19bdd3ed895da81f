package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var messageColumns = []string{
	"channel_id", "message_id", "channel_title", "body", "observed_at",
	"views", "forwards", "replies", "status", "failure_reason", "record_id",
	"attempts", "dispatched", "dispatched_to", "awaiting_dispatch", "created_at", "updated_at",
}

var deliveryColumns = []string{
	"id", "record_id", "channel_id", "message_id", "owner_id", "filter_id",
	"status", "error", "attempts", "dispatched_at", "updated_at",
}

// PostgresRepository persists the four collections into Postgres. Uniqueness of message keys
// and of (record, owner) deliveries is enforced by table constraints.
type PostgresRepository struct {
	db *sql.DB
}

var _ ports.Store = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies the embedded schema; every statement is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func insertMessageQuery(msg domain.RawMessage) sq.InsertBuilder {
	var recordID any
	if msg.RecordID != "" {
		recordID = msg.RecordID
	}
	return psql.Insert("raw_messages").
		Columns(messageColumns...).
		Values(
			msg.Key.ChannelID, msg.Key.MessageID, msg.ChannelTitle, msg.Body, msg.ObservedAt,
			msg.Counters.Views, msg.Counters.Forwards, msg.Counters.Replies, string(msg.Status),
			msg.FailureReason, recordID, msg.Attempts, msg.Dispatched, pq.StringArray(nonNil(msg.DispatchedTo)),
			msg.AwaitingDispatch, msg.CreatedAt, msg.UpdatedAt,
		).
		Suffix("ON CONFLICT (channel_id, message_id) DO NOTHING")
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// CreateMessage inserts msg unless a row with the same key exists.
func (r *PostgresRepository) CreateMessage(ctx context.Context, msg domain.RawMessage) (domain.RawMessage, bool, error) {
	query, args, err := insertMessageQuery(msg).ToSql()
	if err != nil {
		return domain.RawMessage{}, false, fmt.Errorf("build insert message: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.RawMessage{}, false, fmt.Errorf("insert message %s: %w", msg.Key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.RawMessage{}, false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return msg, true, nil
	}
	stored, err := r.GetMessage(ctx, msg.Key)
	if err != nil {
		return domain.RawMessage{}, false, err
	}
	return stored, false, nil
}

func selectMessages() sq.SelectBuilder {
	return psql.Select(messageColumns...).From("raw_messages")
}

func scanMessage(row rowScanner) (domain.RawMessage, error) {
	var (
		msg      domain.RawMessage
		status   string
		recordID sql.NullString
		to       pq.StringArray
	)
	err := row.Scan(
		&msg.Key.ChannelID, &msg.Key.MessageID, &msg.ChannelTitle, &msg.Body, &msg.ObservedAt,
		&msg.Counters.Views, &msg.Counters.Forwards, &msg.Counters.Replies, &status, &msg.FailureReason,
		&recordID, &msg.Attempts, &msg.Dispatched, &to, &msg.AwaitingDispatch, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return domain.RawMessage{}, err
	}
	msg.Status = domain.MessageStatus(status)
	msg.RecordID = recordID.String
	msg.DispatchedTo = []string(to)
	return msg, nil
}

// GetMessage loads one message.
func (r *PostgresRepository) GetMessage(ctx context.Context, key domain.MessageKey) (domain.RawMessage, error) {
	query, args, err := selectMessages().
		Where(sq.Eq{"channel_id": key.ChannelID, "message_id": key.MessageID}).
		ToSql()
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("build get message: %w", err)
	}
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RawMessage{}, fmt.Errorf("get message %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("get message %s: %w", key, err)
	}
	return msg, nil
}

func statusChangeQuery(key domain.MessageKey, change domain.StatusChange) sq.UpdateBuilder {
	q := psql.Update("raw_messages").
		Set("status", string(change.To)).
		Set("failure_reason", change.FailureReason).
		Set("updated_at", change.At)
	if change.To == domain.MessageProcessing {
		q = q.Set("attempts", sq.Expr("attempts + 1"))
	}
	q = q.Where(sq.Eq{
		"channel_id": key.ChannelID,
		"message_id": key.MessageID,
		"status":     string(change.From),
	})
	if change.Attempt > 0 {
		q = q.Where(sq.Eq{"attempts": change.Attempt})
	}
	return q
}

// UpdateMessageStatus performs a compare-and-set on the status column.
func (r *PostgresRepository) UpdateMessageStatus(ctx context.Context, key domain.MessageKey, change domain.StatusChange) error {
	if err := change.Validate(); err != nil {
		return err
	}
	query, args, err := statusChangeQuery(key, change).ToSql()
	if err != nil {
		return fmt.Errorf("build status change: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update message %s: %w", key, err)
	}
	return r.explainNoRows(ctx, res, key, change)
}

func (r *PostgresRepository) explainNoRows(ctx context.Context, res sql.Result, key domain.MessageKey, change domain.StatusChange) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.GetMessage(ctx, key); err != nil {
		return err
	}
	return fmt.Errorf("update message %s %s->%s: %w", key, change.From, change.To, domain.ErrStatusConflict)
}

func insertRecordQuery(record domain.ClassifiedRecord) (sq.InsertBuilder, error) {
	listing, err := json.Marshal(record.Listing)
	if err != nil {
		return sq.InsertBuilder{}, fmt.Errorf("encode listing: %w", err)
	}
	usage, err := json.Marshal(record.Usage)
	if err != nil {
		return sq.InsertBuilder{}, fmt.Errorf("encode usage: %w", err)
	}
	return psql.Insert("classified_records").
		Columns("id", "channel_id", "message_id", "revision", "listing", "body",
			"confidence", "should_consider", "usage", "created_at").
		Values(record.ID, record.MessageKey.ChannelID, record.MessageKey.MessageID, record.Revision,
			listing, record.Text, record.Confidence, record.ShouldConsider, usage, record.CreatedAt), nil
}

// CompleteMessage inserts record and flips the message to completed inside one transaction.
func (r *PostgresRepository) CompleteMessage(ctx context.Context, key domain.MessageKey, record domain.ClassifiedRecord, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insert, err := insertRecordQuery(record)
	if err != nil {
		return err
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert record: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert record %s: %w", record.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("insert record %s: %w", record.ID, err)
	}

	change := domain.StatusChange{From: domain.MessageProcessing, To: domain.MessageCompleted, Attempt: record.Revision, At: at}
	query, args, err = statusChangeQuery(key, change).
		Set("record_id", record.ID).
		Set("awaiting_dispatch", record.ShouldConsider).
		ToSql()
	if err != nil {
		return fmt.Errorf("build complete message: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("complete message %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		err = fmt.Errorf("complete message %s: %w", key, domain.ErrStatusConflict)
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func claimMessageQuery(key domain.MessageKey, at time.Time) sq.UpdateBuilder {
	return statusChangeQuery(key, domain.StatusChange{From: domain.MessagePending, To: domain.MessageProcessing, At: at}).
		Suffix("RETURNING " + strings.Join(messageColumns, ", "))
}

// ClaimMessage performs the pending->processing compare-and-set and returns the claimed row.
func (r *PostgresRepository) ClaimMessage(ctx context.Context, key domain.MessageKey, at time.Time) (domain.RawMessage, error) {
	query, args, err := claimMessageQuery(key, at).ToSql()
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("build claim message: %w", err)
	}
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetMessage(ctx, key); getErr != nil {
			return domain.RawMessage{}, fmt.Errorf("claim message %s: %w", key, getErr)
		}
		return domain.RawMessage{}, fmt.Errorf("claim message %s: %w", key, domain.ErrStatusConflict)
	}
	if err != nil {
		return domain.RawMessage{}, fmt.Errorf("claim message %s: %w", key, err)
	}
	return msg, nil
}

// MarkFannedOut clears the awaiting-dispatch marker.
func (r *PostgresRepository) MarkFannedOut(ctx context.Context, key domain.MessageKey, at time.Time) error {
	query, args, err := psql.Update("raw_messages").
		Set("awaiting_dispatch", false).
		Set("updated_at", at).
		Where(sq.Eq{"channel_id": key.ChannelID, "message_id": key.MessageID, "awaiting_dispatch": true}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark fanned out: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark fanned out %s: %w", key, err)
	}
	return nil
}

// ListAwaitingDispatch returns completed messages whose fan-out never finished, oldest first.
func (r *PostgresRepository) ListAwaitingDispatch(ctx context.Context, olderThan time.Time, limit int) ([]domain.RawMessage, error) {
	q := selectMessages().
		Where(sq.Eq{"status": string(domain.MessageCompleted), "awaiting_dispatch": true}).
		Where(sq.Lt{"updated_at": olderThan}).
		OrderBy("updated_at ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return r.queryMessages(ctx, q)
}

func markDispatchedQuery(key domain.MessageKey, owners []string, at time.Time) sq.UpdateBuilder {
	return psql.Update("raw_messages").
		Set("dispatched", true).
		Set("dispatched_to", sq.Expr("ARRAY(SELECT DISTINCT unnest(dispatched_to || ?::text[]) ORDER BY 1)", pq.StringArray(owners))).
		Set("updated_at", at).
		Where(sq.Eq{"channel_id": key.ChannelID, "message_id": key.MessageID})
}

// MarkDispatched appends owners to the message bookkeeping.
func (r *PostgresRepository) MarkDispatched(ctx context.Context, key domain.MessageKey, owners []string, at time.Time) error {
	if len(owners) == 0 {
		return nil
	}
	query, args, err := markDispatchedQuery(key, owners, at).ToSql()
	if err != nil {
		return fmt.Errorf("build mark dispatched: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark dispatched %s: %w", key, err)
	}
	return nil
}

// ListMessages returns up to limit messages in status updated before olderThan, oldest first.
func (r *PostgresRepository) ListMessages(ctx context.Context, status domain.MessageStatus, olderThan time.Time, limit int) ([]domain.RawMessage, error) {
	q := selectMessages().
		Where(sq.Eq{"status": string(status)}).
		Where(sq.Lt{"updated_at": olderThan}).
		OrderBy("updated_at ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return r.queryMessages(ctx, q)
}

func (r *PostgresRepository) queryMessages(ctx context.Context, q sq.SelectBuilder) ([]domain.RawMessage, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.RawMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// GetRecord loads one classified record.
func (r *PostgresRepository) GetRecord(ctx context.Context, id string) (domain.ClassifiedRecord, error) {
	query, args, err := psql.Select("id", "channel_id", "message_id", "revision", "listing", "body",
		"confidence", "should_consider", "usage", "created_at").
		From("classified_records").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.ClassifiedRecord{}, fmt.Errorf("build get record: %w", err)
	}

	var (
		rec            domain.ClassifiedRecord
		listing, usage []byte
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.MessageKey.ChannelID, &rec.MessageKey.MessageID, &rec.Revision, &listing,
		&rec.Text, &rec.Confidence, &rec.ShouldConsider, &usage, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ClassifiedRecord{}, fmt.Errorf("get record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ClassifiedRecord{}, fmt.Errorf("get record %s: %w", id, err)
	}
	if err := json.Unmarshal(listing, &rec.Listing); err != nil {
		return domain.ClassifiedRecord{}, fmt.Errorf("decode listing: %w", err)
	}
	if err := json.Unmarshal(usage, &rec.Usage); err != nil {
		return domain.ClassifiedRecord{}, fmt.Errorf("decode usage: %w", err)
	}
	return rec, nil
}

// filterCriteria is the JSONB projection of a filter; price constraints live in their own table.
type filterCriteria struct {
	Categories      []string          `json:"categories,omitempty"`
	SubCategories   []string          `json:"sub_categories,omitempty"`
	Districts       []string          `json:"districts,omitempty"`
	Cities          []string          `json:"cities,omitempty"`
	Rooms           domain.IntRange   `json:"rooms"`
	Area            domain.FloatRange `json:"area"`
	Floor           domain.IntRange   `json:"floor"`
	Features        map[string]bool   `json:"features,omitempty"`
	IncludeKeywords []string          `json:"include_keywords,omitempty"`
	ExcludeKeywords []string          `json:"exclude_keywords,omitempty"`
}

func criteriaOf(f domain.SubscriberFilter) filterCriteria {
	return filterCriteria{
		Categories:      f.Categories,
		SubCategories:   f.SubCategories,
		Districts:       f.Districts,
		Cities:          f.Cities,
		Rooms:           f.Rooms,
		Area:            f.Area,
		Floor:           f.Floor,
		Features:        f.Features,
		IncludeKeywords: f.IncludeKeywords,
		ExcludeKeywords: f.ExcludeKeywords,
	}
}

func (c filterCriteria) apply(f *domain.SubscriberFilter) {
	f.Categories = c.Categories
	f.SubCategories = c.SubCategories
	f.Districts = c.Districts
	f.Cities = c.Cities
	f.Rooms = c.Rooms
	f.Area = c.Area
	f.Floor = c.Floor
	f.Features = c.Features
	f.IncludeKeywords = c.IncludeKeywords
	f.ExcludeKeywords = c.ExcludeKeywords
}

func upsertFilterQuery(f domain.SubscriberFilter) (sq.InsertBuilder, error) {
	criteria, err := json.Marshal(criteriaOf(f))
	if err != nil {
		return sq.InsertBuilder{}, fmt.Errorf("encode criteria: %w", err)
	}
	return psql.Insert("subscriber_filters").
		Columns("id", "owner_id", "name", "description", "criteria", "active", "created_at", "updated_at").
		Values(f.ID, f.OwnerID, f.Name, f.Description, criteria, f.Active, f.CreatedAt, f.UpdatedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE
              SET owner_id = EXCLUDED.owner_id,
                  name = EXCLUDED.name,
                  description = EXCLUDED.description,
                  criteria = EXCLUDED.criteria,
                  active = EXCLUDED.active,
                  updated_at = EXCLUDED.updated_at`), nil
}

// SaveFilter upserts the filter and replaces its price constraints in one transaction.
func (r *PostgresRepository) SaveFilter(ctx context.Context, f domain.SubscriberFilter) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	upsert, err := upsertFilterQuery(f)
	if err != nil {
		return err
	}
	if err = execBuilder(ctx, tx, upsert); err != nil {
		return fmt.Errorf("upsert filter %s: %w", f.ID, err)
	}
	if err = execBuilder(ctx, tx, psql.Delete("price_constraints").Where(sq.Eq{"filter_id": f.ID})); err != nil {
		return fmt.Errorf("clear price constraints: %w", err)
	}
	if len(f.Prices) > 0 {
		insert := psql.Insert("price_constraints").Columns("id", "filter_id", "position", "min_price", "max_price", "currency")
		for i, p := range f.Prices {
			insert = insert.Values(p.ID, f.ID, i, nullFloat(p.Min), nullFloat(p.Max), p.Currency)
		}
		if err = execBuilder(ctx, tx, insert); err != nil {
			return fmt.Errorf("insert price constraints: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func execBuilder(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadFilters(ctx context.Context, q queryer, where sq.Sqlizer) ([]domain.SubscriberFilter, error) {
	sel := psql.Select("id", "owner_id", "name", "description", "criteria", "active", "created_at", "updated_at").
		From("subscriber_filters").
		OrderBy("id")
	if where != nil {
		sel = sel.Where(where)
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select filters: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query filters: %w", err)
	}
	defer rows.Close()

	var (
		filters []domain.SubscriberFilter
		ids     []string
	)
	for rows.Next() {
		var (
			f   domain.SubscriberFilter
			raw []byte
		)
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &f.Description, &raw, &f.Active, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		var c filterCriteria
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode criteria %s: %w", f.ID, err)
		}
		c.apply(&f)
		filters = append(filters, f)
		ids = append(ids, f.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	if len(ids) == 0 {
		return filters, nil
	}

	prices, err := loadPrices(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range filters {
		filters[i].Prices = prices[filters[i].ID]
	}
	return filters, nil
}

func loadPrices(ctx context.Context, q queryer, filterIDs []string) (map[string][]domain.PriceConstraint, error) {
	query, args, err := psql.Select("id", "filter_id", "min_price", "max_price", "currency").
		From("price_constraints").
		Where("filter_id = ANY(?)", pq.StringArray(filterIDs)).
		OrderBy("filter_id", "position").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select prices: %w", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	out := map[string][]domain.PriceConstraint{}
	for rows.Next() {
		var (
			p        domain.PriceConstraint
			filterID string
			min, max sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &filterID, &min, &max, &p.Currency); err != nil {
			return nil, fmt.Errorf("scan price: %w", err)
		}
		if min.Valid {
			p.Min = &min.Float64
		}
		if max.Valid {
			p.Max = &max.Float64
		}
		out[filterID] = append(out[filterID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// GetFilter loads one filter with its price constraints.
func (r *PostgresRepository) GetFilter(ctx context.Context, id string) (domain.SubscriberFilter, error) {
	filters, err := loadFilters(ctx, r.db, sq.Eq{"id": id})
	if err != nil {
		return domain.SubscriberFilter{}, fmt.Errorf("get filter %s: %w", id, err)
	}
	if len(filters) == 0 {
		return domain.SubscriberFilter{}, fmt.Errorf("get filter %s: %w", id, domain.ErrNotFound)
	}
	return filters[0], nil
}

// DeleteFilter removes a filter; price constraints cascade.
func (r *PostgresRepository) DeleteFilter(ctx context.Context, id string) error {
	query, args, err := psql.Delete("subscriber_filters").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete filter: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete filter %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("delete filter %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListFilters returns one owner's filters, or every filter when ownerID is empty.
func (r *PostgresRepository) ListFilters(ctx context.Context, ownerID string) ([]domain.SubscriberFilter, error) {
	var where sq.Sqlizer
	if ownerID != "" {
		where = sq.Eq{"owner_id": ownerID}
	}
	return loadFilters(ctx, r.db, where)
}

// ActiveFilters reads filters and their price constraints from one repeatable-read snapshot.
func (r *PostgresRepository) ActiveFilters(ctx context.Context) (filters []domain.SubscriberFilter, err error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	filters, err = loadFilters(ctx, tx, sq.Eq{"active": true})
	if err != nil {
		return nil, fmt.Errorf("active filters: %w", err)
	}
	return filters, nil
}

func insertDeliveryQuery(d domain.DeliveryRecord) sq.InsertBuilder {
	return psql.Insert("delivery_records").
		Columns(deliveryColumns...).
		Values(d.ID, d.RecordID, d.MessageKey.ChannelID, d.MessageKey.MessageID, d.OwnerID, d.FilterID,
			string(d.Status), d.Error, d.Attempts, d.DispatchedAt, d.UpdatedAt).
		Suffix("ON CONFLICT (record_id, owner_id) DO NOTHING")
}

// CreateDelivery inserts d; a (record, owner) collision yields domain.ErrAlreadyExists.
func (r *PostgresRepository) CreateDelivery(ctx context.Context, d domain.DeliveryRecord) error {
	query, args, err := insertDeliveryQuery(d).ToSql()
	if err != nil {
		return fmt.Errorf("build insert delivery: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert delivery %s/%s: %w", d.RecordID, d.OwnerID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("insert delivery %s/%s: %w", d.RecordID, d.OwnerID, domain.ErrAlreadyExists)
	}
	return nil
}

func scanDelivery(row rowScanner) (domain.DeliveryRecord, error) {
	var (
		d      domain.DeliveryRecord
		status string
	)
	err := row.Scan(&d.ID, &d.RecordID, &d.MessageKey.ChannelID, &d.MessageKey.MessageID, &d.OwnerID,
		&d.FilterID, &status, &d.Error, &d.Attempts, &d.DispatchedAt, &d.UpdatedAt)
	d.Status = domain.DeliveryStatus(status)
	return d, err
}

// GetDelivery loads one delivery.
func (r *PostgresRepository) GetDelivery(ctx context.Context, id string) (domain.DeliveryRecord, error) {
	query, args, err := psql.Select(deliveryColumns...).From("delivery_records").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("build get delivery: %w", err)
	}
	d, err := scanDelivery(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryRecord{}, fmt.Errorf("get delivery %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DeliveryRecord{}, fmt.Errorf("get delivery %s: %w", id, err)
	}
	return d, nil
}

func deliveryChangeQuery(id string, change domain.DeliveryChange) sq.UpdateBuilder {
	q := psql.Update("delivery_records").
		Set("status", string(change.To)).
		Set("error", change.Error).
		Set("updated_at", change.At)
	if change.To == domain.DeliveryPending {
		q = q.Set("attempts", sq.Expr("attempts + 1")).Set("dispatched_at", change.At)
	}
	return q.Where(sq.Eq{"id": id, "status": string(change.From), "attempts": change.Attempts})
}

// UpdateDeliveryStatus performs a compare-and-set on status and attempt counter.
func (r *PostgresRepository) UpdateDeliveryStatus(ctx context.Context, id string, change domain.DeliveryChange) error {
	if err := change.Validate(); err != nil {
		return err
	}
	query, args, err := deliveryChangeQuery(id, change).ToSql()
	if err != nil {
		return fmt.Errorf("build delivery change: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := r.GetDelivery(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("update delivery %s %s->%s: %w", id, change.From, change.To, domain.ErrStatusConflict)
}

// ListDeliveries returns the deliveries of one record ordered by owner.
func (r *PostgresRepository) ListDeliveries(ctx context.Context, recordID string) ([]domain.DeliveryRecord, error) {
	query, args, err := psql.Select(deliveryColumns...).
		From("delivery_records").
		Where(sq.Eq{"record_id": recordID}).
		OrderBy("owner_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list deliveries: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// Stats counts rows per status in both lifecycle tables.
func (r *PostgresRepository) Stats(ctx context.Context) (domain.Stats, error) {
	stats := domain.Stats{
		Messages:   map[domain.MessageStatus]int{},
		Deliveries: map[domain.DeliveryStatus]int{},
	}
	for _, table := range []string{"raw_messages", "delivery_records"} {
		query, args, err := psql.Select("status", "COUNT(*)").From(table).GroupBy("status").ToSql()
		if err != nil {
			return domain.Stats{}, fmt.Errorf("build stats: %w", err)
		}
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			return domain.Stats{}, fmt.Errorf("query stats %s: %w", table, err)
		}
		for rows.Next() {
			var (
				status string
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				_ = rows.Close()
				return domain.Stats{}, fmt.Errorf("scan stats: %w", err)
			}
			if table == "raw_messages" {
				stats.Messages[domain.MessageStatus(status)] = count
			} else {
				stats.Deliveries[domain.DeliveryStatus(status)] = count
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return domain.Stats{}, fmt.Errorf("rows iteration: %w", err)
		}
		if err := rows.Close(); err != nil {
			return domain.Stats{}, fmt.Errorf("close rows: %w", err)
		}
	}
	return stats, nil
}
