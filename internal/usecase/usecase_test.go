package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/infrastructure/storage"
	"ListingRadar/internal/ports"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClassifier struct {
	mu     sync.Mutex
	calls  int
	result domain.Extraction
	err    error
	block  bool
}

func (f *fakeClassifier) Classify(ctx context.Context, _ string) (domain.Extraction, error) {
	f.mu.Lock()
	f.calls++
	result, err, block := f.result, f.err, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.Extraction{}, domain.NewExternalError("fake classify", ctx.Err())
	}
	return result, err
}

func (f *fakeClassifier) set(result domain.Extraction, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result, f.err = result, err
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTransport struct {
	mu        sync.Mutex
	sent      map[string]int
	summaries []string
	failures  map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: map[string]int{}, failures: map[string]error{}}
}

func (f *fakeTransport) Deliver(_ context.Context, ownerID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[ownerID]; err != nil {
		return err
	}
	f.sent[ownerID]++
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeTransport) failFor(ownerID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, ownerID)
		return
	}
	f.failures[ownerID] = err
}

func (f *fakeTransport) Sent(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[ownerID]
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, _ ports.JobHandler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) Jobs() []domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Job(nil), q.jobs...)
}

func (q *recordingQueue) failWith(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

type testEnv struct {
	store      *storage.BadgerRepository
	queue      *recordingQueue
	classifier *fakeClassifier
	transport  *fakeTransport
	ingestor   *Ingestor
	dispatcher *Dispatcher
	worker     *Worker
	retrier    *Retrier
	filters    *FilterService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		store:      store,
		queue:      &recordingQueue{},
		classifier: &fakeClassifier{result: listingExtraction(0.9)},
		transport:  newFakeTransport(),
	}
	env.ingestor = NewIngestor(store, env.queue, quietLogger())
	env.dispatcher = NewDispatcher(DispatcherDeps{
		Filters:    store,
		Deliveries: store,
		Messages:   store,
		Transport:  env.transport,
		Timeout:    time.Second,
		Logger:     quietLogger(),
	})
	env.worker = NewWorker(WorkerDeps{
		Messages:            store,
		Classifier:          env.classifier,
		Dispatcher:          env.dispatcher,
		ConfidenceThreshold: 0.5,
		ClassifierTimeout:   time.Second,
		Logger:              quietLogger(),
	})
	env.retrier = NewRetrier(RetrierDeps{
		Messages:   store,
		Records:    store,
		Deliveries: store,
		Queue:      env.queue,
		Dispatcher: env.dispatcher,
		Logger:     quietLogger(),
	})
	env.filters = NewFilterService(store)
	return env
}

func listingExtraction(confidence float64) domain.Extraction {
	rooms := 2
	return domain.Extraction{
		Outcome:    domain.OutcomeClassified,
		Confidence: confidence,
		Listing: domain.Listing{
			Category: domain.CategoryApartment,
			Rooms:    &rooms,
			Price:    &domain.Money{Amount: 450, Currency: "USD"},
			District: "X",
			Features: map[string]bool{domain.FeatureBalcony: true},
		},
		Usage: domain.Usage{Model: "fake", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func (e *testEnv) ingest(t *testing.T, channel, message int64, body string) domain.Job {
	t.Helper()
	res, err := e.ingestor.Ingest(context.Background(), IngestRequest{ChannelID: channel, MessageID: message, Body: body})
	require.NoError(t, err)
	require.True(t, res.Created)
	return domain.Job{Key: res.Key}
}

func (e *testEnv) addFilter(t *testing.T, f domain.SubscriberFilter) domain.SubscriberFilter {
	t.Helper()
	f.Active = true
	created, err := e.filters.Create(context.Background(), f)
	require.NoError(t, err)
	return created
}

// seedRecord ingests and classifies one message without dispatching it.
func (e *testEnv) seedRecord(t *testing.T, channel, message int64) domain.ClassifiedRecord {
	t.Helper()
	ctx := context.Background()
	job := e.ingest(t, channel, message, "2-room apartment, 450 USD, district X, balcony")

	require.NoError(t, e.store.UpdateMessageStatus(ctx, job.Key, domain.StatusChange{
		From: domain.MessagePending, To: domain.MessageProcessing, At: time.Now(),
	}))
	ext := listingExtraction(0.9)
	record := domain.ClassifiedRecord{
		ID:             "rec-" + job.Key.String(),
		MessageKey:     job.Key,
		Revision:       1,
		Listing:        ext.Listing,
		Text:           "2-room apartment, 450 USD, district X, balcony",
		Confidence:     ext.Confidence,
		ShouldConsider: true,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, e.store.CompleteMessage(ctx, job.Key, record, time.Now()))
	return record
}

func ptr[T any](v T) *T {
	return &v
}
