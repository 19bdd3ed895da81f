package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/infrastructure/queue"
	"ListingRadar/internal/infrastructure/storage"
	"ListingRadar/internal/ports"
)

func TestEndToEndMatchingListing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	f1 := env.addFilter(t, domain.SubscriberFilter{
		OwnerID:   "alice",
		Rooms:     domain.IntRange{Min: ptr(2), Max: ptr(2)},
		Prices:    []domain.PriceConstraint{{Min: ptr(400.0), Max: ptr(500.0), Currency: "USD"}},
		Districts: []string{"X"},
	})
	env.addFilter(t, domain.SubscriberFilter{
		OwnerID: "bob",
		Prices:  []domain.PriceConstraint{{Min: ptr(600.0), Max: ptr(700.0), Currency: "USD"}},
	})

	job := env.ingest(t, -1001234567890, 7, "2-room apartment, 450 USD, district X, balcony")
	require.Len(t, env.queue.Jobs(), 1)
	require.NoError(t, env.worker.Handle(ctx, env.queue.Jobs()[0]))

	msg, err := env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	require.NotEmpty(t, msg.RecordID)
	assert.True(t, msg.Dispatched)
	assert.Equal(t, []string{"alice"}, msg.DispatchedTo)

	record, err := env.store.GetRecord(ctx, msg.RecordID)
	require.NoError(t, err)
	assert.True(t, record.ShouldConsider)
	assert.Equal(t, 1, record.Revision)
	assert.Equal(t, "fake", record.Usage.Model)

	deliveries, err := env.store.ListDeliveries(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "alice", deliveries[0].OwnerID)
	assert.Equal(t, f1.ID, deliveries[0].FilterID)
	assert.Equal(t, domain.DeliverySent, deliveries[0].Status)

	assert.Equal(t, 1, env.transport.Sent("alice"))
	assert.Zero(t, env.transport.Sent("bob"))
}

func TestIngestIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	req := IngestRequest{ChannelID: -100500, MessageID: 1, Body: "<b>Сдаю</b> квартиру"}

	first, err := env.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	req.Body = "edited text"
	second, err := env.ingestor.Ingest(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Key, second.Key)

	assert.Len(t, env.queue.Jobs(), 1)
	msg, err := env.store.GetMessage(ctx, first.Key)
	require.NoError(t, err)
	assert.Equal(t, "Сдаю квартиру", msg.Body)

	stats, err := env.store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Messages[domain.MessagePending])
}

func TestIngestRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ingestor.Ingest(ctx, IngestRequest{ChannelID: 0, MessageID: 1, Body: "text"})
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)

	_, err = env.ingestor.Ingest(ctx, IngestRequest{ChannelID: 5, MessageID: 1, Body: "  <br/> "})
	assert.ErrorIs(t, err, domain.ErrInvalidMessage)
	assert.Empty(t, env.queue.Jobs())
}

func TestIngestEnqueueFailureIsSwept(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.queue.failWith(errors.New("broker down"))

	res, err := env.ingestor.Ingest(ctx, IngestRequest{ChannelID: 9, MessageID: 3, Body: "room for rent"})
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, res.Status)
	assert.Empty(t, env.queue.Jobs())

	env.queue.failWith(nil)
	sweeper := NewSweeper(SweeperDeps{Messages: env.store, Queue: env.queue, StaleAfter: 5 * time.Minute, Logger: quietLogger()})

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh messages are not stale yet")

	sweeper.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, env.queue.Jobs(), 1)
	assert.Equal(t, res.Key, env.queue.Jobs()[0].Key)
}

func TestWorkerBelowThresholdSkipsMatching(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.addFilter(t, domain.SubscriberFilter{OwnerID: "anyone"})
	env.classifier.set(listingExtraction(0.3), nil)

	job := env.ingest(t, 1, 1, "maybe an apartment")
	require.NoError(t, env.worker.Handle(ctx, job))

	msg, err := env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, msg.Status)

	record, err := env.store.GetRecord(ctx, msg.RecordID)
	require.NoError(t, err)
	assert.False(t, record.ShouldConsider)
	assert.Equal(t, 15, record.Usage.TotalTokens)
	assert.Zero(t, env.transport.Sent("anyone"))
}

func TestWorkerNotApplicable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.addFilter(t, domain.SubscriberFilter{OwnerID: "anyone"})
	env.classifier.set(domain.Extraction{Outcome: domain.OutcomeNotApplicable, Confidence: 0.95, Reason: "search request"}, nil)

	job := env.ingest(t, 1, 2, "looking for an apartment")
	require.NoError(t, env.worker.Handle(ctx, job))

	msg, err := env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	record, err := env.store.GetRecord(ctx, msg.RecordID)
	require.NoError(t, err)
	assert.False(t, record.ShouldConsider)
	assert.Empty(t, record.Listing.Category)
	assert.Zero(t, env.transport.Sent("anyone"))
}

func TestWorkerFailureIsTerminalUntilRetried(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.classifier.set(domain.Extraction{}, domain.NewExternalError("fake classify", errors.New("503 overloaded")))

	job := env.ingest(t, 1, 3, "2-room apartment")
	require.NoError(t, env.worker.Handle(ctx, job))

	msg, err := env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, msg.Status)
	assert.Contains(t, msg.FailureReason, "503 overloaded")
	assert.Len(t, env.queue.Jobs(), 1, "failed jobs are never re-enqueued by the worker")

	// A redelivered job does not resurrect a failed message.
	require.NoError(t, env.worker.Handle(ctx, job))
	assert.Equal(t, 1, env.classifier.Calls())

	env.classifier.set(listingExtraction(0.9), nil)
	retried, err := env.retrier.RetryMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, retried.Status)
	require.Len(t, env.queue.Jobs(), 2)

	require.NoError(t, env.worker.Handle(ctx, env.queue.Jobs()[1]))
	msg, err = env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	assert.Empty(t, msg.FailureReason)

	record, err := env.store.GetRecord(ctx, msg.RecordID)
	require.NoError(t, err)
	assert.Equal(t, 2, record.Revision)
}

func TestWorkerTimeoutFailsMessage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.classifier.block = true
	env.worker.timeout = 30 * time.Millisecond

	job := env.ingest(t, 1, 4, "slow text")
	require.NoError(t, env.worker.Handle(ctx, job))

	msg, err := env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, msg.Status)
	assert.Contains(t, msg.FailureReason, "timeout")
}

func TestWorkerShutdownLeavesProcessing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.classifier.block = true
	job := env.ingest(t, 1, 5, "text")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	err := env.worker.Handle(ctx, job)
	assert.ErrorIs(t, err, context.Canceled)

	msg, err := env.store.GetMessage(context.Background(), job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageProcessing, msg.Status)

	// Only the operator retry moves it on.
	_, err = env.retrier.RetryMessage(context.Background(), job.Key)
	require.NoError(t, err)
}

func TestWorkerDropsAlreadyHandledJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	job := env.ingest(t, 1, 6, "apartment")

	require.NoError(t, env.worker.Handle(ctx, job))
	require.NoError(t, env.worker.Handle(ctx, job))
	assert.Equal(t, 1, env.classifier.Calls())

	msg, err := env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, msg.Status)

	_, err = env.retrier.RetryMessage(ctx, job.Key)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "completed messages never go back")

	require.NoError(t, env.worker.Handle(ctx, domain.Job{Key: domain.MessageKey{ChannelID: 1, MessageID: 999}}))
}

func TestWorkerConcurrentClaimsClassifyOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	job := env.ingest(t, 1, 8, "apartment")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.worker.Handle(ctx, job))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, env.classifier.Calls())
}

// cancellingClassifier cancels the worker's context before returning a successful result,
// the way a shutdown signal can arrive between classification and fan-out.
type cancellingClassifier struct {
	inner  ports.Classifier
	cancel context.CancelFunc
}

func (c *cancellingClassifier) Classify(ctx context.Context, text string) (domain.Extraction, error) {
	c.cancel()
	return c.inner.Classify(context.WithoutCancel(ctx), text)
}

func TestWorkerShutdownAfterClassifyKeepsDeliveries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addFilter(t, domain.SubscriberFilter{OwnerID: "alice"})
	job := env.ingest(t, 1, 11, "2-room apartment, 450 USD, district X")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWorker(WorkerDeps{
		Messages:            env.store,
		Classifier:          &cancellingClassifier{inner: env.classifier, cancel: cancel},
		Dispatcher:          env.dispatcher,
		ConfidenceThreshold: 0.5,
		ClassifierTimeout:   time.Second,
		Logger:              quietLogger(),
	})
	require.NoError(t, worker.Handle(ctx, job))

	bg := context.Background()
	msg, err := env.store.GetMessage(bg, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	assert.False(t, msg.Dispatched)

	deliveries, err := env.store.ListDeliveries(bg, msg.RecordID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "alice", deliveries[0].OwnerID)
	assert.Equal(t, domain.DeliveryPending, deliveries[0].Status)
	assert.Zero(t, env.transport.Sent("alice"))

	env.retrier.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }
	retried, err := env.retrier.RetryDelivery(bg, deliveries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySent, retried.Status)
	assert.Equal(t, 1, env.transport.Sent("alice"))
}

// failingFilters lets the first ActiveFilters call fail.
type failingFilters struct {
	ports.FilterRepository
	mu    sync.Mutex
	fails int
}

func (f *failingFilters) ActiveFilters(ctx context.Context) ([]domain.SubscriberFilter, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.FilterRepository.ActiveFilters(ctx)
}

func TestSweeperResumesUnfinishedFanOut(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	env.addFilter(t, domain.SubscriberFilter{OwnerID: "alice"})
	record := env.seedRecord(t, 3, 21)

	flaky := NewDispatcher(DispatcherDeps{
		Filters:    &failingFilters{FilterRepository: env.store, fails: 1},
		Deliveries: env.store,
		Messages:   env.store,
		Transport:  env.transport,
		Timeout:    time.Second,
		Logger:     quietLogger(),
	})
	_, err := flaky.Dispatch(ctx, record)
	require.Error(t, err)
	assert.Zero(t, env.transport.Sent("alice"))

	msg, err := env.store.GetMessage(ctx, record.MessageKey)
	require.NoError(t, err)
	assert.True(t, msg.AwaitingDispatch)

	sweeper := NewSweeper(SweeperDeps{
		Messages:   env.store,
		Records:    env.store,
		Queue:      env.queue,
		Dispatcher: flaky,
		StaleAfter: 5 * time.Minute,
		Logger:     quietLogger(),
	})
	n, err := sweeper.Redispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "recent completions are left to the worker")

	sweeper.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = sweeper.Redispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, env.transport.Sent("alice"))

	msg, err = env.store.GetMessage(ctx, record.MessageKey)
	require.NoError(t, err)
	assert.False(t, msg.AwaitingDispatch)
	assert.Equal(t, []string{"alice"}, msg.DispatchedTo)

	n, err = sweeper.Redispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, env.transport.Sent("alice"))
}

// racingMessages runs a whole claim, failure and operator retry on the message right
// before the worker's own claim, once.
type racingMessages struct {
	*storage.BadgerRepository
	once sync.Once
	err  error
}

func (r *racingMessages) ClaimMessage(ctx context.Context, key domain.MessageKey, at time.Time) (domain.RawMessage, error) {
	r.once.Do(func() {
		if _, err := r.BadgerRepository.ClaimMessage(ctx, key, at); err != nil {
			r.err = err
			return
		}
		if err := r.UpdateMessageStatus(ctx, key, domain.StatusChange{
			From: domain.MessageProcessing, To: domain.MessageFailed, Attempt: 1, FailureReason: "timeout", At: at,
		}); err != nil {
			r.err = err
			return
		}
		r.err = r.UpdateMessageStatus(ctx, key, domain.StatusChange{
			From: domain.MessageFailed, To: domain.MessagePending, At: at,
		})
	})
	if r.err != nil {
		return domain.RawMessage{}, r.err
	}
	return r.BadgerRepository.ClaimMessage(ctx, key, at)
}

func TestWorkerUsesAttemptOfItsOwnClaim(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	job := env.ingest(t, 1, 12, "apartment")

	worker := NewWorker(WorkerDeps{
		Messages:            &racingMessages{BadgerRepository: env.store},
		Classifier:          env.classifier,
		ConfidenceThreshold: 0.5,
		ClassifierTimeout:   time.Second,
		Logger:              quietLogger(),
	})
	require.NoError(t, worker.Handle(ctx, job))
	assert.Equal(t, 1, env.classifier.Calls())

	msg, err := env.store.GetMessage(ctx, job.Key)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, msg.Status)
	assert.Equal(t, 2, msg.Attempts)

	record, err := env.store.GetRecord(ctx, msg.RecordID)
	require.NoError(t, err)
	assert.Equal(t, 2, record.Revision)
}

func TestPipelineOverMemoryQueue(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.addFilter(t, domain.SubscriberFilter{OwnerID: "carol", Districts: []string{"x"}})

	q := queue.NewMemoryQueue(3, 16, quietLogger())
	ingestor := NewIngestor(env.store, q, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Consume(ctx, env.worker.Handle) }()

	for i := int64(1); i <= 6; i++ {
		_, err := ingestor.Ingest(ctx, IngestRequest{ChannelID: 100 + i%2, MessageID: i, Body: "apartment in X"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		stats, err := env.store.Stats(context.Background())
		return err == nil && stats.Messages[domain.MessageCompleted] == 6
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 6, env.transport.Sent("carol"))

	cancel()
	require.NoError(t, q.Close())
	<-done
}
