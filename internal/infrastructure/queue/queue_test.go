package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ListingRadar/internal/domain"
)

func job(channel, message int64) domain.Job {
	return domain.Job{Key: domain.MessageKey{ChannelID: channel, MessageID: message}}
}

func TestShardForIsStable(t *testing.T) {
	t.Parallel()

	for _, channel := range []int64{-1001234567890, 0, 7, 42} {
		first := shardFor(channel, 8)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
		assert.Equal(t, first, shardFor(channel, 8))
	}
	assert.Equal(t, 0, shardFor(99, 1))
}

func TestMemoryQueuePreservesChannelOrder(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(4, 64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const perChannel = 20
	channels := []int64{1, 2, 3, 4, 5}

	var (
		mu   sync.Mutex
		seen = map[int64][]int64{}
		done = make(chan struct{})
	)
	total := 0
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, j domain.Job) error {
			mu.Lock()
			defer mu.Unlock()
			seen[j.Key.ChannelID] = append(seen[j.Key.ChannelID], j.Key.MessageID)
			total++
			if total == perChannel*len(channels) {
				close(done)
			}
			return nil
		})
	}()

	for i := int64(1); i <= perChannel; i++ {
		for _, ch := range channels {
			require.NoError(t, q.Enqueue(ctx, job(ch, i)))
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ch := range channels {
		got := seen[ch]
		require.Len(t, got, perChannel)
		for i, id := range got {
			assert.Equal(t, int64(i+1), id, "channel %d out of order", ch)
		}
	}
}

func TestMemoryQueueRejectsAfterClose(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1, 1, nil)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), job(1, 1)), ErrClosed)
}

func TestMemoryQueueEnqueueHonoursContext(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(1, 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, job(1, 1)), context.DeadlineExceeded)
}

func TestKafkaEnqueuePublishesKeyedJob(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		decoded, err := decodeJob(val)
		if err != nil {
			return err
		}
		if decoded.Key.MessageID != 11 {
			return errors.New("unexpected message id")
		}
		return nil
	})

	q := NewKafkaQueue(producer, nil, "listing-jobs", nil)
	require.NoError(t, q.Enqueue(context.Background(), job(-100, 11)))
	require.NoError(t, q.Close())
}

func TestKafkaEnqueueRetriesThenFails(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	q := NewKafkaQueue(producer, nil, "listing-jobs", nil)
	err := q.Enqueue(context.Background(), job(1, 1))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, q.Close())
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaimMarksHandledAndMalformed(t *testing.T) {
	t.Parallel()

	ok, err := encodeJob(job(1, 1))
	require.NoError(t, err)
	failing, err := encodeJob(job(1, 2))
	require.NoError(t, err)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 10, Value: ok}
	claim.messages <- &sarama.ConsumerMessage{Offset: 11, Value: []byte("{not json")}
	claim.messages <- &sarama.ConsumerMessage{Offset: 12, Value: failing}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	h := &jobGroupHandler{
		handler: func(_ context.Context, j domain.Job) error {
			if j.Key.MessageID == 2 {
				return errors.New("store unavailable")
			}
			return nil
		},
		logger: discardLogger(),
	}

	require.NoError(t, h.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{10, 11}, session.marked)
}

func TestJobFromStream(t *testing.T) {
	t.Parallel()

	raw, err := encodeJob(job(3, 4))
	require.NoError(t, err)

	got, err := jobFromStream(redis.XMessage{ID: "1-0", Values: map[string]any{redisJobField: string(raw)}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Key.MessageID)

	_, err = jobFromStream(redis.XMessage{ID: "1-1", Values: map[string]any{}})
	assert.Error(t, err)

	q := NewRedisQueue(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), RedisConfig{Stream: "jobs", Shards: 3}, nil)
	assert.Equal(t, "jobs:2", q.laneStream(2))
	require.NoError(t, q.Close())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
