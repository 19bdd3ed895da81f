package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
)

const redisJobField = "job"

// RedisConfig describes the stream layout.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
	Shards   int
}

// RedisQueue stores jobs in Redis streams, one stream per lane. Each lane is read
// sequentially through a consumer group and acknowledged with XACK after handling.
type RedisQueue struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	shards   int
	block    time.Duration
	logger   *slog.Logger
}

var _ ports.JobQueue = (*RedisQueue)(nil)

// DialRedis connects to the configured Redis instance.
func DialRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedisQueue(client, cfg, logger), nil
}

// NewRedisQueue wraps an existing client.
func NewRedisQueue(client *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisQueue {
	if logger == nil {
		logger = slog.Default()
	}
	shards := cfg.Shards
	if shards <= 0 {
		shards = 1
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = "worker"
	}
	return &RedisQueue{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: consumer,
		shards:   shards,
		block:    2 * time.Second,
		logger:   logger,
	}
}

func (q *RedisQueue) laneStream(idx int) string {
	return fmt.Sprintf("%s:%d", q.stream, idx)
}

// Enqueue appends job to the lane stream of its channel.
func (q *RedisQueue) Enqueue(ctx context.Context, job domain.Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	stream := q.laneStream(shardFor(job.Key.ChannelID, q.shards))
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{redisJobField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Consume reads every lane until ctx is cancelled.
func (q *RedisQueue) Consume(ctx context.Context, handler ports.JobHandler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.shards; i++ {
		stream := q.laneStream(i)
		if err := q.ensureGroup(ctx, stream); err != nil {
			return err
		}
		g.Go(func() error {
			return q.readLane(gctx, stream, handler)
		})
	}
	return g.Wait()
}

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", q.group, stream, err)
	}
	return nil
}

func (q *RedisQueue) readLane(ctx context.Context, stream string, handler ports.JobHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    16,
			Block:    q.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error("xreadgroup failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range res {
			for _, msg := range s.Messages {
				q.handle(ctx, stream, msg, handler)
			}
		}
	}
}

func (q *RedisQueue) handle(ctx context.Context, stream string, msg redis.XMessage, handler ports.JobHandler) {
	job, err := jobFromStream(msg)
	if err != nil {
		q.logger.Warn("dropping malformed job", "stream", stream, "id", msg.ID, "error", err)
		q.ack(ctx, stream, msg.ID)
		return
	}
	if err := handler(ctx, job); err != nil {
		q.logger.Warn("job handler failed", "key", job.Key.String(), "id", msg.ID, "error", err)
		return
	}
	q.ack(ctx, stream, msg.ID)
}

func (q *RedisQueue) ack(ctx context.Context, stream, id string) {
	if err := q.client.XAck(context.WithoutCancel(ctx), stream, q.group, id).Err(); err != nil {
		q.logger.Error("xack failed", "stream", stream, "id", id, "error", err)
	}
}

func jobFromStream(msg redis.XMessage) (domain.Job, error) {
	raw, ok := msg.Values[redisJobField]
	if !ok {
		return domain.Job{}, fmt.Errorf("message %s has no %q field", msg.ID, redisJobField)
	}
	switch v := raw.(type) {
	case string:
		return decodeJob([]byte(v))
	case []byte:
		return decodeJob(v)
	default:
		return domain.Job{}, fmt.Errorf("message %s: unexpected payload type %T", msg.ID, raw)
	}
}

// Close releases the client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
