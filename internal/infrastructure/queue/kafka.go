package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/codeGROOVE-dev/retry"

	"ListingRadar/internal/domain"
	"ListingRadar/internal/ports"
	"ListingRadar/pkg/logger"
)

// KafkaConfig describes the broker connection.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaQueue publishes jobs keyed by channel id so a channel always maps to one partition,
// and consumes them through a consumer group.
type KafkaQueue struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	logger   *slog.Logger
}

var _ ports.JobQueue = (*KafkaQueue)(nil)

// DialKafka connects a producer and a consumer group to the configured brokers.
func DialKafka(cfg KafkaConfig, log *slog.Logger) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if log == nil {
		log = slog.Default()
	}
	sarama.Logger = logger.New(log, "queue.sarama")

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_6_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return NewKafkaQueue(producer, group, cfg.Topic, log), nil
}

// NewKafkaQueue wraps existing sarama clients. group may be nil for a publish-only queue.
func NewKafkaQueue(producer sarama.SyncProducer, group sarama.ConsumerGroup, topic string, log *slog.Logger) *KafkaQueue {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaQueue{producer: producer, group: group, topic: topic, logger: log}
}

// Enqueue publishes job, retrying transient broker errors.
func (q *KafkaQueue) Enqueue(ctx context.Context, job domain.Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(partitionKey(job)),
		Value: sarama.ByteEncoder(payload),
	}

	var last error
	err = retry.Do(
		func() error {
			_, _, last = q.producer.SendMessage(msg)
			return last
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			q.logger.Warn("kafka publish retry", "attempt", n+1, "key", job.Key.String(), "error", err)
		}),
	)
	if err != nil {
		if last != nil {
			err = last
		}
		return fmt.Errorf("publish job %s: %w", job.Key, err)
	}
	return nil
}

// Consume joins the consumer group and blocks until ctx is cancelled.
func (q *KafkaQueue) Consume(ctx context.Context, handler ports.JobHandler) error {
	if q.group == nil {
		return errors.New("kafka queue has no consumer group")
	}

	go func() {
		for err := range q.group.Errors() {
			q.logger.Error("kafka consumer error", "error", err)
		}
	}()

	groupHandler := &jobGroupHandler{handler: handler, logger: q.logger}
	for {
		if err := q.group.Consume(ctx, []string{q.topic}, groupHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || errors.Is(err, context.Canceled) {
				return nil
			}
			q.logger.Error("kafka consume session ended", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close shuts down both clients.
func (q *KafkaQueue) Close() error {
	var errs []error
	if q.producer != nil {
		errs = append(errs, q.producer.Close())
	}
	if q.group != nil {
		errs = append(errs, q.group.Close())
	}
	return errors.Join(errs...)
}

// jobGroupHandler implements sarama.ConsumerGroupHandler.
type jobGroupHandler struct {
	handler ports.JobHandler
	logger  *slog.Logger
}

func (h *jobGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *jobGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes one partition sequentially. Undecodable payloads are marked and
// skipped; a handler error leaves the offset unmarked.
func (h *jobGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			job, err := decodeJob(message.Value)
			if err != nil {
				h.logger.Warn("dropping malformed job", "partition", message.Partition, "offset", message.Offset, "error", err)
				session.MarkMessage(message, "")
				continue
			}
			if err := h.handler(session.Context(), job); err != nil {
				h.logger.Warn("job handler failed", "key", job.Key.String(), "offset", message.Offset, "error", err)
				continue
			}
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
