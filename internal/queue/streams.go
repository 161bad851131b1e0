package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/iago/reporting-back/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	logger      *slog.Logger
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, logger *slog.Logger) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (cfg StreamsConfig) withDefaults() StreamsConfig {
	if cfg.Stream == "" {
		cfg.Stream = "reports"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "report_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return cfg
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

// Client exposes the underlying connection so other Redis-backed stores can share it.
func (q *StreamsQueue) Client() *redis.Client {
	return q.client
}

func (q *StreamsQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: streamValues(message),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, message := range messages {
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: streamValues(message),
		})
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handleItem(ctx, item, handler)
			}
		}
	}
}

func (q *StreamsQueue) handleItem(
	ctx context.Context,
	item redis.XMessage,
	handler func(context.Context, domain.QueueMessage) error,
) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.deadLetter(ctx, domain.QueueMessage{}, item, parseErr.Error())
		q.ack(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		q.ack(ctx, item.ID)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		q.deadLetter(ctx, message, item, handleErr.Error())
		q.ack(ctx, item.ID)
		return
	}

	if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		q.deadLetter(ctx, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	q.ack(ctx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ack(ctx context.Context, streamID string) {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		q.logger.Warn("stream ack failed", "stream_id", streamID, "error", err)
		return
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		q.logger.Warn("stream delete failed", "stream_id", streamID, "error", err)
	}
}

func (q *StreamsQueue) deadLetter(
	ctx context.Context,
	message domain.QueueMessage,
	item redis.XMessage,
	errorMessage string,
) {
	values := streamValues(message)
	values["stream_id"] = item.ID
	values["error"] = errorMessage
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		q.logger.Error("send to dlq failed", "stream_id", item.ID, "request_id", message.RequestID, "error", err)
		return
	}
	q.logger.Warn("stream message moved to DLQ",
		"stream_id", item.ID,
		"request_id", message.RequestID,
		"attempt", message.Attempt,
		"error", errorMessage,
	)
}

func streamValues(message domain.QueueMessage) map[string]any {
	enqueuedAt := message.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}
	return map[string]any{
		"request_id":  message.RequestID,
		"attempt":     message.Attempt,
		"enqueued_at": enqueuedAt.Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.QueueMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	requestID, err := getString("request_id")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	if strings.TrimSpace(requestID) == "" {
		return domain.QueueMessage{}, errors.New("empty request_id")
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	enqueuedAtString, err := getString("enqueued_at")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	enqueuedAt, err := time.Parse(time.RFC3339Nano, enqueuedAtString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid enqueued_at: %w", err)
	}

	return domain.QueueMessage{
		RequestID:  requestID,
		Attempt:    attempt,
		EnqueuedAt: enqueuedAt,
	}, nil
}
