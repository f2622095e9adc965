package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/dataflow-batch/internal/domain"
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

// StreamsQueue implements Producer and Consumer on Redis Streams.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "dataflow_runs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "dataflow_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
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

	q := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
	}
	if err := q.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.RunMessage) error {
	values, err := encodeRunMessage(message)
	if err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
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
				q.deliver(ctx, item, handler)
			}
		}
	}
}

func (q *StreamsQueue) deliver(ctx context.Context, item redis.XMessage, handler Handler) {
	message, err := decodeRunMessage(item.Values)
	if err != nil {
		_ = q.sendToDLQ(ctx, item, domain.RunMessage{}, err.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		_ = q.sendToDLQ(ctx, item, message, handleErr.Error())
	} else if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		_ = q.sendToDLQ(ctx, item, message, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	_ = q.ackAndDelete(ctx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, item redis.XMessage, message domain.RunMessage, reason string) error {
	values := map[string]any{
		"stream_id":    item.ID,
		"execution_id": message.ExecutionID,
		"job_name":     message.JobName,
		"request_id":   message.RequestID,
		"attempt":      message.Attempt,
		"error":        reason,
		"moved_at":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

func encodeRunMessage(message domain.RunMessage) (map[string]any, error) {
	params, err := json.Marshal(message.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode run parameters: %w", err)
	}
	return map[string]any{
		"execution_id": message.ExecutionID,
		"job_name":     message.JobName,
		"request_id":   message.RequestID,
		"parameters":   string(params),
		"attempt":      message.Attempt,
		"requested_at": message.RequestedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func decodeRunMessage(values map[string]any) (domain.RunMessage, error) {
	get := func(key string) (string, error) {
		value, ok := values[key]
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

	var (
		message domain.RunMessage
		err     error
	)
	if message.ExecutionID, err = get("execution_id"); err != nil {
		return domain.RunMessage{}, err
	}
	if message.JobName, err = get("job_name"); err != nil {
		return domain.RunMessage{}, err
	}
	if message.RequestID, err = get("request_id"); err != nil {
		return domain.RunMessage{}, err
	}

	params, err := get("parameters")
	if err != nil {
		return domain.RunMessage{}, err
	}
	if err := json.Unmarshal([]byte(params), &message.Parameters); err != nil {
		return domain.RunMessage{}, fmt.Errorf("invalid parameters: %w", err)
	}

	attempt, err := get("attempt")
	if err != nil {
		return domain.RunMessage{}, err
	}
	if message.Attempt, err = strconv.Atoi(attempt); err != nil {
		return domain.RunMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAt, err := get("requested_at")
	if err != nil {
		return domain.RunMessage{}, err
	}
	if message.RequestedAt, err = time.Parse(time.RFC3339Nano, requestedAt); err != nil {
		return domain.RunMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}
	return message, nil
}
