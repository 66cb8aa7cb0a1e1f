package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftlabs/weft/pkg/schema"
)

const (
	defaultStream = "weft:nudges"
	defaultGroup  = "weft-executors"

	readBatch = 16
	readBlock = time.Second
)

// RedisBus carries nudges over a Redis Stream with a consumer group, so each
// nudge lands on exactly one fleet member. Messages are acknowledged on
// delivery to the consumer channel; a nudge lost after that is re-covered by
// the sweeper, not by stream redelivery.
type RedisBus struct {
	client *redis.Client
	stream string
	group  string
	logger *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a Bus over the given Redis client. Empty stream or
// group names fall back to the weft defaults.
func NewRedisBus(client *redis.Client, stream, group string, logger *slog.Logger) *RedisBus {
	if stream == "" {
		stream = defaultStream
	}
	if group == "" {
		group = defaultGroup
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client: client,
		stream: stream,
		group:  group,
		logger: logger,
	}
}

// Publish appends the nudge to the stream.
func (b *RedisBus) Publish(ctx context.Context, n schema.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"data": string(data)},
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", b.stream, err)
	}
	return nil
}

// Subscribe joins the consumer group and starts a read loop feeding the
// returned channel. Canceling either the given context or the returned
// cancel function ends the subscription and closes the channel.
func (b *RedisBus) Subscribe(ctx context.Context, consumer string) (<-chan schema.Notification, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, nil, fmt.Errorf("create consumer group %s: %w", b.group, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan schema.Notification, defaultChannelBuffer)
	go b.readLoop(subCtx, consumer, ch)

	return ch, cancel, nil
}

func (b *RedisBus) readLoop(ctx context.Context, consumer string, ch chan<- schema.Notification) {
	defer close(ch)

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: consumer,
			Streams:  []string{b.stream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("read nudge stream",
				slog.String("stream", b.stream),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.deliver(ctx, msg, ch)
			}
		}
	}
}

// deliver decodes one stream message and hands it to the consumer channel.
// Malformed messages are acked and dropped so they cannot wedge the group.
func (b *RedisBus) deliver(ctx context.Context, msg redis.XMessage, ch chan<- schema.Notification) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		b.logger.Error("malformed nudge message", slog.String("message_id", msg.ID))
		b.ack(ctx, msg.ID)
		return
	}

	var n schema.Notification
	if err := json.Unmarshal([]byte(data), &n); err != nil {
		b.logger.Error("unmarshal nudge",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		b.ack(ctx, msg.ID)
		return
	}

	select {
	case ch <- n:
		b.ack(ctx, msg.ID)
	case <-ctx.Done():
	}
}

func (b *RedisBus) ack(ctx context.Context, id string) {
	if err := b.client.XAck(ctx, b.stream, b.group, id).Err(); err != nil && ctx.Err() == nil {
		b.logger.Error("ack nudge",
			slog.String("message_id", id),
			slog.Any("error", err),
		)
	}
}
