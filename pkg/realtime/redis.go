package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/redis/go-redis/v9"
)

// RedisSubscriber listens for change envelopes on the table's pub/sub
// channel. The client re-establishes dropped pub/sub connections itself.
type RedisSubscriber struct {
	logger *slog.Logger
	client *redis.Client
	table  string
}

func NewRedisSubscriber(logger *slog.Logger, client *redis.Client, table string) *RedisSubscriber {
	return &RedisSubscriber{
		logger: logger.With("module", "realtime", "transport", "redis", "table", table),
		client: client,
		table:  table,
	}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context, filter feed.Filter, onEvent func(feed.Event)) (feed.Handle, error) {
	ctx, span := tracer.Start(ctx, "RedisSubscribe")
	defer span.End()

	scope := NewScope(s.table, filter)
	channel := Channel(s.table)
	logger := s.logger.With("filter", filter.String())

	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		subscriptionErrors.WithLabelValues("redis").Inc()
		return nil, fmt.Errorf("failed to subscribe to %s: %w: %w", channel, feed.ErrSubscription, err)
	}

	logger.Info("subscribed to channel", "channel", channel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		activeSubscriptions.WithLabelValues("redis").Inc()
		defer activeSubscriptions.WithLabelValues("redis").Dec()

		for msg := range pubsub.Channel() {
			deliver(logger, "redis", scope, []byte(msg.Payload), onEvent)
		}
	}()

	return feed.NewHandle(func() error {
		err := pubsub.Close()
		<-done
		logger.Info("realtime subscription disposed")
		return err
	}), nil
}

// RedisPublisher fans change envelopes out on per-table channels.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(env.Table), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Channel(env.Table), err)
	}
	return nil
}
