package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

var _ EventBus = (*RedisBus)(nil)

type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With("component", "eventbus")}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.client.Publish(ctx, ChannelKey(topic), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	pubSub := b.client.Subscribe(ctx, ChannelKey(topic))
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed.
	if _, err := pubSub.Receive(ctx); err != nil {
		_ = pubSub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		defer func() {
			if err := pubSub.Close(); err != nil {
				b.logger.Error("failed to close pubsub", "error", err)
			}
		}()

		msgs := pubSub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("failed to unmarshal event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}
