package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	// Subscribe delivers events on topic until ctx is cancelled, then closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
}
