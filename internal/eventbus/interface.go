package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	// Subscribe delivers events on topic until ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan Event, error)
}
