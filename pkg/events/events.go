package events

import "context"

// Publisher delivers an encoded event to a topic on an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg []byte) error
}

// NoopPublisher discards everything. Used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, []byte) error { return nil }
