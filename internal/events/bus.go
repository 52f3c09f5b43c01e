// Package events indexes content change events delivered over NATS.
package events

import "context"

// Handler processes one message payload. Errors are logged by the bus.
type Handler func(ctx context.Context, payload []byte) error

// Subscription is returned by Bus.Subscribe
type Subscription struct {
	Unsubscribe func() error
}

// Bus delivers each message of a subject to one member of a queue group
type Bus interface {
	Subscribe(subject, queue string, handler Handler) (Subscription, error)
	Close() error
}
