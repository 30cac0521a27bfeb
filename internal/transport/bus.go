// Package transport carries collaboration frames between engine replicas.
//
// A Bus is a topic-scoped broadcast primitive. Frames are opaque byte slices
// produced by Codec; the bus never inspects them. A Subscription whose frame
// channel closes without the subscriber calling Close has lost its connection
// and the owner is expected to resubscribe.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable indicates the broker cannot be reached.
	ErrUnavailable = errors.New("transport: broker unavailable")
	// ErrClosed indicates the bus has been shut down.
	ErrClosed = errors.New("transport: bus closed")
	// ErrInvalidTopic indicates an empty topic name.
	ErrInvalidTopic = errors.New("transport: invalid topic")
)

// Bus publishes frames to topics and hands out subscriptions.
type Bus interface {
	Publish(ctx context.Context, topic string, frame []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription streams frames published to one topic.
type Subscription interface {
	Frames() <-chan []byte
	Close() error
}
