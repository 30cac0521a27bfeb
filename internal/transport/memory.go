package transport

import (
	"context"
	"strings"
	"sync"
)

const defaultMemoryBuffer = 64

type subscriptionKey struct {
	topic string
	id    int64
}

// MemoryBus is an in-process Bus for single-node deployments and tests.
// Delivery never blocks publishers: a subscriber whose buffer is full misses
// the frame.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[subscriptionKey]*memorySubscription
	nextID      int64
	bufferSize  int
	unavailable bool
	closed      bool
}

// NewMemoryBus constructs a MemoryBus with the given per-subscriber buffer.
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultMemoryBuffer
	}
	return &MemoryBus{
		subscribers: make(map[subscriptionKey]*memorySubscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber on topic. The subscription is closed when
// ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, ErrInvalidTopic
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.unavailable {
		b.mu.Unlock()
		return nil, ErrUnavailable
	}
	b.nextID++
	key := subscriptionKey{topic: topic, id: b.nextID}
	subscriber := &memorySubscription{
		bus:    b,
		key:    key,
		stream: make(chan []byte, b.bufferSize),
		done:   make(chan struct{}),
	}
	b.subscribers[key] = subscriber
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			subscriber.Close() //nolint:errcheck
		case <-subscriber.done:
		}
	}()
	return subscriber, nil
}

// Publish delivers frame to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, frame []byte) error {
	if strings.TrimSpace(topic) == "" {
		return ErrInvalidTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	if b.unavailable {
		b.mu.RUnlock()
		return ErrUnavailable
	}
	targets := make([]*memorySubscription, 0, len(b.subscribers))
	for key, subscriber := range b.subscribers {
		if key.topic == topic {
			targets = append(targets, subscriber)
		}
	}
	b.mu.RUnlock()

	for _, subscriber := range targets {
		subscriber.deliver(frame)
	}
	return nil
}

// Evict drops every subscription on topic without the subscribers asking,
// which is how a broker disruption looks to them.
func (b *MemoryBus) Evict(topic string) int {
	b.mu.Lock()
	victims := make([]*memorySubscription, 0)
	for key, subscriber := range b.subscribers {
		if key.topic == topic {
			victims = append(victims, subscriber)
			delete(b.subscribers, key)
		}
	}
	b.mu.Unlock()
	for _, subscriber := range victims {
		subscriber.shutdown()
	}
	return len(victims)
}

// SetUnavailable toggles simulated broker outage.
func (b *MemoryBus) SetUnavailable(unavailable bool) {
	b.mu.Lock()
	b.unavailable = unavailable
	b.mu.Unlock()
}

// SubscriberCount reports the live subscriptions on topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for key := range b.subscribers {
		if key.topic == topic {
			count++
		}
	}
	return count
}

// Close shuts down every subscription and rejects further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	victims := make([]*memorySubscription, 0, len(b.subscribers))
	for key, subscriber := range b.subscribers {
		victims = append(victims, subscriber)
		delete(b.subscribers, key)
	}
	b.mu.Unlock()
	for _, subscriber := range victims {
		subscriber.shutdown()
	}
	return nil
}

func (b *MemoryBus) unregister(key subscriptionKey) {
	b.mu.Lock()
	delete(b.subscribers, key)
	b.mu.Unlock()
}

type memorySubscription struct {
	bus    *MemoryBus
	key    subscriptionKey
	mu     sync.Mutex
	stream chan []byte
	done   chan struct{}
	closed bool
}

func (s *memorySubscription) Frames() <-chan []byte {
	return s.stream
}

func (s *memorySubscription) Close() error {
	s.bus.unregister(s.key)
	s.shutdown()
	return nil
}

func (s *memorySubscription) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.stream <- frame:
	default:
	}
}

func (s *memorySubscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stream)
	close(s.done)
}
