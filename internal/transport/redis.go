package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannelPrefix = "ensemble"
	defaultRedisBuffer   = 128
)

// RedisBusConfig configures the Redis pub/sub bus.
type RedisBusConfig struct {
	Addr          string
	Addrs         []string
	Username      string
	Password      string
	ChannelPrefix string
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PoolSize      int
	Buffer        int
	Logger        *zap.Logger
}

// RedisBus fans frames out through Redis PUBLISH/SUBSCRIBE so replicas in
// different processes share a topic.
type RedisBus struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *zap.Logger
}

// NewRedisBus builds a RedisBus. No connection is made until first use.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("transport: redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultRedisBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisBus{
		client: client,
		prefix: prefix,
		buffer: buffer,
		logger: logger,
	}, nil
}

// Ping verifies the broker is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Publish sends frame to the Redis channel backing topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, frame []byte) error {
	if strings.TrimSpace(topic) == "" {
		return ErrInvalidTopic
	}
	if err := b.client.Publish(ctx, b.channel(topic), frame).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and pumps payloads into a buffered
// channel until the subscription or ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, ErrInvalidTopic
	}
	channel := b.channel(topic)
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	subscription := &redisSubscription{
		pubsub: pubsub,
		stream: make(chan []byte, b.buffer),
	}
	go subscription.pump(ctx, b.logger.With(zap.String("channel", channel)))
	return subscription, nil
}

// Close releases the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

type redisSubscription struct {
	pubsub *redis.PubSub
	stream chan []byte
	once   sync.Once
}

func (s *redisSubscription) Frames() <-chan []byte {
	return s.stream
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisSubscription) pump(ctx context.Context, logger *zap.Logger) {
	defer close(s.stream)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.Close() //nolint:errcheck
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			select {
			case s.stream <- []byte(message.Payload):
			default:
				logger.Warn("dropping frame for slow subscriber")
			}
		}
	}
}
