package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DefaultChannel is the Redis channel and NATS subject prefix for job events
const DefaultChannel = "intake.uploads"

// RedisNotifier publishes events on a Redis pub/sub channel
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier publishes on channel, or DefaultChannel when empty
func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used for notifications
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes events on "<prefix>.<completed|failed>"
type NATSNotifier struct {
	conn   Publisher
	prefix string
}

// NewNATSNotifier wraps an existing connection
func NewNATSNotifier(conn Publisher, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultChannel
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// ConnectNATS dials url with reconnect handling
func ConnectNATS(url string, logger Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("image-intake"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on
func (n *NATSNotifier) Subject(event Event) string {
	if event.Type == EventCompleted {
		return n.prefix + ".completed"
	}
	return n.prefix + ".failed"
}

func (n *NATSNotifier) Notify(_ context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	subject := n.Subject(event)
	if err := n.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
