package queue

import (
	"context"
	"sync"
	"time"

	redisclient "github.com/lyzr/imageintake/common/redis"
	"github.com/redis/go-redis/v9"
)

// RedisStreamQueue carries messages on Redis streams with consumer groups.
// Messages are acked only after the handler succeeds; failed ones stay
// pending and are reclaimed once idle for ReclaimAfter.
type RedisStreamQueue struct {
	client       *redisclient.Client
	group        string
	consumer     string
	block        time.Duration
	reclaimAfter time.Duration
	log          Logger

	wg sync.WaitGroup
}

// StreamOptions configures a RedisStreamQueue
type StreamOptions struct {
	Group        string
	Consumer     string
	Block        time.Duration
	ReclaimAfter time.Duration
}

// NewRedisStreamQueue creates a stream-backed queue
func NewRedisStreamQueue(client *redisclient.Client, opts StreamOptions, log Logger) *RedisStreamQueue {
	if opts.Group == "" {
		opts.Group = "intake-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker"
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = time.Minute
	}
	return &RedisStreamQueue{
		client:       client,
		group:        opts.Group,
		consumer:     opts.Consumer,
		block:        opts.Block,
		reclaimAfter: opts.ReclaimAfter,
		log:          log,
	}
}

func streamName(topic string) string {
	return "intake:stream:" + topic
}

// Publish appends a message to the topic stream
func (q *RedisStreamQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	_, err := q.client.AddToStream(ctx, streamName(topic), map[string]interface{}{
		"key":   key,
		"value": message,
	})
	return err
}

// Subscribe creates the consumer group if needed and consumes in a goroutine
func (q *RedisStreamQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	stream := streamName(topic)
	if err := q.client.CreateStreamGroup(ctx, stream, q.group); err != nil {
		return err
	}
	q.log.Info("subscribing to stream", "stream", stream, "group", q.group, "consumer", q.consumer)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for ctx.Err() == nil {
			q.reclaim(ctx, stream, handler)

			streams, err := q.client.ReadFromStreamGroup(ctx, q.group, q.consumer, stream, 10, q.block)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				time.Sleep(time.Second)
				continue
			}
			for _, s := range streams {
				for _, msg := range s.Messages {
					q.handle(ctx, stream, msg, handler)
				}
			}
		}
		q.log.Info("subscription cancelled", "stream", stream)
	}()
	return nil
}

func (q *RedisStreamQueue) reclaim(ctx context.Context, stream string, handler MessageHandler) {
	msgs, err := q.client.ClaimIdle(ctx, stream, q.group, q.consumer, q.reclaimAfter, 10)
	if err != nil {
		return
	}
	for _, msg := range msgs {
		q.log.Warn("redelivering stale message", "stream", stream, "message_id", msg.ID)
		q.handle(ctx, stream, msg, handler)
	}
}

func (q *RedisStreamQueue) handle(ctx context.Context, stream string, msg redis.XMessage, handler MessageHandler) {
	key, _ := msg.Values["key"].(string)
	value, _ := msg.Values["value"].(string)
	if err := handler(ctx, key, []byte(value)); err != nil {
		q.log.Error("message handler error", "stream", stream, "key", key, "message_id", msg.ID, "error", err)
		return
	}
	if err := q.client.AckStreamMessage(ctx, stream, q.group, msg.ID); err != nil {
		q.log.Error("ack failed", "stream", stream, "message_id", msg.ID, "error", err)
	}
}

// Close waits for consumers whose contexts have ended
func (q *RedisStreamQueue) Close() error {
	q.wg.Wait()
	return nil
}
