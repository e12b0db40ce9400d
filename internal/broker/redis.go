package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Broker on a Redis server. Lists back the FIFO queues,
// native pub/sub backs notifications, streams back the SSE replay backlog,
// and a sorted set scored by fire time backs the delay queue.
type Redis struct {
	client *redis.Client
}

// RedisOptions configures the Redis broker.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and returns the broker.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{client: client}
}

// NewRedisFromClient wraps an existing client; the caller owns its lifecycle.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (b *Redis) LeftPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := b.client.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", key, err)
	}
	return nil
}

func (b *Redis) RightPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := b.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

func (b *Redis) RightPop(ctx context.Context, key string) (string, error) {
	val, err := b.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("rpop %s: %w", key, err)
	}
	return val, nil
}

// BlockingRightPop issues BRPOP on a dedicated connection. go-redis closes
// the connection when ctx is canceled, which unsticks the call.
func (b *Redis) BlockingRightPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	conn := b.client.Conn()
	defer conn.Close()

	vals, err := conn.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("brpop %s: %w", key, err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return "", fmt.Errorf("brpop %s: unexpected reply length %d", key, len(vals))
	}
	return vals[1], nil
}

func (b *Redis) PeekRight(ctx context.Context, key string, n int64) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	// The pop side is the right end; LRANGE -n..-1 returns them left-to-right
	// newest-first relative to the pop order, so reverse to oldest-first.
	vals, err := b.client.LRange(ctx, key, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	out := make([]string, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		out = append(out, vals[i])
	}
	return out, nil
}

func (b *Redis) QueueLen(ctx context.Context, key string) (int64, error) {
	n, err := b.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}

func (b *Redis) Publish(ctx context.Context, channel, payload string) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// Force the subscription to be established before returning.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
}

func (s *redisSubscription) Channel() <-chan string { return s.ch }
func (s *redisSubscription) Close() error           { return s.pubsub.Close() }

func (b *Redis) StreamAppend(ctx context.Context, key string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: key, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", key, err)
	}
	return id, nil
}

func (b *Redis) StreamReadSince(ctx context.Context, key, sinceID string, count int64) ([]StreamEntry, error) {
	start := "-"
	if sinceID != "" {
		start = "(" + sinceID
	}
	msgs, err := b.client.XRangeN(ctx, key, start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", key, err)
	}
	entries := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		entries = append(entries, StreamEntry{ID: m.ID, Fields: fields})
	}
	return entries, nil
}

func (b *Redis) Schedule(ctx context.Context, queue, jobID string, fireAt time.Time) error {
	member := redis.Z{Score: float64(fireAt.UnixMilli()), Member: jobID}
	if err := b.client.ZAdd(ctx, queue, member).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", queue, err)
	}
	return nil
}

func (b *Redis) Unschedule(ctx context.Context, queue, jobID string) error {
	if err := b.client.ZRem(ctx, queue, jobID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", queue, err)
	}
	return nil
}

// ClaimDue lists due members then removes each; ZREM returning 1 means this
// caller claimed the job, so concurrent pollers never double-fire.
func (b *Redis) ClaimDue(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	max := strconv.FormatInt(now.UnixMilli(), 10)
	ids, err := b.client.ZRangeByScore(ctx, queue, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", queue, err)
	}
	claimed := make([]string, 0, len(ids))
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, queue, id).Result()
		if err != nil {
			return claimed, fmt.Errorf("zrem %s: %w", queue, err)
		}
		if removed == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	return b.client.Close()
}
