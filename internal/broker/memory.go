package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory implements Broker with in-process data structures. It mirrors the
// Redis semantics closely enough for unit tests: FIFO lists with blocking
// pop, fan-out pub/sub, bounded streams with monotone ids, and a delay queue
// with atomic claims.
type Memory struct {
	mu      sync.Mutex
	queues  map[string][]string
	waiters map[string][]chan struct{}
	subs    map[string][]*memorySubscription
	streams map[string][]StreamEntry
	seq     map[string]int64
	delays  map[string]map[string]time.Time
	closed  bool
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:  make(map[string][]string),
		waiters: make(map[string][]chan struct{}),
		subs:    make(map[string][]*memorySubscription),
		streams: make(map[string][]StreamEntry),
		seq:     make(map[string]int64),
		delays:  make(map[string]map[string]time.Time),
	}
}

func (b *Memory) LeftPush(ctx context.Context, key string, values ...string) error {
	b.mu.Lock()
	// Left push prepends, so the oldest element stays at the end.
	b.queues[key] = append(reversed(values), b.queues[key]...)
	b.notifyLocked(key)
	b.mu.Unlock()
	return nil
}

func (b *Memory) RightPush(ctx context.Context, key string, values ...string) error {
	b.mu.Lock()
	b.queues[key] = append(b.queues[key], values...)
	b.notifyLocked(key)
	b.mu.Unlock()
	return nil
}

func reversed(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[len(values)-1-i] = v
	}
	return out
}

// notifyLocked wakes every blocked pop so each can race for the new value.
func (b *Memory) notifyLocked(key string) {
	for _, ch := range b.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Memory) RightPop(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[key]
	if len(q) == 0 {
		return "", ErrEmpty
	}
	val := q[len(q)-1]
	b.queues[key] = q[:len(q)-1]
	return val, nil
}

func (b *Memory) BlockingRightPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	wake := make(chan struct{}, 1)
	b.mu.Lock()
	b.waiters[key] = append(b.waiters[key], wake)
	b.mu.Unlock()
	defer b.removeWaiter(key, wake)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if val, err := b.RightPop(ctx, key); err == nil {
			return val, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrEmpty
		case <-wake:
		}
	}
}

func (b *Memory) removeWaiter(key string, wake chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	waiters := b.waiters[key]
	for i, ch := range waiters {
		if ch == wake {
			b.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			return
		}
	}
}

func (b *Memory) PeekRight(ctx context.Context, key string, n int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[key]
	if n <= 0 || len(q) == 0 {
		return nil, nil
	}
	if n > int64(len(q)) {
		n = int64(len(q))
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		out = append(out, q[len(q)-1-i])
	}
	return out, nil
}

func (b *Memory) QueueLen(ctx context.Context, key string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queues[key])), nil
}

func (b *Memory) Publish(ctx context.Context, channel, payload string) error {
	b.mu.Lock()
	subs := append([]*memorySubscription(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan string, 64),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	broker  *Memory
	channel string
	ch      chan string

	mu     sync.Mutex
	closed bool
}

func (s *memorySubscription) Channel() <-chan string { return s.ch }

func (s *memorySubscription) deliver(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- payload:
	default: // slow consumer, drop
	}
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.broker.mu.Lock()
	subs := s.broker.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.broker.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.broker.mu.Unlock()
	return nil
}

func (b *Memory) StreamAppend(ctx context.Context, key string, fields map[string]string, maxLen int64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[key]++
	id := fmt.Sprintf("%d-0", b.seq[key])
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	b.streams[key] = append(b.streams[key], StreamEntry{ID: id, Fields: copied})
	if maxLen > 0 && int64(len(b.streams[key])) > maxLen {
		excess := int64(len(b.streams[key])) - maxLen
		b.streams[key] = b.streams[key][excess:]
	}
	return id, nil
}

func (b *Memory) StreamReadSince(ctx context.Context, key, sinceID string, count int64) ([]StreamEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []StreamEntry
	for _, entry := range b.streams[key] {
		if sinceID != "" && streamIDLessOrEqual(entry.ID, sinceID) {
			continue
		}
		out = append(out, entry)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// streamIDLessOrEqual compares "seq-0" style ids numerically by their first
// component.
func streamIDLessOrEqual(a, c string) bool {
	var an, cn int64
	fmt.Sscanf(a, "%d", &an)
	fmt.Sscanf(c, "%d", &cn)
	return an <= cn
}

func (b *Memory) Schedule(ctx context.Context, queue, jobID string, fireAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.delays[queue] == nil {
		b.delays[queue] = make(map[string]time.Time)
	}
	b.delays[queue][jobID] = fireAt
	return nil
}

func (b *Memory) Unschedule(ctx context.Context, queue, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.delays[queue], jobID)
	return nil
}

func (b *Memory) ClaimDue(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	type due struct {
		id string
		at time.Time
	}
	var dues []due
	for id, at := range b.delays[queue] {
		if !at.After(now) {
			dues = append(dues, due{id: id, at: at})
		}
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].at.Before(dues[j].at) })
	if limit > 0 && int64(len(dues)) > limit {
		dues = dues[:limit]
	}
	ids := make([]string, 0, len(dues))
	for _, d := range dues {
		delete(b.delays[queue], d.id)
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (b *Memory) Ping(ctx context.Context) error { return nil }

func (b *Memory) Close() error { return nil }
