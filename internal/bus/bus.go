// Package bus fans live events out to SSE subscribers. Every event is
// appended to a bounded broker stream (the replay backlog) and then announced
// on a notify channel; subscribers replay the backlog from their cursor and
// switch to live delivery without gaps.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hsafa/gateway/internal/broker"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/pkg/models"
)

const (
	fieldType = "type"
	fieldTS   = "ts"
	fieldData = "data"
)

// Bus publishes to and subscribes from per-space and per-run channels.
type Bus struct {
	broker broker.Broker
	log    *observability.Logger
	maxLen int64
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(log *observability.Logger) Option {
	return func(b *Bus) { b.log = log.WithComponent("bus") }
}

// WithMaxLen bounds the per-channel replay backlog.
func WithMaxLen(n int64) Option {
	return func(b *Bus) { b.maxLen = n }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates a Bus on the given broker.
func New(br broker.Broker, opts ...Option) *Bus {
	b := &Bus{
		broker: br,
		log:    observability.NewLogger(observability.LogConfig{}).WithComponent("bus"),
		maxLen: 1024,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishSpace emits an event on a space channel and returns its stream id.
func (b *Bus) PublishSpace(ctx context.Context, spaceID string, typ models.BusEventType, data any) (string, error) {
	return b.publish(ctx, broker.SpaceStreamKey(spaceID), broker.SpaceNotifyKey(spaceID), typ, data)
}

// PublishRun emits an event on a run channel and returns its stream id.
func (b *Bus) PublishRun(ctx context.Context, runID string, typ models.BusEventType, data any) (string, error) {
	return b.publish(ctx, broker.RunStreamKey(runID), broker.RunNotifyKey(runID), typ, data)
}

func (b *Bus) publish(ctx context.Context, streamKey, notifyKey string, typ models.BusEventType, data any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode %s event: %w", typ, err)
	}
	ts := b.now().UTC()
	id, err := b.broker.StreamAppend(ctx, streamKey, map[string]string{
		fieldType: string(typ),
		fieldTS:   ts.Format(time.RFC3339Nano),
		fieldData: string(raw),
	}, b.maxLen)
	if err != nil {
		return "", fmt.Errorf("append %s event: %w", typ, err)
	}

	event := models.BusEvent{ID: id, Type: typ, TS: ts, Data: raw}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	if err := b.broker.Publish(ctx, notifyKey, string(payload)); err != nil {
		// The durable append succeeded; live subscribers miss the event but
		// replay picks it up on reconnect.
		b.log.Warn(ctx, "event notify failed", "channel", notifyKey, "error", err)
	}
	return id, nil
}

// SubscribeSpace streams a space channel, replaying events after sinceID.
func (b *Bus) SubscribeSpace(ctx context.Context, spaceID, sinceID string) (*Stream, error) {
	return b.subscribe(ctx, broker.SpaceStreamKey(spaceID), broker.SpaceNotifyKey(spaceID), sinceID)
}

// SubscribeRun streams a run channel, replaying events after sinceID.
func (b *Bus) SubscribeRun(ctx context.Context, runID, sinceID string) (*Stream, error) {
	return b.subscribe(ctx, broker.RunStreamKey(runID), broker.RunNotifyKey(runID), sinceID)
}

func (b *Bus) subscribe(ctx context.Context, streamKey, notifyKey, sinceID string) (*Stream, error) {
	// Subscribe before replaying so nothing published in between is lost;
	// replayed ids are tracked to drop the overlap.
	sub, err := b.broker.Subscribe(ctx, notifyKey)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", notifyKey, err)
	}

	entries, err := b.broker.StreamReadSince(ctx, streamKey, sinceID, 0)
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("replay %s: %w", streamKey, err)
	}

	out := make(chan models.BusEvent, 64)
	stream := &Stream{sub: sub, ch: out}

	go func() {
		defer close(out)
		seen := make(map[string]struct{}, len(entries))
		for _, entry := range entries {
			event, ok := decodeEntry(entry)
			if !ok {
				continue
			}
			seen[event.ID] = struct{}{}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case payload, open := <-sub.Channel():
				if !open {
					return
				}
				var event models.BusEvent
				if err := json.Unmarshal([]byte(payload), &event); err != nil {
					b.log.Warn(ctx, "bad event payload", "channel", notifyKey, "error", err)
					continue
				}
				if _, dup := seen[event.ID]; dup {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return stream, nil
}

func decodeEntry(entry broker.StreamEntry) (models.BusEvent, bool) {
	typ, ok := entry.Fields[fieldType]
	if !ok {
		return models.BusEvent{}, false
	}
	ts, _ := time.Parse(time.RFC3339Nano, entry.Fields[fieldTS])
	return models.BusEvent{
		ID:   entry.ID,
		Type: models.BusEventType(typ),
		TS:   ts,
		Data: json.RawMessage(entry.Fields[fieldData]),
	}, true
}

// Stream is one live subscription.
type Stream struct {
	sub broker.Subscription
	ch  chan models.BusEvent
}

// Events yields replayed then live events until the stream is closed.
func (s *Stream) Events() <-chan models.BusEvent { return s.ch }

// Close detaches the subscription.
func (s *Stream) Close() error { return s.sub.Close() }
