// Package inbox implements the per-agent stimulus queue. Every push writes a
// durable log row first and only then the fast broker queue entry, so a crash
// between the two leaves a recoverable row rather than a lost event. Event ids
// are deterministic per source, which makes redelivery idempotent end to end.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hsafa/gateway/internal/broker"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// wakePayload is published on the wakeup channel after a push.
const wakePayload = "wake"

// Inbox pushes, drains, and recovers inbox events for agents.
type Inbox struct {
	store   store.InboxEventStore
	broker  broker.Broker
	log     *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string

	// waitTimeout bounds one blocking pop; Wait loops until an event arrives
	// or the context ends.
	waitTimeout time.Duration
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets the logger.
func WithLogger(log *observability.Logger) Option {
	return func(i *Inbox) { i.log = log.WithComponent("inbox") }
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Inbox) { i.metrics = m }
}

// WithWaitTimeout sets the blocking-pop interval.
func WithWaitTimeout(d time.Duration) Option {
	return func(i *Inbox) { i.waitTimeout = d }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(i *Inbox) { i.now = now }
}

// WithIDGenerator overrides event id generation for tests.
func WithIDGenerator(gen func() string) Option {
	return func(i *Inbox) { i.newID = gen }
}

// New creates an Inbox.
func New(s store.InboxEventStore, b broker.Broker, opts ...Option) *Inbox {
	i := &Inbox{
		store:       s,
		broker:      b,
		log:         observability.NewLogger(observability.LogConfig{}).WithComponent("inbox"),
		now:         time.Now,
		newID:       uuid.NewString,
		waitTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// PushSpaceMessage delivers a space message stimulus. The event id is the
// message id, so redelivering the same message is a no-op.
func (i *Inbox) PushSpaceMessage(ctx context.Context, agentEntityID string, data models.SpaceMessageEventData) (bool, error) {
	return i.push(ctx, agentEntityID, data.MessageID, models.EventSpaceMessage, data)
}

// PushPlan delivers a plan firing. The event id couples the plan id with the
// firing time, so each firing of a recurring plan is distinct while retries of
// one firing dedup.
func (i *Inbox) PushPlan(ctx context.Context, agentEntityID string, data models.PlanEventData, firedAt time.Time) (bool, error) {
	eventID := fmt.Sprintf("%s:%d", data.PlanID, firedAt.UnixMilli())
	return i.push(ctx, agentEntityID, eventID, models.EventPlan, data)
}

// PushService delivers an ad-hoc service stimulus with a random event id.
func (i *Inbox) PushService(ctx context.Context, agentEntityID string, data models.ServiceEventData) (bool, error) {
	return i.push(ctx, agentEntityID, i.newID(), models.EventService, data)
}

// PushToolResult delivers an async tool result. The event id is derived from
// the call id, so a double submission cannot wake the agent twice.
func (i *Inbox) PushToolResult(ctx context.Context, agentEntityID string, data models.ToolResultEventData) (bool, error) {
	return i.push(ctx, agentEntityID, "tr:"+data.ToolCallID, models.EventToolResult, data)
}

func (i *Inbox) push(ctx context.Context, agentEntityID, eventID string, typ models.InboxEventType, data any) (bool, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("encode %s event: %w", typ, err)
	}
	now := i.now()

	// Durable row first. If this push loses the race the event already
	// exists and the queue entry is someone else's to write.
	inserted, err := i.store.Upsert(ctx, &models.InboxEvent{
		AgentEntityID: agentEntityID,
		EventID:       eventID,
		Type:          typ,
		Data:          raw,
		CreatedAt:     now,
	})
	if err != nil {
		return false, fmt.Errorf("persist inbox event: %w", err)
	}
	if !inserted {
		i.log.Debug(ctx, "duplicate inbox event", "event_id", eventID, "type", string(typ))
		return false, nil
	}

	wire, err := json.Marshal(models.WireEvent{
		EventID:   eventID,
		Type:      typ,
		Timestamp: now,
		Data:      raw,
	})
	if err != nil {
		return false, fmt.Errorf("encode wire event: %w", err)
	}
	if err := i.broker.LeftPush(ctx, broker.InboxKey(agentEntityID), string(wire)); err != nil {
		// The durable row exists; recovery or the drain fallback will pick
		// the event up.
		return true, fmt.Errorf("enqueue inbox event: %w", err)
	}
	if err := i.broker.Publish(ctx, broker.WakeupKey(agentEntityID), wakePayload); err != nil {
		i.log.Warn(ctx, "wakeup publish failed", "agent_entity_id", agentEntityID, "error", err)
	}

	if i.metrics != nil {
		i.metrics.InboxPushCounter.WithLabelValues(string(typ)).Inc()
	}
	return true, nil
}

// Wait blocks until an event is available on the agent's queue and returns it.
// The popped event is consumed; callers that drain afterwards fold it back
// with Requeue to keep FIFO order.
func (i *Inbox) Wait(ctx context.Context, agentEntityID string) (*models.WireEvent, error) {
	key := broker.InboxKey(agentEntityID)
	for {
		raw, err := i.broker.BlockingRightPop(ctx, key, i.waitTimeout)
		if errors.Is(err, broker.ErrEmpty) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var wire models.WireEvent
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			i.log.Warn(ctx, "dropping malformed wire event", "error", err)
			continue
		}
		return &wire, nil
	}
}

// Requeue puts a consumed wire event back at the pop side of the queue.
func (i *Inbox) Requeue(ctx context.Context, agentEntityID string, wire *models.WireEvent) error {
	raw, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode wire event: %w", err)
	}
	if err := i.broker.RightPush(ctx, broker.InboxKey(agentEntityID), string(raw)); err != nil {
		return fmt.Errorf("requeue inbox event: %w", err)
	}
	return nil
}

// Drain empties the agent's queue and returns the durable rows to process,
// oldest first. Queue entries dedup by event id, and pending rows missing from
// the queue (a crash after the durable write, or an enqueue failure) are folded
// in from the log.
func (i *Inbox) Drain(ctx context.Context, agentEntityID string) ([]*models.InboxEvent, error) {
	key := broker.InboxKey(agentEntityID)
	seen := make(map[string]struct{})
	var events []*models.InboxEvent

	for {
		raw, err := i.broker.RightPop(ctx, key)
		if errors.Is(err, broker.ErrEmpty) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("drain queue: %w", err)
		}
		var wire models.WireEvent
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			i.log.Warn(ctx, "dropping malformed wire event", "error", err)
			continue
		}
		if _, dup := seen[wire.EventID]; dup {
			continue
		}
		seen[wire.EventID] = struct{}{}

		row, err := i.store.Get(ctx, agentEntityID, wire.EventID)
		if errors.Is(err, store.ErrNotFound) {
			// Queue entry without a row should not happen given the write
			// order; skip rather than process unlogged stimuli.
			i.log.Warn(ctx, "queue entry without durable row", "event_id", wire.EventID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load drained event: %w", err)
		}
		if row.Status != models.EventPending {
			continue
		}
		events = append(events, row)
	}

	pending, err := i.store.ListByStatus(ctx, agentEntityID, models.EventPending)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	for _, row := range pending {
		if _, dup := seen[row.EventID]; dup {
			continue
		}
		seen[row.EventID] = struct{}{}
		events = append(events, row)
	}

	sort.SliceStable(events, func(a, b int) bool {
		return events[a].CreatedAt.Before(events[b].CreatedAt)
	})
	if i.metrics != nil {
		i.metrics.InboxDrainSize.Observe(float64(len(events)))
	}
	return events, nil
}

// Peek returns up to n wire events from the pop side without consuming them.
func (i *Inbox) Peek(ctx context.Context, agentEntityID string, n int64) ([]models.WireEvent, error) {
	raws, err := i.broker.PeekRight(ctx, broker.InboxKey(agentEntityID), n)
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}
	out := make([]models.WireEvent, 0, len(raws))
	for _, raw := range raws {
		var wire models.WireEvent
		if err := json.Unmarshal([]byte(raw), &wire); err != nil {
			continue
		}
		out = append(out, wire)
	}
	return out, nil
}

// Depth reports the queue length.
func (i *Inbox) Depth(ctx context.Context, agentEntityID string) (int64, error) {
	return i.broker.QueueLen(ctx, broker.InboxKey(agentEntityID))
}

// MarkProcessing claims pending rows for a run.
func (i *Inbox) MarkProcessing(ctx context.Context, agentEntityID string, eventIDs []string, runID string) (int, error) {
	return i.store.MarkProcessing(ctx, agentEntityID, eventIDs, runID)
}

// MarkProcessed finishes claimed rows.
func (i *Inbox) MarkProcessed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	return i.store.MarkProcessed(ctx, agentEntityID, eventIDs)
}

// MarkFailed fails claimed rows.
func (i *Inbox) MarkFailed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	return i.store.MarkFailed(ctx, agentEntityID, eventIDs)
}

// RecoverStuck resets events a dead worker left in processing and requeues
// them, oldest first so FIFO order holds. Duplicated queue entries are
// harmless since Drain dedups by event id. Returns the number recovered.
func (i *Inbox) RecoverStuck(ctx context.Context, agentEntityID string) (int, error) {
	stuck, err := i.store.ListByStatus(ctx, agentEntityID, models.EventProcessing)
	if err != nil {
		return 0, fmt.Errorf("list stuck events: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stuck))
	for n, row := range stuck {
		ids[n] = row.EventID
	}
	reset, err := i.store.ResetToPending(ctx, agentEntityID, ids)
	if err != nil {
		return 0, fmt.Errorf("reset stuck events: %w", err)
	}

	for _, row := range stuck {
		wire, err := json.Marshal(models.WireEvent{
			EventID:   row.EventID,
			Type:      row.Type,
			Timestamp: row.CreatedAt,
			Data:      row.Data,
		})
		if err != nil {
			continue
		}
		if err := i.broker.LeftPush(ctx, broker.InboxKey(agentEntityID), string(wire)); err != nil {
			return reset, fmt.Errorf("requeue stuck event: %w", err)
		}
	}
	if err := i.broker.Publish(ctx, broker.WakeupKey(agentEntityID), wakePayload); err != nil {
		i.log.Warn(ctx, "wakeup publish failed", "agent_entity_id", agentEntityID, "error", err)
	}
	i.log.Info(ctx, "recovered stuck inbox events", "agent_entity_id", agentEntityID, "count", reset)
	return reset, nil
}
