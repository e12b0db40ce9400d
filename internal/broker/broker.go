// Package broker defines the queue, pub/sub, stream, and delay-queue
// primitives the gateway needs from its message broker, with a Redis
// implementation for production and an in-memory implementation for tests.
//
// Logical keys:
//
//	inbox:<agentEntityId>        FIFO list (push left, pop right)
//	wakeup:<agentEntityId>       pub/sub channel, payload ignored
//	space:<spaceId>:stream       bounded append-only stream for SSE replay
//	space:<spaceId>:notify       pub/sub signal that new entries exist
//	run:<runId>:stream|notify    analogous per run
//	plan-scheduler               delay queue keyed by planId
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned when a pop or blocking pop finds no value.
var ErrEmpty = errors.New("broker: empty")

// StreamEntry is one entry read from an append-only stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Subscription is a live pub/sub subscription. Channel is closed when the
// subscription ends; Close is idempotent.
type Subscription interface {
	Channel() <-chan string
	Close() error
}

// Broker is the complete primitive set. Implementations are safe for
// concurrent use; every blocking call honors context cancellation.
type Broker interface {
	// LeftPush prepends values to the FIFO list (enqueue side).
	LeftPush(ctx context.Context, key string, values ...string) error

	// RightPush appends values at the pop side, ahead of everything already
	// queued. Used to fold a consumed wakeup event back into the queue head
	// so a drain preserves FIFO order.
	RightPush(ctx context.Context, key string, values ...string) error

	// RightPop removes and returns the oldest value, or ErrEmpty.
	RightPop(ctx context.Context, key string) (string, error)

	// BlockingRightPop waits up to timeout for a value. It returns ErrEmpty
	// on timeout and ctx.Err() on cancellation. Implementations use a
	// dedicated blocking connection that cancellation unsticks promptly.
	BlockingRightPop(ctx context.Context, key string, timeout time.Duration) (string, error)

	// PeekRight returns up to n values from the pop side, oldest first,
	// without removing them.
	PeekRight(ctx context.Context, key string, n int64) ([]string, error)

	// QueueLen returns the list length.
	QueueLen(ctx context.Context, key string) (int64, error)

	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a pub/sub subscription on channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// StreamAppend appends fields to the stream, trimming it to roughly
	// maxLen entries, and returns the assigned entry id.
	StreamAppend(ctx context.Context, key string, fields map[string]string, maxLen int64) (string, error)

	// StreamReadSince returns up to count entries with ids strictly greater
	// than sinceID, oldest first. Empty sinceID reads from the start.
	StreamReadSince(ctx context.Context, key, sinceID string, count int64) ([]StreamEntry, error)

	// Schedule registers jobID on the delay queue to fire at fireAt.
	// Re-scheduling an existing jobID moves its fire time, so each job has at
	// most one live firing.
	Schedule(ctx context.Context, queue, jobID string, fireAt time.Time) error

	// Unschedule removes jobID from the delay queue if present.
	Unschedule(ctx context.Context, queue, jobID string) error

	// ClaimDue atomically removes and returns up to limit job ids due at or
	// before now. A job id is returned to exactly one caller.
	ClaimDue(ctx context.Context, queue string, now time.Time, limit int64) ([]string, error)

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// InboxKey is the fast-queue key for one agent.
func InboxKey(agentEntityID string) string { return "inbox:" + agentEntityID }

// WakeupKey is the wakeup pub/sub channel for one agent.
func WakeupKey(agentEntityID string) string { return "wakeup:" + agentEntityID }

// SpaceStreamKey is the bounded replay stream for one space.
func SpaceStreamKey(spaceID string) string { return "space:" + spaceID + ":stream" }

// SpaceNotifyKey is the notify channel for one space.
func SpaceNotifyKey(spaceID string) string { return "space:" + spaceID + ":notify" }

// RunStreamKey is the bounded replay stream for one run.
func RunStreamKey(runID string) string { return "run:" + runID + ":stream" }

// RunNotifyKey is the notify channel for one run.
func RunNotifyKey(runID string) string { return "run:" + runID + ":notify" }

// PlanQueue is the global delay queue for plan firings.
const PlanQueue = "plan-scheduler"
