// Package store defines the row-store interfaces backing the gateway and
// provides Postgres and in-memory implementations.
package store

import (
	"context"
	"errors"

	"github.com/hsafa/gateway/pkg/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyCompleted is returned when a pending tool call result is
	// submitted twice.
	ErrAlreadyCompleted = errors.New("store: already completed")

	// ErrInvariantViolation is returned when a status-guarded update matches
	// zero rows.
	ErrInvariantViolation = errors.New("store: invariant violation")
)

// AgentStore persists agent configurations.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	GetByEntityID(ctx context.Context, entityID string) (*models.Agent, error)
	List(ctx context.Context) ([]*models.Agent, error)
	Delete(ctx context.Context, id string) error
}

// ConsciousnessStore persists the cycle-carried memory of agents. Save is an
// atomic upsert; only the owning worker writes a given agent's record.
type ConsciousnessStore interface {
	Load(ctx context.Context, agentEntityID string) (*models.Consciousness, error)
	Save(ctx context.Context, c *models.Consciousness) error
}

// InboxEventStore is the durable inbox log.
type InboxEventStore interface {
	// Upsert inserts the event with status pending; a duplicate
	// (agentEntityId, eventId) is a no-op. Returns whether a row was
	// inserted.
	Upsert(ctx context.Context, event *models.InboxEvent) (bool, error)

	Get(ctx context.Context, agentEntityID, eventID string) (*models.InboxEvent, error)

	// MarkProcessing transitions pending rows to processing and stamps the
	// run id. Returns the number of rows transitioned.
	MarkProcessing(ctx context.Context, agentEntityID string, eventIDs []string, runID string) (int, error)

	// MarkProcessed transitions processing rows to processed.
	MarkProcessed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error)

	// MarkFailed transitions processing rows to failed.
	MarkFailed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error)

	// ListByStatus returns the agent's events in the given status, oldest
	// first.
	ListByStatus(ctx context.Context, agentEntityID string, status models.EventStatus) ([]*models.InboxEvent, error)

	// ResetToPending transitions processing rows back to pending and clears
	// their run id. Used by crash recovery.
	ResetToPending(ctx context.Context, agentEntityID string, eventIDs []string) (int, error)
}

// RunStore persists cycle audit records.
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	Update(ctx context.Context, run *models.Run) error

	// Delete removes a run; used by skip rollback.
	Delete(ctx context.Context, id string) error

	ListByAgent(ctx context.Context, agentEntityID string, limit int) ([]*models.Run, error)
}

// PendingToolCallStore persists async tool invocations.
type PendingToolCallStore interface {
	Create(ctx context.Context, call *models.PendingToolCall) error
	Get(ctx context.Context, runID, callID string) (*models.PendingToolCall, error)

	// Complete transitions a pending call to completed with its output. It
	// returns ErrAlreadyCompleted when the call is no longer pending and
	// ErrNotFound when it does not exist.
	Complete(ctx context.Context, runID, callID string, output []byte) (*models.PendingToolCall, error)
}

// PlanStore persists scheduled plans.
type PlanStore interface {
	Create(ctx context.Context, plan *models.Plan) error
	Get(ctx context.Context, id string) (*models.Plan, error)
	Update(ctx context.Context, plan *models.Plan) error
	Delete(ctx context.Context, id string) error

	// ListByStatus returns all plans in the given status.
	ListByStatus(ctx context.Context, status models.PlanStatus) ([]*models.Plan, error)
}

// Member is one participant of a space as seen by the membership oracle.
type Member struct {
	EntityID string
	Name     string
	Type     models.SenderType
}

// MembershipOracle resolves space membership. Access control is out of scope
// for the core; this is the policy surface it calls.
type MembershipOracle interface {
	// SpacesFor returns the spaces the entity belongs to.
	SpacesFor(ctx context.Context, entityID string) ([]*models.Space, error)

	// MembersOf returns the members of a space.
	MembersOf(ctx context.Context, spaceID string) ([]Member, error)
}

// SpaceStore persists spaces and their ordered message logs.
type SpaceStore interface {
	CreateSpace(ctx context.Context, space *models.Space) error
	GetSpace(ctx context.Context, id string) (*models.Space, error)

	// AppendMessage assigns the next per-space seq and persists the message.
	// Inserts within one space are serialized.
	AppendMessage(ctx context.Context, msg *models.SpaceMessage) error

	// UpdateMessage rewrites content and metadata of an existing message.
	// The core only updates its own tool-call messages.
	UpdateMessage(ctx context.Context, msg *models.SpaceMessage) error

	GetMessage(ctx context.Context, spaceID, messageID string) (*models.SpaceMessage, error)

	// RecentMessages returns the last n messages of a space, oldest first.
	RecentMessages(ctx context.Context, spaceID string, n int) ([]*models.SpaceMessage, error)
}

// Set groups the storage dependencies handed to components.
type Set struct {
	Agents        AgentStore
	Consciousness ConsciousnessStore
	InboxEvents   InboxEventStore
	Runs          RunStore
	ToolCalls     PendingToolCallStore
	Plans         PlanStore
	Spaces        SpaceStore
	Membership    MembershipOracle

	closer func() error
}

// Close releases underlying resources.
func (s *Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
