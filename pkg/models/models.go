// Package models defines the shared entities of the gateway: agents, their
// consciousness, inbox events, runs, plans, pending tool calls, and space
// messages. These types are the storage representation; LLM-vendor message
// shapes never leak into them.
package models

import (
	"encoding/json"
	"time"
)

// Agent is the immutable configuration for one agent identity. It is
// one-to-one with an addressable participant identity (EntityID).
type Agent struct {
	// ID identifies the agent configuration.
	ID string `json:"id"`

	// EntityID is the addressable participant identity used for inbox keys,
	// space membership, and message authorship.
	EntityID string `json:"entityId"`

	// Name is the display name shown to other participants.
	Name string `json:"name"`

	// SystemSeed is the base system-prompt text for the agent.
	SystemSeed string `json:"systemSeed"`

	// Tools lists the names of tools available to the agent.
	Tools []string `json:"tools,omitempty"`

	// AsyncTools lists tool names whose authoritative result is supplied
	// later by an external submitter.
	AsyncTools []string `json:"asyncTools,omitempty"`

	// VisibleTools lists tool names whose lifecycle is broadcast to spaces.
	VisibleTools []string `json:"visibleTools,omitempty"`

	// SoftCapTokens is the consciousness size compaction targets.
	SoftCapTokens int `json:"softCapTokens"`

	// HardCapTokens is the consciousness size that triggers compaction.
	HardCapTokens int `json:"hardCapTokens"`

	// MaxSteps bounds the number of LLM steps per think cycle.
	MaxSteps int `json:"maxSteps"`

	CreatedAt time.Time `json:"createdAt"`
}

// MessageRole is the role of a model message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	Content    json.RawMessage `json:"content,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// ModelMessage is one entry in an agent's consciousness. It is a tagged
// variant: system and user messages carry Content; assistant messages carry
// Content and ToolCalls; tool messages carry ToolResults.
type ModelMessage struct {
	Role        MessageRole  `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`

	// Cycle is the cycle number that appended the message. Compaction groups
	// messages into blocks by cycle.
	Cycle int `json:"cycle,omitempty"`

	// Summary marks a system message produced by compaction.
	Summary bool `json:"summary,omitempty"`
}

// Consciousness is the cycle-carried memory of one agent. At most one record
// exists per agent; only the owning worker writes it.
type Consciousness struct {
	AgentEntityID string         `json:"agentEntityId"`
	Messages      []ModelMessage `json:"messages"`
	CycleCount    int            `json:"cycleCount"`
	TokenEstimate int            `json:"tokenEstimate"`
	LastCycleAt   time.Time      `json:"lastCycleAt"`
}

// InboxEventType classifies inbox stimuli.
type InboxEventType string

const (
	EventSpaceMessage InboxEventType = "space_message"
	EventPlan         InboxEventType = "plan"
	EventService      InboxEventType = "service"
	EventToolResult   InboxEventType = "tool_result"
)

// EventStatus is the lifecycle state of a durable inbox event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// InboxEvent is the durable record of one stimulus delivered to one agent.
// (AgentEntityID, EventID) is unique; pushes with a duplicate EventID are
// idempotent.
type InboxEvent struct {
	AgentEntityID string          `json:"agentEntityId"`
	EventID       string          `json:"eventId"`
	Type          InboxEventType  `json:"type"`
	Data          json.RawMessage `json:"data"`
	Status        EventStatus     `json:"status"`
	RunID         string          `json:"runId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	ProcessedAt   time.Time       `json:"processedAt,omitzero"`
}

// SenderType distinguishes human and agent participants.
type SenderType string

const (
	SenderHuman SenderType = "human"
	SenderAgent SenderType = "agent"
)

// ContextMessage is one entry of the short conversational context attached to
// a space-message event.
type ContextMessage struct {
	SenderName string     `json:"senderName"`
	SenderType SenderType `json:"senderType"`
	Content    string     `json:"content"`
}

// SpaceMessageEventData is the payload of a space_message inbox event.
type SpaceMessageEventData struct {
	MessageID      string           `json:"messageId"`
	SmartSpaceID   string           `json:"smartSpaceId"`
	SpaceName      string           `json:"spaceName"`
	SenderEntityID string           `json:"senderEntityId"`
	SenderName     string           `json:"senderName"`
	SenderType     SenderType       `json:"senderType"`
	Content        string           `json:"content"`
	RecentContext  []ContextMessage `json:"recentContext,omitempty"`
}

// PlanEventData is the payload of a plan inbox event.
type PlanEventData struct {
	PlanID      string `json:"planId"`
	PlanName    string `json:"planName"`
	Instruction string `json:"instruction"`
}

// ServiceEventData is the payload of a service inbox event.
type ServiceEventData struct {
	ServiceName string          `json:"serviceName"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ToolResultEventData is the payload of a tool_result inbox event.
type ToolResultEventData struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the audit record of one think cycle. Skipped cycles delete their run.
type Run struct {
	ID               string    `json:"id"`
	AgentEntityID    string    `json:"agentEntityId"`
	AgentID          string    `json:"agentId"`
	Status           RunStatus `json:"status"`
	CycleNumber      int       `json:"cycleNumber"`
	InboxEventCount  int       `json:"inboxEventCount"`
	StepCount        int       `json:"stepCount"`
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	DurationMs       int64     `json:"durationMs"`
	TriggerType      string    `json:"triggerType"`
	TriggerSource    string    `json:"triggerSource,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	CompletedAt      time.Time `json:"completedAt,omitzero"`
}

// ToolCallStatus is the lifecycle state of a pending tool call.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallCanceled  ToolCallStatus = "canceled"
)

// PendingToolCall records an async tool invocation awaiting an external
// result. (RunID, CallID) is unique. SmartSpaceID and MessageID link the call
// to its persisted space message so result submission can flip the message to
// complete.
type PendingToolCall struct {
	RunID        string          `json:"runId"`
	CallID       string          `json:"callId"`
	ToolName     string          `json:"toolName"`
	Input        json.RawMessage `json:"input,omitempty"`
	Status       ToolCallStatus  `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	SmartSpaceID string          `json:"smartSpaceId,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	RequestedAt  time.Time       `json:"requestedAt"`
	CompletedAt  time.Time       `json:"completedAt,omitzero"`
}

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanCompleted PlanStatus = "completed"
	PlanCanceled  PlanStatus = "canceled"
)

// Plan is a scheduled stimulus source owned by an agent. Exactly one of
// RunAfter, ScheduledAt, or Cron is set.
type Plan struct {
	ID            string        `json:"id"`
	AgentEntityID string        `json:"agentEntityId"`
	Name          string        `json:"name"`
	Instruction   string        `json:"instruction"`
	RunAfter      time.Duration `json:"runAfter,omitempty"`
	ScheduledAt   *time.Time    `json:"scheduledAt,omitempty"`
	Cron          string        `json:"cron,omitempty"`
	NextRunAt     *time.Time    `json:"nextRunAt,omitempty"`
	LastRunAt     *time.Time    `json:"lastRunAt,omitempty"`
	Status        PlanStatus    `json:"status"`
	IsRecurring   bool          `json:"isRecurring"`
	CreatedAt     time.Time     `json:"createdAt"`
	CompletedAt   time.Time     `json:"completedAt,omitzero"`
}

// Space is a shared room of participants.
type Space struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	AdminAgentEntityID string    `json:"adminAgentEntityId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// SpaceMessageStatus tracks the visible lifecycle of a persisted tool-call
// message.
type SpaceMessageStatus string

const (
	MessageRunning        SpaceMessageStatus = "running"
	MessageRequiresAction SpaceMessageStatus = "requires_action"
	MessageComplete       SpaceMessageStatus = "complete"
)

// SpaceMessage is a posted message in a space. Seq is strictly increasing per
// space; the store serializes inserts within a space.
type SpaceMessage struct {
	ID           string         `json:"id"`
	SmartSpaceID string         `json:"smartSpaceId"`
	EntityID     string         `json:"entityId"`
	Role         MessageRole    `json:"role"`
	Content      string         `json:"content"`
	Seq          int64          `json:"seq"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RunID        string         `json:"runId,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}
