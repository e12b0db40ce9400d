package models

import (
	"encoding/json"
	"time"
)

// BusEventType identifies a fan-out bus event.
type BusEventType string

// Events published on space channels. Run channels mirror the tool lifecycle.
const (
	BusAgentActive         BusEventType = "agent.active"
	BusAgentInactive       BusEventType = "agent.inactive"
	BusSpaceMessage        BusEventType = "space.message"
	BusSpaceMessageStream  BusEventType = "space.message.streaming"
	BusSpaceMessageFailed  BusEventType = "space.message.failed"
	BusToolStarted         BusEventType = "tool.started"
	BusToolStreaming       BusEventType = "tool.streaming"
	BusToolDone            BusEventType = "tool.done"
	BusToolError           BusEventType = "tool.error"
)

// StreamPhase is the phase of a space.message.streaming event.
type StreamPhase string

const (
	PhaseStart StreamPhase = "start"
	PhaseDelta StreamPhase = "delta"
	PhaseDone  StreamPhase = "done"
)

// BusEvent is the envelope for every fan-out event. ID is the broker stream
// id assigned at publication and doubles as the SSE resume cursor.
type BusEvent struct {
	ID   string          `json:"id"`
	Type BusEventType    `json:"type"`
	TS   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AgentStatusData is the payload of agent.active and agent.inactive events.
type AgentStatusData struct {
	AgentEntityID string `json:"agentEntityId"`
	AgentName     string `json:"agentName"`
	RunID         string `json:"runId"`
}

// MessageStreamData is the payload of space.message.streaming events. Start
// carries no text; deltas carry the incremental fragment; done carries the
// final full content.
type MessageStreamData struct {
	MessageID     string      `json:"messageId"`
	AgentEntityID string      `json:"agentEntityId"`
	Phase         StreamPhase `json:"phase"`
	Delta         string      `json:"delta,omitempty"`
	Content       string      `json:"content,omitempty"`
}

// MessageFailedData is the payload of space.message.failed events.
type MessageFailedData struct {
	MessageID     string `json:"messageId"`
	AgentEntityID string `json:"agentEntityId"`
	Error         string `json:"error"`
}

// ToolLifecycleData is the payload of tool.started, tool.streaming, tool.done,
// and tool.error events.
type ToolLifecycleData struct {
	CallID        string          `json:"callId"`
	ToolName      string          `json:"toolName"`
	AgentEntityID string          `json:"agentEntityId"`
	MessageID     string          `json:"messageId,omitempty"`
	InputDelta    string          `json:"inputDelta,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// WireEvent is the serialized form of an inbox event on the fast queue. The
// durable row is written before the wire event becomes visible.
type WireEvent struct {
	EventID   string          `json:"eventId"`
	Type      InboxEventType  `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
