// Package agent implements the per-agent worker: the persistent think-cycle
// loop, the tool registry, the stream processor that turns LLM output into
// fan-out events, and the async-tool result path.
package agent

import (
	"context"
	"encoding/json"
)

// LLMProvider is the streaming model backend. One Stream call covers one step
// of a think cycle; the worker loops steps until the model stops calling
// tools or the step cap is hit.
//
// Implementations must be safe for concurrent use across agents.
type LLMProvider interface {
	// Stream sends the request and returns a channel of typed parts. The
	// channel is closed when the step completes or fails; failures arrive as
	// PartError parts, not as the returned error.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *StreamPart, error)

	// Name returns the provider name for logging and metrics.
	Name() string
}

// CompletionRequest is one streaming step request.
type CompletionRequest struct {
	// Model selects the model id; empty uses the provider default.
	Model string `json:"model"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation so far, chronological.
	Messages []Message `json:"messages"`

	// Tools are the definitions offered to the model this step.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// MaxTokens bounds the generated output; 0 uses the provider default.
	MaxTokens int `json:"maxTokens,omitempty"`
}

// Message is one conversation entry in provider-neutral form.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// ToolDefinition describes one tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// PartKind classifies a stream part.
type PartKind string

const (
	// PartTextDelta carries incremental response text.
	PartTextDelta PartKind = "text-delta"

	// PartToolInputStart announces a tool call before its arguments arrive.
	PartToolInputStart PartKind = "tool-input-start"

	// PartToolInputDelta carries a fragment of the tool call's JSON input.
	PartToolInputDelta PartKind = "tool-input-delta"

	// PartToolCall carries a complete tool call with parsed input.
	PartToolCall PartKind = "tool-call"

	// PartFinish ends the step with the finish reason and token usage.
	PartFinish PartKind = "finish"

	// PartError ends the step with a failure.
	PartError PartKind = "error"
)

// StreamPart is one typed event from the model stream.
type StreamPart struct {
	Kind PartKind

	// Text is set for PartTextDelta.
	Text string

	// CallID and ToolName are set for the tool-* kinds.
	CallID   string
	ToolName string

	// InputDelta is set for PartToolInputDelta.
	InputDelta string

	// Input is the complete argument JSON, set for PartToolCall.
	Input json.RawMessage

	// FinishReason and token counts are set for PartFinish.
	FinishReason string
	InputTokens  int
	OutputTokens int

	// Err is set for PartError.
	Err error
}
