// Package providers implements LLM backends for the agent worker. The
// Anthropic provider adapts Claude's streaming Messages API to the worker's
// typed part stream, surfacing tool input deltas as they arrive so the stream
// processor can broadcast them.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/hsafa/gateway/internal/agent"
)

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 4096
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// AnthropicConfig configures the Anthropic provider. APIKey is required;
// everything else defaults.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider streams completions from Claude. Safe for concurrent use;
// each Stream call owns an independent SSE stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropicProvider creates the provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream sends one step request and returns its part channel. Stream errors
// after the first event arrive as PartError parts; only request construction
// fails synchronously.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.StreamPart, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	parts := make(chan *agent.StreamPart, 32)
	go func() {
		defer close(parts)
		var lastErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			if attempt > 0 {
				delay := p.retryDelay * (1 << (attempt - 1))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					parts <- &agent.StreamPart{Kind: agent.PartError, Err: ctx.Err()}
					return
				}
			}

			stream := p.client.Messages.NewStreaming(ctx, params)
			emitted, err := p.processStream(ctx, stream, parts)
			if err == nil {
				return
			}
			lastErr = err
			// Once parts reached the consumer the step is tainted; a silent
			// retry would duplicate deltas.
			if emitted || ctx.Err() != nil {
				parts <- &agent.StreamPart{Kind: agent.PartError, Err: err}
				return
			}
		}
		parts <- &agent.StreamPart{Kind: agent.PartError, Err: lastErr}
	}()
	return parts, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream translates SSE events into parts. It reports whether any part
// was emitted so the caller knows if a retry is safe.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], parts chan<- *agent.StreamPart) (bool, error) {
	emitted := false
	emit := func(part *agent.StreamPart) bool {
		select {
		case parts <- part:
			emitted = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		inputTokens  int
		outputTokens int
		stopReason   string
		currentID    string
		currentName  string
		currentInput strings.Builder
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentID = toolUse.ID
				currentName = toolUse.Name
				currentInput.Reset()
				if !emit(&agent.StreamPart{
					Kind:     agent.PartToolInputStart,
					CallID:   toolUse.ID,
					ToolName: toolUse.Name,
				}) {
					return emitted, ctx.Err()
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					continue
				}
				if !emit(&agent.StreamPart{Kind: agent.PartTextDelta, Text: delta.Text}) {
					return emitted, ctx.Err()
				}
			case "input_json_delta":
				if delta.PartialJSON == "" {
					continue
				}
				currentInput.WriteString(delta.PartialJSON)
				if !emit(&agent.StreamPart{
					Kind:       agent.PartToolInputDelta,
					CallID:     currentID,
					ToolName:   currentName,
					InputDelta: delta.PartialJSON,
				}) {
					return emitted, ctx.Err()
				}
			}

		case "content_block_stop":
			if currentID == "" {
				continue
			}
			input := currentInput.String()
			if input == "" {
				input = "{}"
			}
			if !emit(&agent.StreamPart{
				Kind:     agent.PartToolCall,
				CallID:   currentID,
				ToolName: currentName,
				Input:    json.RawMessage(input),
			}) {
				return emitted, ctx.Err()
			}
			currentID, currentName = "", ""
			currentInput.Reset()

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				stopReason = string(md.Delta.StopReason)
			}

		case "message_stop":
			emit(&agent.StreamPart{
				Kind:         agent.PartFinish,
				FinishReason: stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return emitted, nil
		}
	}
	if err := stream.Err(); err != nil {
		return emitted, fmt.Errorf("anthropic stream: %w", err)
	}
	return emitted, fmt.Errorf("anthropic stream: ended without message_stop")
}

func convertMessages(messages []agent.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			// System text travels in params.System.
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, result := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				result.ToolCallID, result.Content, result.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// Tool results ride as user messages in the Anthropic format.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertTools(tools []agent.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		out = append(out, param)
	}
	return out, nil
}
