package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// SendMessageToolName is the space-posting tool whose text argument streams to
// the space as it generates.
const SendMessageToolName = "send_message"

// ProcessedCall is one complete tool call extracted from the stream, with the
// space message the processor persisted (or pre-assigned) for it.
type ProcessedCall struct {
	ID        string
	Name      string
	Input     json.RawMessage
	SpaceID   string
	MessageID string
}

// StepResult is the outcome of one streamed step.
type StepResult struct {
	Calls        []ProcessedCall
	Text         string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

// callState tracks one in-flight tool call across its input deltas.
type callState struct {
	toolName    string
	spaceID     string
	argsText    strings.Builder
	lastTextLen int
	visible     bool
	sendMessage bool
	messageID   string
	startedAt   time.Time
}

// Processor consumes one cycle's LLM stream, emitting fan-out events as tool
// input arrives and persisting a space message per visible tool call. One
// Processor serves all steps of a cycle; it is not safe for concurrent use.
type Processor struct {
	agent   *models.Agent
	runID   string
	spaceID string

	bus    *bus.Bus
	spaces store.SpaceStore
	log    *observability.Logger
	now    func() time.Time
	newID  func() string

	active  map[string]*callState
	order   []string
	calls   map[string]*ProcessedCall
	text    strings.Builder
	visible map[string]bool
	async   map[string]bool
}

// NewProcessor creates a Processor for one cycle. spaceID is the active space
// of the cycle; streaming and tool events target it.
func NewProcessor(agent *models.Agent, runID, spaceID string, b *bus.Bus, spaces store.SpaceStore, log *observability.Logger) *Processor {
	p := &Processor{
		agent:   agent,
		runID:   runID,
		spaceID: spaceID,
		bus:     b,
		spaces:  spaces,
		log:     log.WithComponent("stream"),
		now:     time.Now,
		newID:   uuid.NewString,
		active:  make(map[string]*callState),
		calls:   make(map[string]*ProcessedCall),
		visible: make(map[string]bool, len(agent.VisibleTools)+1),
		async:   make(map[string]bool, len(agent.AsyncTools)),
	}
	p.visible[SendMessageToolName] = true
	for _, name := range agent.VisibleTools {
		p.visible[name] = true
	}
	for _, name := range agent.AsyncTools {
		p.async[name] = true
	}
	return p
}

// ProcessStep consumes one step's parts until the channel closes and returns
// the step's calls in arrival order. A stream error fails every still-active
// call and is returned.
func (p *Processor) ProcessStep(ctx context.Context, parts <-chan *StreamPart) (*StepResult, error) {
	result := &StepResult{}
	stepStart := len(p.order)

	for part := range parts {
		switch part.Kind {
		case PartTextDelta:
			p.text.WriteString(part.Text)
			result.Text += part.Text

		case PartToolInputStart:
			p.onInputStart(ctx, part)

		case PartToolInputDelta:
			p.onInputDelta(ctx, part)

		case PartToolCall:
			p.onToolCall(ctx, part)

		case PartFinish:
			result.FinishReason = part.FinishReason
			result.InputTokens += part.InputTokens
			result.OutputTokens += part.OutputTokens

		case PartError:
			p.failActive(ctx, part.Err)
			return result, fmt.Errorf("llm stream: %w", part.Err)
		}
	}

	for _, id := range p.order[stepStart:] {
		result.Calls = append(result.Calls, *p.calls[id])
	}
	return result, nil
}

// InternalText returns the accumulated agent-internal text of the cycle. It is
// never broadcast.
func (p *Processor) InternalText() string { return p.text.String() }

func (p *Processor) onInputStart(ctx context.Context, part *StreamPart) {
	state := &callState{
		toolName:    part.ToolName,
		spaceID:     p.spaceID,
		visible:     p.visible[part.ToolName],
		sendMessage: part.ToolName == SendMessageToolName,
		startedAt:   p.now(),
	}
	p.active[part.CallID] = state
	if !state.visible || part.ToolName == SkipToolName {
		return
	}

	if state.sendMessage {
		state.messageID = p.newID()
		if state.spaceID != "" {
			p.publishStreaming(ctx, state, models.PhaseStart, "", "")
		}
		return
	}
	p.publishTool(ctx, state.spaceID, models.BusToolStarted, models.ToolLifecycleData{
		CallID:        part.CallID,
		ToolName:      part.ToolName,
		AgentEntityID: p.agent.EntityID,
	})
}

func (p *Processor) onInputDelta(ctx context.Context, part *StreamPart) {
	state, ok := p.active[part.CallID]
	if !ok {
		return
	}
	state.argsText.WriteString(part.InputDelta)
	if !state.visible || state.toolName == SkipToolName {
		return
	}

	if state.sendMessage {
		p.streamMessageText(ctx, state)
		return
	}
	p.publishTool(ctx, state.spaceID, models.BusToolStreaming, models.ToolLifecycleData{
		CallID:        part.CallID,
		ToolName:      state.toolName,
		AgentEntityID: p.agent.EntityID,
		InputDelta:    part.InputDelta,
	})
}

// streamMessageText partial-parses the accumulated argument JSON and emits the
// grown slice of the text field. The extractor never skips characters: every
// delta is lastTextLen..len(text).
func (p *Processor) streamMessageText(ctx context.Context, state *callState) {
	args := state.argsText.String()
	if state.spaceID == "" {
		if spaceID, ok := partialStringField(args, "smartSpaceId"); ok && spaceID != "" {
			state.spaceID = spaceID
			p.publishStreaming(ctx, state, models.PhaseStart, "", "")
		} else {
			return
		}
	}
	text, ok := partialStringField(args, "text")
	if !ok || len(text) <= state.lastTextLen {
		return
	}
	delta := text[state.lastTextLen:]
	state.lastTextLen = len(text)
	p.publishStreaming(ctx, state, models.PhaseDelta, delta, "")
}

func (p *Processor) onToolCall(ctx context.Context, part *StreamPart) {
	state, ok := p.active[part.CallID]
	if !ok {
		state = &callState{
			toolName:    part.ToolName,
			spaceID:     p.spaceID,
			visible:     p.visible[part.ToolName],
			sendMessage: part.ToolName == SendMessageToolName,
			startedAt:   p.now(),
		}
		if state.sendMessage {
			state.messageID = p.newID()
		}
		p.active[part.CallID] = state
	}

	// Flush any text the final input carries beyond the last delta.
	if state.sendMessage && state.visible {
		state.argsText.Reset()
		state.argsText.Write(part.Input)
		p.streamMessageText(ctx, state)
	}

	call := &ProcessedCall{
		ID:        part.CallID,
		Name:      part.ToolName,
		Input:     part.Input,
		SpaceID:   state.spaceID,
		MessageID: state.messageID,
	}

	if state.visible && !state.sendMessage && state.toolName != SkipToolName {
		p.publishTool(ctx, state.spaceID, models.BusToolStreaming, models.ToolLifecycleData{
			CallID:        part.CallID,
			ToolName:      part.ToolName,
			AgentEntityID: p.agent.EntityID,
			InputDelta:    string(part.Input),
		})
		call.MessageID = p.persistToolMessage(ctx, state, part)
		state.messageID = call.MessageID
	}

	p.order = append(p.order, part.CallID)
	p.calls[part.CallID] = call
}

// persistToolMessage writes the single space message representing a visible
// tool call: requires_action for async tools, running for synchronous ones.
func (p *Processor) persistToolMessage(ctx context.Context, state *callState, part *StreamPart) string {
	if state.spaceID == "" {
		return ""
	}
	status := models.MessageRunning
	if p.async[state.toolName] {
		status = models.MessageRequiresAction
	}
	msg := &models.SpaceMessage{
		ID:           p.newID(),
		SmartSpaceID: state.spaceID,
		EntityID:     p.agent.EntityID,
		Role:         models.RoleAssistant,
		Content:      fmt.Sprintf("Using %s", state.toolName),
		RunID:        p.runID,
		CreatedAt:    p.now().UTC(),
		Metadata: map[string]any{
			"toolCallId": part.CallID,
			"toolName":   state.toolName,
			"input":      json.RawMessage(part.Input),
			"status":     string(status),
		},
	}
	if err := p.spaces.AppendMessage(ctx, msg); err != nil {
		p.log.Error(ctx, "persist tool message", "tool", state.toolName, "error", err)
		return ""
	}
	if _, err := p.bus.PublishSpace(ctx, state.spaceID, models.BusSpaceMessage, msg); err != nil {
		p.log.Warn(ctx, "broadcast tool message", "tool", state.toolName, "error", err)
	}
	return msg.ID
}

// ToolResult finalizes one call after the worker executed it. send_message
// calls emit phase done; other visible calls emit tool.done (or tool.error)
// and flip their persisted message to complete. A result of
// {"status":"pending"} is an async placeholder and leaves the message at
// requires_action.
func (p *Processor) ToolResult(ctx context.Context, callID string, result json.RawMessage, isError bool) {
	state, ok := p.active[callID]
	if !ok {
		return
	}
	delete(p.active, callID)
	if !state.visible || state.toolName == SkipToolName {
		return
	}

	if state.sendMessage {
		if isError {
			p.publishFailed(ctx, state, string(result))
			return
		}
		text, _ := partialStringField(state.argsText.String(), "text")
		p.publishStreaming(ctx, state, models.PhaseDone, "", text)
		return
	}

	data := models.ToolLifecycleData{
		CallID:        callID,
		ToolName:      state.toolName,
		AgentEntityID: p.agent.EntityID,
		MessageID:     state.messageID,
		Result:        result,
	}
	if isError {
		data.Error = string(result)
		data.Result = nil
		p.publishTool(ctx, state.spaceID, models.BusToolError, data)
		return
	}
	p.publishTool(ctx, state.spaceID, models.BusToolDone, data)

	if isPendingResult(result) {
		return
	}
	p.completeToolMessage(ctx, state, result)
}

// completeToolMessage flips the persisted tool-call message to complete and
// re-broadcasts it.
func (p *Processor) completeToolMessage(ctx context.Context, state *callState, result json.RawMessage) {
	if state.messageID == "" || state.spaceID == "" {
		return
	}
	msg, err := p.spaces.GetMessage(ctx, state.spaceID, state.messageID)
	if err != nil {
		p.log.Error(ctx, "load tool message", "messageId", state.messageID, "error", err)
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata["status"] = string(models.MessageComplete)
	msg.Metadata["result"] = json.RawMessage(result)
	if err := p.spaces.UpdateMessage(ctx, msg); err != nil {
		p.log.Error(ctx, "update tool message", "messageId", state.messageID, "error", err)
		return
	}
	if _, err := p.bus.PublishSpace(ctx, state.spaceID, models.BusSpaceMessage, msg); err != nil {
		p.log.Warn(ctx, "broadcast tool message update", "messageId", state.messageID, "error", err)
	}
}

// failActive emits one error event per still-active call and clears state.
func (p *Processor) failActive(ctx context.Context, cause error) {
	reason := "stream error"
	if cause != nil {
		reason = cause.Error()
	}
	for callID, state := range p.active {
		if !state.visible || state.toolName == SkipToolName {
			continue
		}
		if state.sendMessage {
			p.publishFailed(ctx, state, reason)
			continue
		}
		p.publishTool(ctx, state.spaceID, models.BusToolError, models.ToolLifecycleData{
			CallID:        callID,
			ToolName:      state.toolName,
			AgentEntityID: p.agent.EntityID,
			MessageID:     state.messageID,
			Error:         reason,
		})
	}
	p.active = make(map[string]*callState)
}

func (p *Processor) publishStreaming(ctx context.Context, state *callState, phase models.StreamPhase, delta, content string) {
	if state.spaceID == "" {
		return
	}
	data := models.MessageStreamData{
		MessageID:     state.messageID,
		AgentEntityID: p.agent.EntityID,
		Phase:         phase,
		Delta:         delta,
		Content:       content,
	}
	if _, err := p.bus.PublishSpace(ctx, state.spaceID, models.BusSpaceMessageStream, data); err != nil {
		p.log.Warn(ctx, "publish streaming event", "phase", phase, "error", err)
	}
}

func (p *Processor) publishFailed(ctx context.Context, state *callState, reason string) {
	if state.spaceID == "" {
		return
	}
	data := models.MessageFailedData{
		MessageID:     state.messageID,
		AgentEntityID: p.agent.EntityID,
		Error:         reason,
	}
	if _, err := p.bus.PublishSpace(ctx, state.spaceID, models.BusSpaceMessageFailed, data); err != nil {
		p.log.Warn(ctx, "publish failed event", "error", err)
	}
}

// publishTool emits a tool lifecycle event on the space channel and mirrors it
// on the run channel.
func (p *Processor) publishTool(ctx context.Context, spaceID string, typ models.BusEventType, data models.ToolLifecycleData) {
	if spaceID != "" {
		if _, err := p.bus.PublishSpace(ctx, spaceID, typ, data); err != nil {
			p.log.Warn(ctx, "publish tool event", "type", typ, "error", err)
		}
	}
	if _, err := p.bus.PublishRun(ctx, p.runID, typ, data); err != nil {
		p.log.Warn(ctx, "publish run tool event", "type", typ, "error", err)
	}
}

// isPendingResult reports whether a tool result is the async placeholder.
func isPendingResult(result json.RawMessage) bool {
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return false
	}
	return payload.Status == "pending"
}

// partialStringField extracts a string field's value from possibly-incomplete
// JSON. The decoded prefix grows monotonically as input accumulates, so delta
// slicing by length is safe. Returns false when the field's opening quote has
// not arrived yet.
func partialStringField(s, field string) (string, bool) {
	idx := strings.Index(s, `"`+field+`"`)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimLeft(s[idx+len(field)+2:], " \t\r\n")
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	rest = strings.TrimLeft(rest[1:], " \t\r\n")
	if !strings.HasPrefix(rest, `"`) {
		return "", false
	}
	return decodePartialString(rest[1:]), true
}

// decodePartialString decodes a JSON string body up to its closing quote or
// the end of the buffer. An incomplete trailing escape is held back so the
// decoded prefix never changes retroactively.
func decodePartialString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		c := s[i]
		if c == '"' {
			break
		}
		if c != '\\' {
			b.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(s) {
			break
		}
		switch s[i+1] {
		case '"', '\\', '/':
			b.WriteByte(s[i+1])
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'u':
			if i+6 > len(s) {
				return b.String()
			}
			code, err := strconv.ParseUint(s[i+2:i+6], 16, 32)
			if err != nil {
				i += 2
				continue
			}
			b.WriteRune(rune(code))
			i += 6
			continue
		default:
			b.WriteByte(s[i+1])
		}
		i += 2
	}
	return b.String()
}
