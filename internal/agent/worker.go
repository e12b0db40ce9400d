package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/consciousness"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

const (
	defaultMaxSteps     = 8
	defaultFailureDelay = 5 * time.Second

	// previewCount is how many queued events the mid-cycle peek surfaces.
	previewCount = 5
)

// WorkerConfig wires one worker's dependencies.
type WorkerConfig struct {
	Agent         *models.Agent
	Stores        *store.Set
	Inbox         *inbox.Inbox
	Consciousness *consciousness.Manager
	Bus           *bus.Bus
	Provider      LLMProvider
	Registry      *Registry

	// Model and MaxTokens are passed through to the provider.
	Model     string
	MaxTokens int
}

// Worker runs the infinite think-cycle loop for one agent: sleep on the inbox,
// wake, drain, think, settle, sleep again. Exactly one worker per agent runs
// at a time; the supervisor enforces that.
type Worker struct {
	cfg WorkerConfig

	log          *observability.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	now          func() time.Time
	newID        func() string
	failureDelay time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(log *observability.Logger) WorkerOption {
	return func(w *Worker) { w.log = log.WithComponent("worker") }
}

// WithWorkerMetrics sets the metrics sink.
func WithWorkerMetrics(m *observability.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerTracer sets the tracer; cycles are traced as agent.cycle spans.
func WithWorkerTracer(t *observability.Tracer) WorkerOption {
	return func(w *Worker) { w.tracer = t }
}

// WithWorkerNow overrides the clock for tests.
func WithWorkerNow(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithFailureDelay overrides the pause after a failed cycle.
func WithFailureDelay(d time.Duration) WorkerOption {
	return func(w *Worker) { w.failureDelay = d }
}

// NewWorker creates a worker for one agent.
func NewWorker(cfg WorkerConfig, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:          cfg,
		log:          observability.NewLogger(observability.LogConfig{}).WithComponent("worker"),
		now:          time.Now,
		newID:        uuid.NewString,
		failureDelay: defaultFailureDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes the cycle loop until the context is canceled. It returns the
// context error on cancellation and never otherwise.
func (w *Worker) Run(ctx context.Context) error {
	entityID := w.cfg.Agent.EntityID
	ctx = observability.WithAgentEntityID(ctx, entityID)
	w.log.Info(ctx, "worker started", "agent", w.cfg.Agent.Name)

	for {
		head, err := w.cfg.Inbox.Wait(ctx, entityID)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info(ctx, "worker stopped")
				return ctx.Err()
			}
			w.log.Warn(ctx, "inbox wait failed", "error", err)
			if !w.sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		// Fold the popped head back so the drain sees the full FIFO batch.
		if err := w.cfg.Inbox.Requeue(ctx, entityID, head); err != nil {
			w.log.Error(ctx, "requeue head failed", "eventId", head.EventID, "error", err)
		}
		events, err := w.cfg.Inbox.Drain(ctx, entityID)
		if err != nil {
			w.log.Error(ctx, "drain failed", "error", err)
			continue
		}
		if len(events) == 0 {
			// Spurious wake: the popped event was already claimed elsewhere.
			continue
		}

		if err := w.runCycle(ctx, events); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error(ctx, "cycle failed", "error", err)
			if !w.sleep(ctx, w.failureDelay) {
				return ctx.Err()
			}
		}
	}
}

// runCycle executes one think cycle over a drained batch. On skip the cycle is
// rolled back as if it never happened: consciousness unsaved, the run deleted,
// the events marked processed without redelivery.
func (w *Worker) runCycle(ctx context.Context, events []*models.InboxEvent) (err error) {
	agent := w.cfg.Agent
	started := w.now()

	ctx, span := w.tracer.Start(ctx, "agent.cycle",
		attribute.String("agent.entity_id", agent.EntityID),
		attribute.Int("inbox.events", len(events)))
	defer func() {
		observability.RecordError(span, err)
		span.End()
	}()

	conscious, err := w.cfg.Consciousness.Load(ctx, agent)
	if err != nil {
		return err
	}
	cycle := conscious.CycleCount + 1

	run := &models.Run{
		ID:              w.newID(),
		AgentEntityID:   agent.EntityID,
		AgentID:         agent.ID,
		Status:          models.RunRunning,
		CycleNumber:     cycle,
		InboxEventCount: len(events),
		CreatedAt:       started.UTC(),
	}
	run.TriggerType, run.TriggerSource = triggerOf(events[0])
	if err := w.cfg.Stores.Runs.Create(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	ctx = observability.WithRunID(ctx, run.ID)

	eventIDs := make([]string, len(events))
	for i, event := range events {
		eventIDs[i] = event.EventID
	}
	if _, err := w.cfg.Inbox.MarkProcessing(ctx, agent.EntityID, eventIDs, run.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	spaces, err := w.cfg.Stores.Membership.SpacesFor(ctx, agent.EntityID)
	if err != nil {
		return w.failCycle(ctx, run, eventIDs, nil, fmt.Errorf("resolve spaces: %w", err))
	}
	w.publishStatus(ctx, spaces, models.BusAgentActive, run.ID)

	consciousness.RefreshSystemPrompt(conscious, w.buildSystemPrompt(spaces))
	conscious.Messages = append(conscious.Messages, models.ModelMessage{
		Role:    models.RoleUser,
		Content: inbox.FormatEvents(events, w.now()),
		Cycle:   cycle,
	})

	outcome, err := w.think(ctx, run, conscious, cycle)
	if err != nil {
		return w.failCycle(ctx, run, eventIDs, spaces, err)
	}

	if outcome.skipped {
		if err := w.cfg.Stores.Runs.Delete(ctx, run.ID); err != nil {
			w.log.Error(ctx, "delete skipped run", "error", err)
		}
		if _, err := w.cfg.Inbox.MarkProcessed(ctx, agent.EntityID, eventIDs); err != nil {
			w.log.Error(ctx, "mark processed after skip", "error", err)
		}
		w.countCycle(agent.ID, "skipped", started)
		w.log.Info(ctx, "cycle skipped", "cycle", cycle, "events", len(events))
		return nil
	}

	conscious.CycleCount = cycle
	consciousness.Compact(agent, conscious)
	if err := w.cfg.Consciousness.Save(ctx, conscious); err != nil {
		return w.failCycle(ctx, run, eventIDs, spaces, err)
	}

	if _, err := w.cfg.Inbox.MarkProcessed(ctx, agent.EntityID, eventIDs); err != nil {
		return w.failCycle(ctx, run, eventIDs, spaces, fmt.Errorf("mark processed: %w", err))
	}

	run.Status = models.RunCompleted
	run.CompletedAt = w.now().UTC()
	run.DurationMs = w.now().Sub(started).Milliseconds()
	if err := w.cfg.Stores.Runs.Update(ctx, run); err != nil {
		w.log.Error(ctx, "update run", "error", err)
	}

	w.publishStatus(ctx, spaces, models.BusAgentInactive, run.ID)
	w.countCycle(agent.ID, "completed", started)
	w.log.Info(ctx, "cycle completed", "cycle", cycle, "steps", run.StepCount,
		"events", len(events), "durationMs", run.DurationMs)
	return nil
}

type cycleOutcome struct {
	skipped bool
}

// think drives the step loop: stream a step, execute its tool calls, feed the
// results back, stop when the model stops calling tools or the step cap hits.
func (w *Worker) think(ctx context.Context, run *models.Run, conscious *models.Consciousness, cycle int) (*cycleOutcome, error) {
	agent := w.cfg.Agent
	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	activeSpace := w.activeSpace(ctx, run)
	processor := NewProcessor(agent, run.ID, activeSpace, w.cfg.Bus, w.cfg.Stores.Spaces, w.log)
	tools := w.cfg.Registry.Definitions(agent.Tools)

	for step := 1; step <= maxSteps; step++ {
		if step > 1 {
			w.injectPreview(ctx, conscious, cycle)
		}

		system, messages := splitForProvider(conscious.Messages)
		stepStart := w.now()
		parts, err := w.cfg.Provider.Stream(ctx, &CompletionRequest{
			Model:     w.cfg.Model,
			System:    system,
			Messages:  messages,
			Tools:     tools,
			MaxTokens: w.cfg.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("llm stream start: %w", err)
		}

		result, err := processor.ProcessStep(ctx, parts)
		if w.metrics != nil {
			w.metrics.LLMRequestDuration.WithLabelValues(w.cfg.Model).
				Observe(w.now().Sub(stepStart).Seconds())
			w.metrics.LLMTokensUsed.WithLabelValues(w.cfg.Model, "prompt").Add(float64(result.InputTokens))
			w.metrics.LLMTokensUsed.WithLabelValues(w.cfg.Model, "completion").Add(float64(result.OutputTokens))
		}
		run.StepCount = step
		run.PromptTokens += result.InputTokens
		run.CompletionTokens += result.OutputTokens
		if err != nil {
			return nil, err
		}

		conscious.Messages = append(conscious.Messages, assistantMessage(result, cycle))

		if len(result.Calls) == 0 {
			break
		}
		for _, call := range result.Calls {
			if call.Name == SkipToolName {
				return &cycleOutcome{skipped: true}, nil
			}
		}

		toolMsg := models.ModelMessage{Role: models.RoleTool, Cycle: cycle}
		for _, call := range result.Calls {
			output, isError := w.executeCall(ctx, run, call)
			processor.ToolResult(ctx, call.ID, output, isError)
			toolMsg.ToolResults = append(toolMsg.ToolResults, models.ToolResult{
				ToolCallID: call.ID,
				Content:    output,
				IsError:    isError,
			})
		}
		conscious.Messages = append(conscious.Messages, toolMsg)
	}

	w.log.Debug(ctx, "cycle text", "text", processor.InternalText())
	return &cycleOutcome{}, nil
}

// executeCall validates and runs one tool call. Async tools are not executed:
// a pending row is recorded and the placeholder result is returned; the
// authoritative result arrives later as a tool_result inbox event.
func (w *Worker) executeCall(ctx context.Context, run *models.Run, call ProcessedCall) (json.RawMessage, bool) {
	agent := w.cfg.Agent

	if err := w.cfg.Registry.ValidateInput(call.Name, call.Input); err != nil {
		return errorResult(err), true
	}
	tool, ok := w.cfg.Registry.Get(call.Name)
	if !ok {
		return errorResult(fmt.Errorf("unknown tool %s", call.Name)), true
	}

	if isAsync(agent, call.Name) {
		pending := &models.PendingToolCall{
			RunID:        run.ID,
			CallID:       call.ID,
			ToolName:     call.Name,
			Input:        call.Input,
			Status:       models.ToolCallPending,
			SmartSpaceID: call.SpaceID,
			MessageID:    call.MessageID,
			RequestedAt:  w.now().UTC(),
		}
		if err := w.cfg.Stores.ToolCalls.Create(ctx, pending); err != nil {
			return errorResult(fmt.Errorf("record pending call: %w", err)), true
		}
		return json.RawMessage(`{"status":"pending"}`), false
	}

	if tool.Execute == nil {
		return errorResult(fmt.Errorf("tool %s is not executable", call.Name)), true
	}
	output, err := tool.Execute(ctx, Invocation{
		Agent:     agent,
		RunID:     run.ID,
		CallID:    call.ID,
		Input:     call.Input,
		MessageID: call.MessageID,
	})
	if err != nil {
		w.log.Warn(ctx, "tool failed", "tool", call.Name, "error", err)
		return errorResult(err), true
	}
	return output, false
}

// failCycle terminalizes a failed cycle: events failed, run failed, inactive
// emitted. The caller pauses before the next wait.
func (w *Worker) failCycle(ctx context.Context, run *models.Run, eventIDs []string, spaces []*models.Space, cause error) error {
	if _, err := w.cfg.Inbox.MarkFailed(ctx, w.cfg.Agent.EntityID, eventIDs); err != nil {
		w.log.Error(ctx, "mark failed", "error", err)
	}
	run.Status = models.RunFailed
	run.Error = cause.Error()
	run.CompletedAt = w.now().UTC()
	if err := w.cfg.Stores.Runs.Update(ctx, run); err != nil {
		w.log.Error(ctx, "update failed run", "error", err)
	}
	w.publishStatus(ctx, spaces, models.BusAgentInactive, run.ID)
	w.countCycle(w.cfg.Agent.ID, "failed", w.now())
	return cause
}

// injectPreview appends a short user message listing events queued since the
// cycle began. Non-destructive: the events stay queued for the next cycle.
func (w *Worker) injectPreview(ctx context.Context, conscious *models.Consciousness, cycle int) {
	queued, err := w.cfg.Inbox.Peek(ctx, w.cfg.Agent.EntityID, previewCount)
	if err != nil {
		w.log.Warn(ctx, "peek failed", "error", err)
		return
	}
	preview := inbox.FormatPreview(queued)
	if preview == "" {
		return
	}
	conscious.Messages = append(conscious.Messages, models.ModelMessage{
		Role:    models.RoleUser,
		Content: preview,
		Cycle:   cycle,
	})
}

// activeSpace picks the space streaming targets: the run's trigger space when
// the trigger was a space message, else the space this agent administers, else
// the first membership.
func (w *Worker) activeSpace(ctx context.Context, run *models.Run) string {
	if run.TriggerType == string(models.EventSpaceMessage) && run.TriggerSource != "" {
		return run.TriggerSource
	}
	spaces, err := w.cfg.Stores.Membership.SpacesFor(ctx, w.cfg.Agent.EntityID)
	if err != nil || len(spaces) == 0 {
		return ""
	}
	for _, space := range spaces {
		if space.AdminAgentEntityID == w.cfg.Agent.EntityID {
			return space.ID
		}
	}
	return spaces[0].ID
}

func (w *Worker) publishStatus(ctx context.Context, spaces []*models.Space, typ models.BusEventType, runID string) {
	data := models.AgentStatusData{
		AgentEntityID: w.cfg.Agent.EntityID,
		AgentName:     w.cfg.Agent.Name,
		RunID:         runID,
	}
	for _, space := range spaces {
		if _, err := w.cfg.Bus.PublishSpace(ctx, space.ID, typ, data); err != nil {
			w.log.Warn(ctx, "publish agent status", "type", typ, "space", space.ID, "error", err)
		}
	}
}

// buildSystemPrompt fills the prompt template from the agent's identity, its
// space memberships, and async-tool guidance.
func (w *Worker) buildSystemPrompt(spaces []*models.Space) string {
	agent := w.cfg.Agent
	var b strings.Builder
	b.WriteString(agent.SystemSeed)

	if len(spaces) > 0 {
		b.WriteString("\n\nYou are a member of these smart spaces:")
		for _, space := range spaces {
			fmt.Fprintf(&b, "\n- %s (id: %s)", space.Name, space.ID)
		}
	}
	if len(agent.AsyncTools) > 0 {
		fmt.Fprintf(&b, "\n\nThe following tools are asynchronous: %s. They return {\"status\":\"pending\"} immediately; the real result arrives in a later inbox event.",
			strings.Join(agent.AsyncTools, ", "))
	}
	b.WriteString("\nIf the inbox needs no response, call the skip tool.")
	return b.String()
}

func (w *Worker) countCycle(agentID, outcome string, started time.Time) {
	if w.metrics == nil {
		return
	}
	w.metrics.CycleCounter.WithLabelValues(agentID, outcome).Inc()
	w.metrics.CycleDuration.WithLabelValues(agentID).Observe(w.now().Sub(started).Seconds())
}

// sleep pauses unless the context ends first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isAsync(agent *models.Agent, name string) bool {
	for _, async := range agent.AsyncTools {
		if async == name {
			return true
		}
	}
	return false
}

// triggerOf derives the run's trigger description from the first drained
// event.
func triggerOf(event *models.InboxEvent) (string, string) {
	source := event.EventID
	switch event.Type {
	case models.EventSpaceMessage:
		var data models.SpaceMessageEventData
		if json.Unmarshal(event.Data, &data) == nil {
			source = data.SmartSpaceID
		}
	case models.EventPlan:
		var data models.PlanEventData
		if json.Unmarshal(event.Data, &data) == nil {
			source = data.PlanID
		}
	case models.EventService:
		var data models.ServiceEventData
		if json.Unmarshal(event.Data, &data) == nil {
			source = data.ServiceName
		}
	case models.EventToolResult:
		var data models.ToolResultEventData
		if json.Unmarshal(event.Data, &data) == nil {
			source = data.ToolCallID
		}
	}
	return string(event.Type), source
}

// assistantMessage converts one step's output into a consciousness entry.
func assistantMessage(result *StepResult, cycle int) models.ModelMessage {
	msg := models.ModelMessage{
		Role:    models.RoleAssistant,
		Content: result.Text,
		Cycle:   cycle,
	}
	for _, call := range result.Calls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		})
	}
	return msg
}

// errorResult wraps a tool failure as a result payload the model can read.
func errorResult(err error) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return payload
}

// splitForProvider converts consciousness messages to the provider shape. The
// head system prompt becomes the request's system string; summary messages
// travel as user turns since providers reject mid-conversation system roles.
func splitForProvider(messages []models.ModelMessage) (string, []Message) {
	var system string
	out := make([]Message, 0, len(messages))
	for i, msg := range messages {
		switch {
		case msg.Role == models.RoleSystem && i == 0 && !msg.Summary:
			system = msg.Content
		case msg.Role == models.RoleSystem:
			out = append(out, Message{Role: "user", Content: "[Memory summary] " + msg.Content})
		case msg.Role == models.RoleUser:
			out = append(out, Message{Role: "user", Content: msg.Content})
		case msg.Role == models.RoleAssistant:
			converted := Message{Role: "assistant", Content: msg.Content}
			for _, call := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, ToolCall{
					ID: call.ID, Name: call.Name, Input: call.Input,
				})
			}
			out = append(out, converted)
		case msg.Role == models.RoleTool:
			converted := Message{Role: "tool"}
			for _, result := range msg.ToolResults {
				converted.ToolResults = append(converted.ToolResults, ToolResult{
					ToolCallID: result.ToolCallID,
					Content:    string(result.Content),
					IsError:    result.IsError,
				})
			}
			out = append(out, converted)
		}
	}
	return system, out
}
