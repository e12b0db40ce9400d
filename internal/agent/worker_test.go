package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hsafa/gateway/internal/broker"
	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/consciousness"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// scriptedProvider plays one prepared part sequence per Stream call. A call
// beyond the script returns an immediately closed channel, which the worker
// reads as a step with no output.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    [][]*StreamPart
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *StreamPart, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	var step []*StreamPart
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	}
	ch := make(chan *StreamPart, len(step))
	for _, part := range step {
		ch <- part
	}
	close(ch)
	return ch, nil
}

func textPart(text string) *StreamPart {
	return &StreamPart{Kind: PartTextDelta, Text: text}
}

func inputStart(callID, tool string) *StreamPart {
	return &StreamPart{Kind: PartToolInputStart, CallID: callID, ToolName: tool}
}

func inputDelta(callID, delta string) *StreamPart {
	return &StreamPart{Kind: PartToolInputDelta, CallID: callID, InputDelta: delta}
}

func toolCallPart(callID, tool, input string) *StreamPart {
	return &StreamPart{Kind: PartToolCall, CallID: callID, ToolName: tool, Input: json.RawMessage(input)}
}

func finishPart(reason string, in, out int) *StreamPart {
	return &StreamPart{Kind: PartFinish, FinishReason: reason, InputTokens: in, OutputTokens: out}
}

func errorPart(err error) *StreamPart {
	return &StreamPart{Kind: PartError, Err: err}
}

// busEvents reads every event appended to one broker stream.
func busEvents(t *testing.T, br broker.Broker, streamKey string) []models.BusEvent {
	t.Helper()
	entries, err := br.StreamReadSince(context.Background(), streamKey, "", 0)
	if err != nil {
		t.Fatalf("read stream %s: %v", streamKey, err)
	}
	out := make([]models.BusEvent, 0, len(entries))
	for _, entry := range entries {
		out = append(out, models.BusEvent{
			ID:   entry.ID,
			Type: models.BusEventType(entry.Fields["type"]),
			Data: json.RawMessage(entry.Fields["data"]),
		})
	}
	return out
}

func hasEventType(events []models.BusEvent, typ models.BusEventType) bool {
	for _, event := range events {
		if event.Type == typ {
			return true
		}
	}
	return false
}

type cycleEnv struct {
	set      *store.Set
	mem      *store.Memory
	br       broker.Broker
	bus      *bus.Bus
	ib       *inbox.Inbox
	agent    *models.Agent
	provider *scriptedProvider
	worker   *Worker
}

// newCycleEnv builds a worker over in-memory stores with one space ("sp-1",
// administered by agent-1) holding a human and two agents, and a registry with
// send_message, a synchronous visible echo tool, and an async approve tool.
func newCycleEnv(t *testing.T, steps ...[]*StreamPart) *cycleEnv {
	t.Helper()
	ctx := context.Background()

	set, mem := store.MemorySet()
	br := broker.NewMemory()
	log := observability.NewLogger(observability.LogConfig{})
	eventBus := bus.New(br)
	ib := inbox.New(set.InboxEvents, br, inbox.WithWaitTimeout(50*time.Millisecond))
	minds := consciousness.NewManager(set.Consciousness)

	a := &models.Agent{
		ID:           "a-1",
		EntityID:     "agent-1",
		Name:         "Ava",
		SystemSeed:   "You are Ava.",
		Tools:        []string{"send_message", "echo", "approve"},
		AsyncTools:   []string{"approve"},
		VisibleTools: []string{"echo", "approve"},
		MaxSteps:     4,
	}

	registry := NewRegistry()
	if err := registry.Register(SendMessageTool(set.Spaces, set.Membership, eventBus, ib)); err != nil {
		t.Fatalf("register send_message: %v", err)
	}
	if err := registry.Register(Tool{
		Name:        "echo",
		Description: "Echo the input back.",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, inv Invocation) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	if err := registry.Register(Tool{
		Name:        "approve",
		Description: "Ask a human for approval.",
		Schema:      json.RawMessage(`{"type":"object"}`),
	}); err != nil {
		t.Fatalf("register approve: %v", err)
	}

	if err := set.Spaces.CreateSpace(ctx, &models.Space{
		ID: "sp-1", Name: "general", AdminAgentEntityID: "agent-1",
	}); err != nil {
		t.Fatalf("create space: %v", err)
	}
	mem.AddMember("sp-1", store.Member{EntityID: "user-1", Name: "Sam", Type: models.SenderHuman})
	mem.AddMember("sp-1", store.Member{EntityID: "agent-1", Name: "Ava", Type: models.SenderAgent})
	mem.AddMember("sp-1", store.Member{EntityID: "agent-2", Name: "Bo", Type: models.SenderAgent})

	provider := &scriptedProvider{steps: steps}
	worker := NewWorker(WorkerConfig{
		Agent:         a,
		Stores:        set,
		Inbox:         ib,
		Consciousness: minds,
		Bus:           eventBus,
		Provider:      provider,
		Registry:      registry,
		Model:         "test-model",
		MaxTokens:     512,
	}, WithWorkerLogger(log))

	return &cycleEnv{
		set: set, mem: mem, br: br, bus: eventBus, ib: ib,
		agent: a, provider: provider, worker: worker,
	}
}

// triggerSpaceMessage pushes a human message stimulus and drains the batch the
// cycle will run over.
func (e *cycleEnv) triggerSpaceMessage(t *testing.T) []*models.InboxEvent {
	t.Helper()
	ctx := context.Background()
	if _, err := e.ib.PushSpaceMessage(ctx, "agent-1", models.SpaceMessageEventData{
		MessageID: "msg-human", SmartSpaceID: "sp-1", SpaceName: "general",
		SenderEntityID: "user-1", SenderName: "Sam", SenderType: models.SenderHuman,
		Content: "hello",
	}); err != nil {
		t.Fatalf("push trigger: %v", err)
	}
	return e.drain(t)
}

func (e *cycleEnv) triggerService(t *testing.T, name string) []*models.InboxEvent {
	t.Helper()
	if _, err := e.ib.PushService(context.Background(), "agent-1", models.ServiceEventData{ServiceName: name}); err != nil {
		t.Fatalf("push trigger: %v", err)
	}
	return e.drain(t)
}

func (e *cycleEnv) drain(t *testing.T) []*models.InboxEvent {
	t.Helper()
	events, err := e.ib.Drain(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events drained")
	}
	return events
}

func (e *cycleEnv) onlyRun(t *testing.T) *models.Run {
	t.Helper()
	runs, err := e.set.Runs.ListByAgent(context.Background(), "agent-1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("want 1 run, got %d", len(runs))
	}
	return runs[0]
}

func TestCycleCompletesAndPersists(t *testing.T) {
	env := newCycleEnv(t,
		[]*StreamPart{
			inputStart("c1", "send_message"),
			inputDelta("c1", `{"smartSpaceId":"sp-1",`),
			inputDelta("c1", `"text":"Hel`),
			inputDelta("c1", `lo there"}`),
			toolCallPart("c1", "send_message", `{"smartSpaceId":"sp-1","text":"Hello there"}`),
			finishPart("tool_use", 100, 20),
		},
		[]*StreamPart{textPart("done"), finishPart("end_turn", 50, 10)},
	)
	ctx := context.Background()
	events := env.triggerSpaceMessage(t)

	if err := env.worker.runCycle(ctx, events); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	run := env.onlyRun(t)
	if run.Status != models.RunCompleted {
		t.Errorf("run status: %s (%s)", run.Status, run.Error)
	}
	if run.StepCount != 2 {
		t.Errorf("step count: %d", run.StepCount)
	}
	if run.PromptTokens != 150 || run.CompletionTokens != 30 {
		t.Errorf("tokens: %d/%d", run.PromptTokens, run.CompletionTokens)
	}
	if run.CycleNumber != 1 {
		t.Errorf("cycle number: %d", run.CycleNumber)
	}
	if run.TriggerType != string(models.EventSpaceMessage) || run.TriggerSource != "sp-1" {
		t.Errorf("trigger: %s/%s", run.TriggerType, run.TriggerSource)
	}
	if run.CompletedAt.IsZero() {
		t.Error("run not stamped completed")
	}

	messages, _ := env.set.Spaces.RecentMessages(ctx, "sp-1", 10)
	if len(messages) != 1 {
		t.Fatalf("persisted messages: %d", len(messages))
	}
	if messages[0].Content != "Hello there" || messages[0].EntityID != "agent-1" {
		t.Errorf("persisted message: %q from %s", messages[0].Content, messages[0].EntityID)
	}
	if messages[0].RunID != run.ID {
		t.Errorf("message run id: %s", messages[0].RunID)
	}

	conscious, err := env.set.Consciousness.Load(ctx, "agent-1")
	if err != nil {
		t.Fatalf("consciousness not saved: %v", err)
	}
	if conscious.CycleCount != 1 {
		t.Errorf("cycle count: %d", conscious.CycleCount)
	}

	row, _ := env.set.InboxEvents.Get(ctx, "agent-1", events[0].EventID)
	if row.Status != models.EventProcessed {
		t.Errorf("inbox row status: %s", row.Status)
	}

	// The other agent member was fanned the message; the sender was not.
	if depth, _ := env.ib.Depth(ctx, "agent-2"); depth != 1 {
		t.Errorf("agent-2 queue depth: %d", depth)
	}
	if depth, _ := env.ib.Depth(ctx, "agent-1"); depth != 0 {
		t.Errorf("sender queue depth: %d", depth)
	}

	spaceLog := busEvents(t, env.br, broker.SpaceStreamKey("sp-1"))
	if len(spaceLog) == 0 {
		t.Fatal("no space events published")
	}
	if spaceLog[0].Type != models.BusAgentActive {
		t.Errorf("first event: %s", spaceLog[0].Type)
	}
	if spaceLog[len(spaceLog)-1].Type != models.BusAgentInactive {
		t.Errorf("last event: %s", spaceLog[len(spaceLog)-1].Type)
	}
	if !hasEventType(spaceLog, models.BusSpaceMessage) {
		t.Error("space.message not broadcast")
	}

	var phases []models.StreamPhase
	var deltas []string
	for _, event := range spaceLog {
		if event.Type != models.BusSpaceMessageStream {
			continue
		}
		var data models.MessageStreamData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			t.Fatalf("decode streaming event: %v", err)
		}
		phases = append(phases, data.Phase)
		if data.Phase == models.PhaseDelta {
			deltas = append(deltas, data.Delta)
		}
		if data.Phase == models.PhaseDone && data.Content != "Hello there" {
			t.Errorf("done content: %q", data.Content)
		}
	}
	wantPhases := []models.StreamPhase{models.PhaseStart, models.PhaseDelta, models.PhaseDelta, models.PhaseDone}
	if fmt.Sprint(phases) != fmt.Sprint(wantPhases) {
		t.Errorf("streaming phases: %v", phases)
	}
	if strings.Join(deltas, "") != "Hello there" {
		t.Errorf("streamed deltas: %q", strings.Join(deltas, ""))
	}
}

func TestCycleSkipRollsBack(t *testing.T) {
	env := newCycleEnv(t, []*StreamPart{
		inputStart("c1", "skip"),
		toolCallPart("c1", "skip", `{"reason":"nothing to do"}`),
		finishPart("tool_use", 10, 2),
	})
	ctx := context.Background()
	events := env.triggerSpaceMessage(t)

	if err := env.worker.runCycle(ctx, events); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	runs, _ := env.set.Runs.ListByAgent(ctx, "agent-1", 10)
	if len(runs) != 0 {
		t.Errorf("skipped run not deleted: %d runs", len(runs))
	}
	if _, err := env.set.Consciousness.Load(ctx, "agent-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("consciousness saved on skip: %v", err)
	}
	row, _ := env.set.InboxEvents.Get(ctx, "agent-1", events[0].EventID)
	if row.Status != models.EventProcessed {
		t.Errorf("inbox row status: %s", row.Status)
	}

	spaceLog := busEvents(t, env.br, broker.SpaceStreamKey("sp-1"))
	if !hasEventType(spaceLog, models.BusAgentActive) {
		t.Error("agent.active not published")
	}
	if hasEventType(spaceLog, models.BusAgentInactive) {
		t.Error("agent.inactive published on skip")
	}
}

func TestCycleFailureMarksEverythingFailed(t *testing.T) {
	env := newCycleEnv(t, []*StreamPart{errorPart(errors.New("upstream boom"))})
	ctx := context.Background()
	events := env.triggerSpaceMessage(t)

	err := env.worker.runCycle(ctx, events)
	if err == nil {
		t.Fatal("cycle succeeded on stream error")
	}
	if !strings.Contains(err.Error(), "upstream boom") {
		t.Errorf("error: %v", err)
	}

	run := env.onlyRun(t)
	if run.Status != models.RunFailed {
		t.Errorf("run status: %s", run.Status)
	}
	if run.Error == "" || run.CompletedAt.IsZero() {
		t.Error("failed run missing error or completion stamp")
	}

	row, _ := env.set.InboxEvents.Get(ctx, "agent-1", events[0].EventID)
	if row.Status != models.EventFailed {
		t.Errorf("inbox row status: %s", row.Status)
	}
	spaceLog := busEvents(t, env.br, broker.SpaceStreamKey("sp-1"))
	if !hasEventType(spaceLog, models.BusAgentInactive) {
		t.Error("agent.inactive not published after failure")
	}
}

func TestCycleAsyncToolRecordsPendingCall(t *testing.T) {
	env := newCycleEnv(t,
		[]*StreamPart{
			inputStart("c9", "approve"),
			inputDelta("c9", `{"requestId":"r-1"}`),
			toolCallPart("c9", "approve", `{"requestId":"r-1"}`),
			finishPart("tool_use", 10, 5),
		},
		[]*StreamPart{finishPart("end_turn", 5, 2)},
	)
	ctx := context.Background()
	events := env.triggerService(t, "billing")

	if err := env.worker.runCycle(ctx, events); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	run := env.onlyRun(t)

	call, err := env.set.ToolCalls.Get(ctx, run.ID, "c9")
	if err != nil {
		t.Fatalf("pending call not recorded: %v", err)
	}
	if call.Status != models.ToolCallPending {
		t.Errorf("call status: %s", call.Status)
	}
	// A service trigger streams to the administered space.
	if call.SmartSpaceID != "sp-1" {
		t.Errorf("call space: %q", call.SmartSpaceID)
	}
	if call.MessageID == "" {
		t.Fatal("call has no persisted message")
	}

	msg, err := env.set.Spaces.GetMessage(ctx, "sp-1", call.MessageID)
	if err != nil {
		t.Fatalf("tool message not persisted: %v", err)
	}
	if msg.Metadata["status"] != string(models.MessageRequiresAction) {
		t.Errorf("tool message status: %v", msg.Metadata["status"])
	}

	runLog := busEvents(t, env.br, broker.RunStreamKey(run.ID))
	if !hasEventType(runLog, models.BusToolStarted) || !hasEventType(runLog, models.BusToolDone) {
		t.Error("tool lifecycle not mirrored on run channel")
	}
}

func TestCyclePreviewInjectedMidCycle(t *testing.T) {
	env := newCycleEnv(t,
		[]*StreamPart{
			inputStart("c2", "echo"),
			toolCallPart("c2", "echo", `{}`),
			finishPart("tool_use", 10, 5),
		},
		[]*StreamPart{finishPart("end_turn", 5, 2)},
	)
	ctx := context.Background()
	events := env.triggerSpaceMessage(t)

	// Arrives while the cycle is running; it must be previewed, not consumed.
	if _, err := env.ib.PushService(ctx, "agent-1", models.ServiceEventData{ServiceName: "billing-sync"}); err != nil {
		t.Fatalf("push mid-cycle event: %v", err)
	}

	if err := env.worker.runCycle(ctx, events); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(env.provider.requests) != 2 {
		t.Fatalf("provider requests: %d", len(env.provider.requests))
	}
	var preview string
	for _, msg := range env.provider.requests[1].Messages {
		if msg.Role == "user" && strings.Contains(msg.Content, "While you were thinking") {
			preview = msg.Content
		}
	}
	if preview == "" {
		t.Fatal("no preview message in second step")
	}
	if !strings.Contains(preview, "billing-sync") {
		t.Errorf("preview missing queued event: %q", preview)
	}

	// The previewed event stays queued for the next cycle.
	if depth, _ := env.ib.Depth(ctx, "agent-1"); depth != 1 {
		t.Errorf("previewed event consumed: depth %d", depth)
	}
}

func TestCycleStopsAtStepCap(t *testing.T) {
	steps := make([][]*StreamPart, 6)
	for i := range steps {
		id := fmt.Sprintf("c-%d", i)
		steps[i] = []*StreamPart{
			inputStart(id, "echo"),
			toolCallPart(id, "echo", `{}`),
			finishPart("tool_use", 10, 5),
		}
	}
	env := newCycleEnv(t, steps...)
	ctx := context.Background()
	events := env.triggerSpaceMessage(t)

	if err := env.worker.runCycle(ctx, events); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	run := env.onlyRun(t)
	if run.StepCount != env.agent.MaxSteps {
		t.Errorf("step count: %d, want %d", run.StepCount, env.agent.MaxSteps)
	}
	if len(env.provider.requests) != env.agent.MaxSteps {
		t.Errorf("provider calls: %d", len(env.provider.requests))
	}
}

func TestSplitForProvider(t *testing.T) {
	system, out := splitForProvider([]models.ModelMessage{
		{Role: models.RoleSystem, Content: "seed"},
		{Role: models.RoleUser, Content: "inbox"},
		{Role: models.RoleSystem, Content: "older cycles", Summary: true},
		{Role: models.RoleAssistant, Content: "thinking", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "echo", Input: json.RawMessage(`{}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: json.RawMessage(`{"ok":true}`)},
		}},
	})
	if system != "seed" {
		t.Errorf("system: %q", system)
	}
	if len(out) != 4 {
		t.Fatalf("messages: %d", len(out))
	}
	if out[1].Role != "user" || !strings.Contains(out[1].Content, "[Memory summary]") {
		t.Errorf("summary not folded to user turn: %+v", out[1])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Name != "echo" {
		t.Errorf("assistant tool calls: %+v", out[2])
	}
	if len(out[3].ToolResults) != 1 || out[3].ToolResults[0].Content != `{"ok":true}` {
		t.Errorf("tool results: %+v", out[3])
	}
}

func TestTriggerOf(t *testing.T) {
	planData, _ := json.Marshal(models.PlanEventData{PlanID: "plan-7"})
	typ, source := triggerOf(&models.InboxEvent{
		EventID: "plan-7:123", Type: models.EventPlan, Data: planData,
	})
	if typ != string(models.EventPlan) || source != "plan-7" {
		t.Errorf("plan trigger: %s/%s", typ, source)
	}

	typ, source = triggerOf(&models.InboxEvent{
		EventID: "ev-1", Type: models.EventService, Data: json.RawMessage(`{"serviceName":"cron"}`),
	})
	if typ != string(models.EventService) || source != "cron" {
		t.Errorf("service trigger: %s/%s", typ, source)
	}
}
