package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hsafa/gateway/internal/broker"
	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

func newProcessorHarness(t *testing.T, spaceID string) (*Processor, *store.Set, broker.Broker) {
	t.Helper()
	set, _ := store.MemorySet()
	br := broker.NewMemory()
	if err := set.Spaces.CreateSpace(context.Background(), &models.Space{ID: "sp-1", Name: "general"}); err != nil {
		t.Fatalf("create space: %v", err)
	}
	a := &models.Agent{
		EntityID:     "agent-1",
		Name:         "Ava",
		VisibleTools: []string{"echo", "approve"},
		AsyncTools:   []string{"approve"},
	}
	log := observability.NewLogger(observability.LogConfig{})
	return NewProcessor(a, "run-1", spaceID, bus.New(br), set.Spaces, log), set, br
}

func feed(t *testing.T, p *Processor, parts ...*StreamPart) (*StepResult, error) {
	t.Helper()
	ch := make(chan *StreamPart, len(parts))
	for _, part := range parts {
		ch <- part
	}
	close(ch)
	return p.ProcessStep(context.Background(), ch)
}

func streamingEvents(t *testing.T, br broker.Broker) []models.MessageStreamData {
	t.Helper()
	var out []models.MessageStreamData
	for _, event := range busEvents(t, br, broker.SpaceStreamKey("sp-1")) {
		if event.Type != models.BusSpaceMessageStream {
			continue
		}
		var data models.MessageStreamData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			t.Fatalf("decode streaming event: %v", err)
		}
		out = append(out, data)
	}
	return out
}

func TestProcessStepCollectsTextAndCalls(t *testing.T) {
	p, _, br := newProcessorHarness(t, "sp-1")

	result, err := feed(t, p,
		textPart("thinking "),
		textPart("out loud"),
		toolCallPart("c1", "lookup", `{"q":"a"}`),
		toolCallPart("c2", "lookup", `{"q":"b"}`),
		finishPart("tool_use", 42, 7),
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Text != "thinking out loud" {
		t.Errorf("text: %q", result.Text)
	}
	if len(result.Calls) != 2 || result.Calls[0].ID != "c1" || result.Calls[1].ID != "c2" {
		t.Errorf("calls: %+v", result.Calls)
	}
	if result.FinishReason != "tool_use" || result.InputTokens != 42 || result.OutputTokens != 7 {
		t.Errorf("finish: %s %d/%d", result.FinishReason, result.InputTokens, result.OutputTokens)
	}

	// lookup is not a visible tool; nothing reaches the space.
	if events := busEvents(t, br, broker.SpaceStreamKey("sp-1")); len(events) != 0 {
		t.Errorf("invisible tool published %d events", len(events))
	}
	if p.InternalText() != "thinking out loud" {
		t.Errorf("internal text: %q", p.InternalText())
	}
}

func TestSendMessageStreamingPhases(t *testing.T) {
	p, _, br := newProcessorHarness(t, "sp-1")

	result, err := feed(t, p,
		inputStart("c1", "send_message"),
		inputDelta("c1", `{"smartSpaceId":"sp-1","text":"Wat`),
		inputDelta("c1", `ch this"`),
		inputDelta("c1", `}`),
		toolCallPart("c1", "send_message", `{"smartSpaceId":"sp-1","text":"Watch this"}`),
		finishPart("tool_use", 10, 5),
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(result.Calls) != 1 || result.Calls[0].MessageID == "" {
		t.Fatalf("call missing message id: %+v", result.Calls)
	}
	p.ToolResult(context.Background(), "c1", json.RawMessage(`{"delivered":true}`), false)

	events := streamingEvents(t, br)
	if len(events) < 3 {
		t.Fatalf("streaming events: %d", len(events))
	}
	if events[0].Phase != models.PhaseStart || events[0].MessageID != result.Calls[0].MessageID {
		t.Errorf("start event: %+v", events[0])
	}
	var text string
	for _, event := range events {
		if event.Phase == models.PhaseDelta {
			text += event.Delta
		}
	}
	if text != "Watch this" {
		t.Errorf("streamed text: %q", text)
	}
	last := events[len(events)-1]
	if last.Phase != models.PhaseDone || last.Content != "Watch this" {
		t.Errorf("done event: %+v", last)
	}
}

func TestSendMessageSpaceDiscoveredFromArgs(t *testing.T) {
	// No active space: the target is only known once smartSpaceId streams in.
	p, _, br := newProcessorHarness(t, "")

	if _, err := feed(t, p,
		inputStart("c1", "send_message"),
		inputDelta("c1", `{"smartSpace`),
		inputDelta("c1", `Id":"sp-1","text":"hi"}`),
		toolCallPart("c1", "send_message", `{"smartSpaceId":"sp-1","text":"hi"}`),
		finishPart("tool_use", 1, 1),
	); err != nil {
		t.Fatalf("process: %v", err)
	}

	events := streamingEvents(t, br)
	if len(events) == 0 {
		t.Fatal("no events on discovered space")
	}
	if events[0].Phase != models.PhaseStart {
		t.Errorf("first phase: %s", events[0].Phase)
	}
	var text string
	for _, event := range events {
		if event.Phase == models.PhaseDelta {
			text += event.Delta
		}
	}
	if text != "hi" {
		t.Errorf("streamed text: %q", text)
	}
}

func TestSendMessageFlushesTrailingTextOnToolCall(t *testing.T) {
	p, _, br := newProcessorHarness(t, "sp-1")

	// The deltas stop mid-word; the final call input carries the rest.
	if _, err := feed(t, p,
		inputStart("c1", "send_message"),
		inputDelta("c1", `{"smartSpaceId":"sp-1","text":"par`),
		toolCallPart("c1", "send_message", `{"smartSpaceId":"sp-1","text":"partial done"}`),
		finishPart("tool_use", 1, 1),
	); err != nil {
		t.Fatalf("process: %v", err)
	}

	var deltas []string
	for _, event := range streamingEvents(t, br) {
		if event.Phase == models.PhaseDelta {
			deltas = append(deltas, event.Delta)
		}
	}
	if strings.Join(deltas, "") != "partial done" {
		t.Errorf("deltas: %v", deltas)
	}
}

func TestVisibleToolLifecycle(t *testing.T) {
	p, set, br := newProcessorHarness(t, "sp-1")
	ctx := context.Background()

	result, err := feed(t, p,
		inputStart("c1", "echo"),
		inputDelta("c1", `{"q":`),
		inputDelta("c1", `"x"}`),
		toolCallPart("c1", "echo", `{"q":"x"}`),
		finishPart("tool_use", 1, 1),
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(result.Calls) != 1 || result.Calls[0].MessageID == "" {
		t.Fatalf("call not persisted: %+v", result.Calls)
	}

	msg, err := set.Spaces.GetMessage(ctx, "sp-1", result.Calls[0].MessageID)
	if err != nil {
		t.Fatalf("tool message: %v", err)
	}
	if msg.Metadata["status"] != string(models.MessageRunning) {
		t.Errorf("sync tool message status: %v", msg.Metadata["status"])
	}
	if msg.Metadata["toolName"] != "echo" {
		t.Errorf("tool message metadata: %v", msg.Metadata)
	}

	p.ToolResult(ctx, "c1", json.RawMessage(`{"ok":true}`), false)

	spaceLog := busEvents(t, br, broker.SpaceStreamKey("sp-1"))
	for _, want := range []models.BusEventType{
		models.BusToolStarted, models.BusToolStreaming, models.BusToolDone, models.BusSpaceMessage,
	} {
		if !hasEventType(spaceLog, want) {
			t.Errorf("space channel missing %s", want)
		}
	}
	runLog := busEvents(t, br, broker.RunStreamKey("run-1"))
	for _, want := range []models.BusEventType{
		models.BusToolStarted, models.BusToolStreaming, models.BusToolDone,
	} {
		if !hasEventType(runLog, want) {
			t.Errorf("run channel missing %s", want)
		}
	}

	msg, _ = set.Spaces.GetMessage(ctx, "sp-1", result.Calls[0].MessageID)
	if msg.Metadata["status"] != string(models.MessageComplete) {
		t.Errorf("message not completed: %v", msg.Metadata["status"])
	}
}

func TestPendingResultKeepsRequiresAction(t *testing.T) {
	p, set, br := newProcessorHarness(t, "sp-1")
	ctx := context.Background()

	result, err := feed(t, p,
		inputStart("c1", "approve"),
		toolCallPart("c1", "approve", `{"requestId":"r-1"}`),
		finishPart("tool_use", 1, 1),
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	msg, _ := set.Spaces.GetMessage(ctx, "sp-1", result.Calls[0].MessageID)
	if msg.Metadata["status"] != string(models.MessageRequiresAction) {
		t.Fatalf("async tool message status: %v", msg.Metadata["status"])
	}

	p.ToolResult(ctx, "c1", json.RawMessage(`{"status":"pending"}`), false)

	if !hasEventType(busEvents(t, br, broker.SpaceStreamKey("sp-1")), models.BusToolDone) {
		t.Error("tool.done not published for pending placeholder")
	}
	msg, _ = set.Spaces.GetMessage(ctx, "sp-1", result.Calls[0].MessageID)
	if msg.Metadata["status"] != string(models.MessageRequiresAction) {
		t.Errorf("pending placeholder completed the message: %v", msg.Metadata["status"])
	}
}

func TestToolErrorResult(t *testing.T) {
	p, set, br := newProcessorHarness(t, "sp-1")
	ctx := context.Background()

	result, err := feed(t, p,
		inputStart("c1", "echo"),
		toolCallPart("c1", "echo", `{}`),
		finishPart("tool_use", 1, 1),
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	p.ToolResult(ctx, "c1", json.RawMessage(`{"error":"nope"}`), true)

	var errEvent *models.ToolLifecycleData
	for _, event := range busEvents(t, br, broker.SpaceStreamKey("sp-1")) {
		if event.Type != models.BusToolError {
			continue
		}
		var data models.ToolLifecycleData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			t.Fatalf("decode tool.error: %v", err)
		}
		errEvent = &data
	}
	if errEvent == nil {
		t.Fatal("tool.error not published")
	}
	if errEvent.Error == "" || errEvent.CallID != "c1" {
		t.Errorf("tool.error payload: %+v", errEvent)
	}

	msg, _ := set.Spaces.GetMessage(ctx, "sp-1", result.Calls[0].MessageID)
	if msg.Metadata["status"] == string(models.MessageComplete) {
		t.Error("failed call completed its message")
	}
}

func TestStreamErrorFailsActiveCalls(t *testing.T) {
	p, _, br := newProcessorHarness(t, "sp-1")

	_, err := feed(t, p,
		inputStart("c1", "send_message"),
		inputDelta("c1", `{"smartSpaceId":"sp-1","text":"half a`),
		inputStart("c2", "echo"),
		errorPart(errors.New("connection reset")),
	)
	if err == nil {
		t.Fatal("stream error not surfaced")
	}

	spaceLog := busEvents(t, br, broker.SpaceStreamKey("sp-1"))
	var failed *models.MessageFailedData
	for _, event := range spaceLog {
		if event.Type != models.BusSpaceMessageFailed {
			continue
		}
		var data models.MessageFailedData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			t.Fatalf("decode failed event: %v", err)
		}
		failed = &data
	}
	if failed == nil {
		t.Fatal("space.message.failed not published")
	}
	if !strings.Contains(failed.Error, "connection reset") {
		t.Errorf("failed event error: %q", failed.Error)
	}
	if !hasEventType(spaceLog, models.BusToolError) {
		t.Error("active visible tool not failed")
	}
}

func TestSkipCallIsSilent(t *testing.T) {
	p, _, br := newProcessorHarness(t, "sp-1")

	result, err := feed(t, p,
		inputStart("c1", "skip"),
		inputDelta("c1", `{"reason":"quiet"}`),
		toolCallPart("c1", "skip", `{"reason":"quiet"}`),
		finishPart("tool_use", 1, 1),
	)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(result.Calls) != 1 || result.Calls[0].Name != SkipToolName {
		t.Fatalf("skip call not returned: %+v", result.Calls)
	}
	if events := busEvents(t, br, broker.SpaceStreamKey("sp-1")); len(events) != 0 {
		t.Errorf("skip published %d events", len(events))
	}
}

func TestPartialStringField(t *testing.T) {
	cases := []struct {
		name  string
		json  string
		field string
		want  string
		ok    bool
	}{
		{"complete", `{"text":"hello"}`, "text", "hello", true},
		{"unterminated", `{"text":"hel`, "text", "hel", true},
		{"field absent", `{"other":"x"}`, "text", "", false},
		{"value not started", `{"text":`, "text", "", false},
		{"spaced colon", `{"text" : "hi"}`, "text", "hi", true},
		{"escapes", `{"text":"a\"b\nc"}`, "text", "a\"b\nc", true},
		{"unicode escape", `{"text":"smile \u263A!"}`, "text", "smile ☺!", true},
		{"second field", `{"smartSpaceId":"sp-1","text":"body"}`, "text", "body", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := partialStringField(tc.json, tc.field)
			if ok != tc.ok || got != tc.want {
				t.Errorf("partialStringField(%q, %q) = %q, %v; want %q, %v",
					tc.json, tc.field, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestDecodePartialStringHoldsBackIncompleteEscape(t *testing.T) {
	if got := decodePartialString(`ab\`); got != "ab" {
		t.Errorf("dangling backslash: %q", got)
	}
	if got := decodePartialString(`ab\u26`); got != "ab" {
		t.Errorf("dangling unicode escape: %q", got)
	}
}

func TestDecodePartialStringMonotone(t *testing.T) {
	body := `Say \"hi\"\nand ☺ then stop`
	full := decodePartialString(body)

	prev := ""
	for i := 0; i <= len(body); i++ {
		got := decodePartialString(body[:i])
		if !strings.HasPrefix(got, prev) {
			t.Fatalf("decoded prefix shrank at %d: %q -> %q", i, prev, got)
		}
		if !strings.HasPrefix(full, got) {
			t.Fatalf("prefix at %d diverges from final: %q", i, got)
		}
		prev = got
	}
	if prev != full {
		t.Errorf("final prefix %q != full decode %q", prev, full)
	}
}
