package inbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hsafa/gateway/pkg/models"
)

// previewLimit bounds one line of the mid-cycle preview.
const previewLimit = 50

// FormatEvents renders drained events as the user-turn text of a think cycle.
// An empty batch renders as the empty string, which the prompt builder elides.
func FormatEvents(events []*models.InboxEvent, now time.Time) string {
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INBOX (%d events, %s):\n", len(events), now.UTC().Format(time.RFC3339))
	for _, event := range events {
		b.WriteString(describeEvent(event))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeEvent(event *models.InboxEvent) string {
	switch event.Type {
	case models.EventSpaceMessage:
		var data models.SpaceMessageEventData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			break
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[Message from %s (%s) in %s] %s",
			data.SenderName, data.SenderType, data.SpaceName, data.Content)
		if len(data.RecentContext) > 0 {
			b.WriteString("\n  Recent conversation:")
			for _, ctx := range data.RecentContext {
				fmt.Fprintf(&b, "\n    %s (%s): %s", ctx.SenderName, ctx.SenderType, ctx.Content)
			}
		}
		return b.String()

	case models.EventPlan:
		var data models.PlanEventData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			break
		}
		return fmt.Sprintf("[Plan: %s] %s", data.PlanName, data.Instruction)

	case models.EventToolResult:
		var data models.ToolResultEventData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			break
		}
		return fmt.Sprintf("[Tool Result: %s] (callId: %s) %s",
			data.ToolName, data.ToolCallID, string(data.Result))

	case models.EventService:
		var data models.ServiceEventData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			break
		}
		return fmt.Sprintf("[Service: %s] %s", data.ServiceName, string(data.Payload))
	}
	return fmt.Sprintf("[%s] %s", event.Type, event.EventID)
}

// FormatPreview renders peeked wire events as a short list injected at a step
// boundary mid-cycle, one truncated line per event.
func FormatPreview(events []models.WireEvent) string {
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "While you were thinking, %d more event(s) arrived:\n", len(events))
	for _, event := range events {
		fmt.Fprintf(&b, "- [%s] %s\n", event.Type, truncate(previewLine(event), previewLimit))
	}
	return strings.TrimRight(b.String(), "\n")
}

func previewLine(event models.WireEvent) string {
	switch event.Type {
	case models.EventSpaceMessage:
		var data models.SpaceMessageEventData
		if json.Unmarshal(event.Data, &data) == nil {
			return data.SenderName + ": " + data.Content
		}
	case models.EventPlan:
		var data models.PlanEventData
		if json.Unmarshal(event.Data, &data) == nil {
			return data.PlanName
		}
	case models.EventToolResult:
		var data models.ToolResultEventData
		if json.Unmarshal(event.Data, &data) == nil {
			return data.ToolName
		}
	case models.EventService:
		var data models.ServiceEventData
		if json.Unmarshal(event.Data, &data) == nil {
			return data.ServiceName
		}
	}
	return event.EventID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
