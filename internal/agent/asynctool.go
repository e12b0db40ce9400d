package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// AsyncToolManager resolves pending tool calls with externally submitted
// results. The pending row is created by the worker when the tool runs; this
// is the other half of the handshake.
type AsyncToolManager struct {
	stores *store.Set
	inbox  *inbox.Inbox
	bus    *bus.Bus
	log    *observability.Logger
}

// NewAsyncToolManager creates the manager.
func NewAsyncToolManager(stores *store.Set, ib *inbox.Inbox, b *bus.Bus, log *observability.Logger) *AsyncToolManager {
	return &AsyncToolManager{
		stores: stores,
		inbox:  ib,
		bus:    b,
		log:    log.WithComponent("asynctool"),
	}
}

// SubmitToolResult completes a pending call with its authoritative result.
// The completion is status-guarded: a second submission returns
// store.ErrAlreadyCompleted. The persisted tool-call message, if any, flips to
// complete and is re-broadcast, and a tool_result inbox event wakes the agent
// to incorporate the result. The inbox event id is derived from the call id,
// so retries after a partial failure stay idempotent.
func (m *AsyncToolManager) SubmitToolResult(ctx context.Context, runID, callID string, result json.RawMessage) error {
	call, err := m.stores.ToolCalls.Complete(ctx, runID, callID, result)
	if err != nil {
		return fmt.Errorf("complete call %s: %w", callID, err)
	}

	run, err := m.stores.Runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	if call.MessageID != "" && call.SmartSpaceID != "" {
		m.completeMessage(ctx, call, result)
	}

	if _, err := m.inbox.PushToolResult(ctx, run.AgentEntityID, models.ToolResultEventData{
		ToolCallID: callID,
		ToolName:   call.ToolName,
		Result:     result,
	}); err != nil {
		return fmt.Errorf("push tool result: %w", err)
	}
	m.log.Info(ctx, "tool result submitted", "runId", runID, "callId", callID, "tool", call.ToolName)
	return nil
}

// completeMessage flips the call's persisted space message to complete and
// re-broadcasts it. Failures here are logged, not returned: the durable call
// row is already completed and the inbox push must still happen.
func (m *AsyncToolManager) completeMessage(ctx context.Context, call *models.PendingToolCall, result json.RawMessage) {
	msg, err := m.stores.Spaces.GetMessage(ctx, call.SmartSpaceID, call.MessageID)
	if err != nil {
		m.log.Error(ctx, "load tool message", "messageId", call.MessageID, "error", err)
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata["status"] = string(models.MessageComplete)
	msg.Metadata["result"] = json.RawMessage(result)
	if err := m.stores.Spaces.UpdateMessage(ctx, msg); err != nil {
		m.log.Error(ctx, "update tool message", "messageId", call.MessageID, "error", err)
		return
	}
	if _, err := m.bus.PublishSpace(ctx, call.SmartSpaceID, models.BusSpaceMessage, msg); err != nil {
		m.log.Warn(ctx, "broadcast tool message update", "messageId", call.MessageID, "error", err)
	}
}
