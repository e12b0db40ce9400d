package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// SkipToolName is the no-action marker tool. It is always offered alongside
// the agent's configured tools and is never executed: a cycle that calls it
// rolls back instead.
const SkipToolName = "skip"

// Invocation is the call context handed to a tool's Execute.
type Invocation struct {
	Agent  *models.Agent
	RunID  string
	CallID string
	Input  json.RawMessage

	// MessageID is the pre-assigned space message id for tools whose output
	// streamed to a space during generation.
	MessageID string
}

// ExecuteFunc runs a tool call and returns its result JSON.
type ExecuteFunc func(ctx context.Context, inv Invocation) (json.RawMessage, error)

// Tool is one registered capability. A nil Execute marks a tool that is
// declared to the model but handled by the worker itself.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Execute     ExecuteFunc
}

// Registry holds the tools agents can be configured with. Registration
// compiles each tool's schema once; lookups are concurrency-safe.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates a registry pre-loaded with the skip tool.
func NewRegistry() *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
	// Registering the builtin cannot fail: the schema is a literal.
	_ = r.Register(Tool{
		Name:        SkipToolName,
		Description: "Take no action this cycle. Call this when the inbox needs no response.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}},"additionalProperties":false}`),
	})
	return r
}

// Register adds a tool. Duplicate names and invalid schemas are rejected.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	compiled, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.Schema))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("register tool: %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	r.compiled[tool.Name] = compiled
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns the model-facing definitions for the named tools plus
// the skip tool, sorted by name. Unknown names are silently dropped so a stale
// agent config cannot break cycles.
func (r *Registry) Definitions(names []string) []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	want := map[string]struct{}{SkipToolName: {}}
	for _, name := range names {
		want[name] = struct{}{}
	}
	defs := make([]ToolDefinition, 0, len(want))
	for name := range want {
		tool, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Schema:      tool.Schema,
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ValidateInput checks a call's arguments against the tool's schema.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	r.mu.RLock()
	compiled, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool %s", name)
	}
	var decoded any
	if len(input) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("tool %s input is not JSON: %w", name, err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("tool %s input invalid: %w", name, err)
	}
	return nil
}

// Planner is the scheduling surface the plan tools call into.
type Planner interface {
	// CreatePlan persists and enqueues the plan.
	CreatePlan(ctx context.Context, plan *models.Plan) error

	// CancelPlan cancels a pending plan owned by the entity.
	CancelPlan(ctx context.Context, agentEntityID, planID string) error
}

// recentContextWindow is how many prior messages ride along on a fanned-out
// space-message event.
const recentContextWindow = 5

type sendMessageInput struct {
	SmartSpaceID string `json:"smartSpaceId"`
	Text         string `json:"text"`
}

// SendMessageTool posts a message to a space the agent belongs to, broadcasts
// it, and fans inbox events out to the other agent members. Generation-time
// streaming of the text field is handled by the stream processor; Execute runs
// at call completion and is the durable path.
func SendMessageTool(spaces store.SpaceStore, membership store.MembershipOracle, b *bus.Bus, ib *inbox.Inbox) Tool {
	return Tool{
		Name:        "send_message",
		Description: "Send a message to a smart space you are a member of.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"smartSpaceId": {"type": "string", "minLength": 1},
				"text": {"type": "string", "minLength": 1}
			},
			"required": ["smartSpaceId", "text"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, inv Invocation) (json.RawMessage, error) {
			var input sendMessageInput
			if err := json.Unmarshal(inv.Input, &input); err != nil {
				return nil, fmt.Errorf("decode send_message input: %w", err)
			}
			space, err := spaces.GetSpace(ctx, input.SmartSpaceID)
			if err != nil {
				return nil, fmt.Errorf("load space %s: %w", input.SmartSpaceID, err)
			}
			if err := requireMember(ctx, membership, space.ID, inv.Agent.EntityID); err != nil {
				return nil, err
			}

			recent, err := spaces.RecentMessages(ctx, space.ID, recentContextWindow)
			if err != nil {
				return nil, fmt.Errorf("load recent messages: %w", err)
			}

			messageID := inv.MessageID
			if messageID == "" {
				messageID = uuid.NewString()
			}
			msg := &models.SpaceMessage{
				ID:           messageID,
				SmartSpaceID: space.ID,
				EntityID:     inv.Agent.EntityID,
				Role:         models.RoleAssistant,
				Content:      input.Text,
				RunID:        inv.RunID,
				CreatedAt:    time.Now().UTC(),
			}
			if err := spaces.AppendMessage(ctx, msg); err != nil {
				return nil, fmt.Errorf("append message: %w", err)
			}
			if _, err := b.PublishSpace(ctx, space.ID, models.BusSpaceMessage, msg); err != nil {
				return nil, fmt.Errorf("broadcast message: %w", err)
			}

			if err := fanOutToAgents(ctx, membership, ib, space, msg, inv.Agent, recent); err != nil {
				return nil, err
			}
			return json.RawMessage(fmt.Sprintf(`{"delivered":true,"messageId":%q}`, msg.ID)), nil
		},
	}
}

func requireMember(ctx context.Context, membership store.MembershipOracle, spaceID, entityID string) error {
	members, err := membership.MembersOf(ctx, spaceID)
	if err != nil {
		return fmt.Errorf("load members of %s: %w", spaceID, err)
	}
	for _, member := range members {
		if member.EntityID == entityID {
			return nil
		}
	}
	return fmt.Errorf("entity %s is not a member of space %s", entityID, spaceID)
}

// fanOutToAgents pushes a space-message inbox event to every agent member of
// the space except the sender.
func fanOutToAgents(ctx context.Context, membership store.MembershipOracle, ib *inbox.Inbox, space *models.Space, msg *models.SpaceMessage, sender *models.Agent, recent []*models.SpaceMessage) error {
	members, err := membership.MembersOf(ctx, space.ID)
	if err != nil {
		return fmt.Errorf("load members of %s: %w", space.ID, err)
	}

	data := models.SpaceMessageEventData{
		MessageID:      msg.ID,
		SmartSpaceID:   space.ID,
		SpaceName:      space.Name,
		SenderEntityID: sender.EntityID,
		SenderName:     sender.Name,
		SenderType:     models.SenderAgent,
		Content:        msg.Content,
		RecentContext:  buildRecentContext(recent, members),
	}
	for _, member := range members {
		if member.Type != models.SenderAgent || member.EntityID == sender.EntityID {
			continue
		}
		if _, err := ib.PushSpaceMessage(ctx, member.EntityID, data); err != nil {
			return fmt.Errorf("push to %s: %w", member.EntityID, err)
		}
	}
	return nil
}

// buildRecentContext renders the last persisted messages as event context,
// resolving sender names through the membership list.
func buildRecentContext(recent []*models.SpaceMessage, members []store.Member) []models.ContextMessage {
	byEntity := make(map[string]store.Member, len(members))
	for _, member := range members {
		byEntity[member.EntityID] = member
	}
	out := make([]models.ContextMessage, 0, len(recent))
	for _, msg := range recent {
		entry := models.ContextMessage{
			SenderName: msg.EntityID,
			SenderType: models.SenderHuman,
			Content:    msg.Content,
		}
		if member, ok := byEntity[msg.EntityID]; ok {
			entry.SenderName = member.Name
			entry.SenderType = member.Type
		}
		out = append(out, entry)
	}
	return out
}

type createPlanInput struct {
	Name            string `json:"name"`
	Instruction     string `json:"instruction"`
	RunAfterSeconds int    `json:"runAfterSeconds,omitempty"`
	ScheduledAt     string `json:"scheduledAt,omitempty"`
	Cron            string `json:"cron,omitempty"`
}

// CreatePlanTool schedules a future or recurring stimulus for the calling
// agent. Exactly one of runAfterSeconds, scheduledAt, or cron must be set.
func CreatePlanTool(planner Planner) Tool {
	return Tool{
		Name:        "create_plan",
		Description: "Schedule a reminder for yourself: a delay, a point in time, or a cron expression.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"instruction": {"type": "string", "minLength": 1},
				"runAfterSeconds": {"type": "integer", "minimum": 1},
				"scheduledAt": {"type": "string", "format": "date-time"},
				"cron": {"type": "string", "minLength": 1}
			},
			"required": ["name", "instruction"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, inv Invocation) (json.RawMessage, error) {
			var input createPlanInput
			if err := json.Unmarshal(inv.Input, &input); err != nil {
				return nil, fmt.Errorf("decode create_plan input: %w", err)
			}

			set := 0
			plan := &models.Plan{
				ID:            uuid.NewString(),
				AgentEntityID: inv.Agent.EntityID,
				Name:          input.Name,
				Instruction:   input.Instruction,
				Status:        models.PlanPending,
				CreatedAt:     time.Now().UTC(),
			}
			if input.RunAfterSeconds > 0 {
				plan.RunAfter = time.Duration(input.RunAfterSeconds) * time.Second
				set++
			}
			if input.ScheduledAt != "" {
				at, err := time.Parse(time.RFC3339, input.ScheduledAt)
				if err != nil {
					return nil, fmt.Errorf("parse scheduledAt: %w", err)
				}
				plan.ScheduledAt = &at
				set++
			}
			if input.Cron != "" {
				plan.Cron = input.Cron
				plan.IsRecurring = true
				set++
			}
			if set != 1 {
				return nil, fmt.Errorf("exactly one of runAfterSeconds, scheduledAt, or cron must be set")
			}

			if err := planner.CreatePlan(ctx, plan); err != nil {
				return nil, fmt.Errorf("create plan: %w", err)
			}
			return json.RawMessage(fmt.Sprintf(`{"planId":%q}`, plan.ID)), nil
		},
	}
}

type cancelPlanInput struct {
	PlanID string `json:"planId"`
}

// CancelPlanTool cancels one of the calling agent's pending plans.
func CancelPlanTool(planner Planner) Tool {
	return Tool{
		Name:        "cancel_plan",
		Description: "Cancel a plan you previously created.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"planId": {"type": "string", "minLength": 1}
			},
			"required": ["planId"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, inv Invocation) (json.RawMessage, error) {
			var input cancelPlanInput
			if err := json.Unmarshal(inv.Input, &input); err != nil {
				return nil, fmt.Errorf("decode cancel_plan input: %w", err)
			}
			if err := planner.CancelPlan(ctx, inv.Agent.EntityID, input.PlanID); err != nil {
				return nil, fmt.Errorf("cancel plan %s: %w", input.PlanID, err)
			}
			return json.RawMessage(`{"canceled":true}`), nil
		},
	}
}
