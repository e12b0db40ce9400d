package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/hsafa/gateway/pkg/models"
)

// Memory holds the shared state behind the in-memory store set. Semantics
// mirror the Postgres implementation: idempotent inbox upserts, status-guarded
// transitions, per-space monotone seq. Used by unit tests and local
// development without Postgres.
type Memory struct {
	mu sync.Mutex

	agents        map[string]*models.Agent           // by id
	consciousness map[string]*models.Consciousness   // by entity id
	inbox         map[string]*models.InboxEvent      // by entity id + NUL + event id
	runs          map[string]*models.Run             // by id
	toolCalls     map[string]*models.PendingToolCall // by run id + NUL + call id
	plans         map[string]*models.Plan            // by id
	spaces        map[string]*models.Space           // by id
	messages      map[string][]*models.SpaceMessage  // by space id, append order
	members       map[string][]Member                // by space id
}

// NewMemory creates empty shared state.
func NewMemory() *Memory {
	return &Memory{
		agents:        make(map[string]*models.Agent),
		consciousness: make(map[string]*models.Consciousness),
		inbox:         make(map[string]*models.InboxEvent),
		runs:          make(map[string]*models.Run),
		toolCalls:     make(map[string]*models.PendingToolCall),
		plans:         make(map[string]*models.Plan),
		spaces:        make(map[string]*models.Space),
		messages:      make(map[string][]*models.SpaceMessage),
		members:       make(map[string][]Member),
	}
}

// MemorySet returns a Set backed by a fresh Memory.
func MemorySet() (*Set, *Memory) {
	m := NewMemory()
	return &Set{
		Agents:        memoryAgents{m},
		Consciousness: memoryConsciousness{m},
		InboxEvents:   memoryInbox{m},
		Runs:          memoryRuns{m},
		ToolCalls:     memoryToolCalls{m},
		Plans:         memoryPlans{m},
		Spaces:        memorySpaces{m},
		Membership:    memoryMembership{m},
	}, m
}

func inboxKey(entityID, eventID string) string { return entityID + "\x00" + eventID }
func callKey(runID, callID string) string      { return runID + "\x00" + callID }

// AddMember registers a member of a space. Test and seed helper; production
// membership is resolved by the policy oracle.
func (m *Memory) AddMember(spaceID string, member Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[spaceID] = append(m.members[spaceID], member)
}

type memoryAgents struct{ m *Memory }

func (s memoryAgents) Create(ctx context.Context, agent *models.Agent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	copied := *agent
	s.m.agents[agent.ID] = &copied
	return nil
}

func (s memoryAgents) Get(ctx context.Context, id string) (*models.Agent, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	agent, ok := s.m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (s memoryAgents) GetByEntityID(ctx context.Context, entityID string) (*models.Agent, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, agent := range s.m.agents {
		if agent.EntityID == entityID {
			copied := *agent
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s memoryAgents) List(ctx context.Context) ([]*models.Agent, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	out := make([]*models.Agent, 0, len(s.m.agents))
	for _, agent := range s.m.agents {
		copied := *agent
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryAgents) Delete(ctx context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.agents, id)
	return nil
}

type memoryConsciousness struct{ m *Memory }

func (s memoryConsciousness) Load(ctx context.Context, agentEntityID string) (*models.Consciousness, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c, ok := s.m.consciousness[agentEntityID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConsciousness(c), nil
}

func (s memoryConsciousness) Save(ctx context.Context, c *models.Consciousness) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.consciousness[c.AgentEntityID] = cloneConsciousness(c)
	return nil
}

func cloneConsciousness(c *models.Consciousness) *models.Consciousness {
	copied := *c
	copied.Messages = make([]models.ModelMessage, len(c.Messages))
	copy(copied.Messages, c.Messages)
	return &copied
}

type memoryInbox struct{ m *Memory }

func (s memoryInbox) Upsert(ctx context.Context, event *models.InboxEvent) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	key := inboxKey(event.AgentEntityID, event.EventID)
	if _, exists := s.m.inbox[key]; exists {
		return false, nil
	}
	copied := *event
	copied.Status = models.EventPending
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	copied.Data = cloneRaw(event.Data)
	s.m.inbox[key] = &copied
	return true, nil
}

func (s memoryInbox) Get(ctx context.Context, agentEntityID, eventID string) (*models.InboxEvent, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	event, ok := s.m.inbox[inboxKey(agentEntityID, eventID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (s memoryInbox) MarkProcessing(ctx context.Context, agentEntityID string, eventIDs []string, runID string) (int, error) {
	return s.transition(agentEntityID, eventIDs, models.EventPending, models.EventProcessing, runID, false)
}

func (s memoryInbox) MarkProcessed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	return s.transition(agentEntityID, eventIDs, models.EventProcessing, models.EventProcessed, "", true)
}

func (s memoryInbox) MarkFailed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	return s.transition(agentEntityID, eventIDs, models.EventProcessing, models.EventFailed, "", true)
}

func (s memoryInbox) ResetToPending(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	count := 0
	for _, id := range eventIDs {
		event, ok := s.m.inbox[inboxKey(agentEntityID, id)]
		if !ok || event.Status != models.EventProcessing {
			continue
		}
		event.Status = models.EventPending
		event.RunID = ""
		count++
	}
	return count, nil
}

func (s memoryInbox) transition(agentEntityID string, eventIDs []string, from, to models.EventStatus, runID string, stamp bool) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	count := 0
	now := time.Now()
	for _, id := range eventIDs {
		event, ok := s.m.inbox[inboxKey(agentEntityID, id)]
		if !ok || event.Status != from {
			continue
		}
		event.Status = to
		if runID != "" {
			event.RunID = runID
		}
		if stamp {
			event.ProcessedAt = now
		}
		count++
	}
	return count, nil
}

func (s memoryInbox) ListByStatus(ctx context.Context, agentEntityID string, status models.EventStatus) ([]*models.InboxEvent, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.InboxEvent
	for _, event := range s.m.inbox {
		if event.AgentEntityID == agentEntityID && event.Status == status {
			copied := *event
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memoryRuns struct{ m *Memory }

func (s memoryRuns) Create(ctx context.Context, run *models.Run) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	copied := *run
	s.m.runs[run.ID] = &copied
	return nil
}

func (s memoryRuns) Get(ctx context.Context, id string) (*models.Run, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	run, ok := s.m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s memoryRuns) Update(ctx context.Context, run *models.Run) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	copied := *run
	s.m.runs[run.ID] = &copied
	return nil
}

func (s memoryRuns) Delete(ctx context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.runs[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.runs, id)
	return nil
}

func (s memoryRuns) ListByAgent(ctx context.Context, agentEntityID string, limit int) ([]*models.Run, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Run
	for _, run := range s.m.runs {
		if run.AgentEntityID == agentEntityID {
			copied := *run
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryToolCalls struct{ m *Memory }

func (s memoryToolCalls) Create(ctx context.Context, call *models.PendingToolCall) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	copied := *call
	copied.Input = cloneRaw(call.Input)
	s.m.toolCalls[callKey(call.RunID, call.CallID)] = &copied
	return nil
}

func (s memoryToolCalls) Get(ctx context.Context, runID, callID string) (*models.PendingToolCall, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	call, ok := s.m.toolCalls[callKey(runID, callID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *call
	return &copied, nil
}

func (s memoryToolCalls) Complete(ctx context.Context, runID, callID string, output []byte) (*models.PendingToolCall, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	call, ok := s.m.toolCalls[callKey(runID, callID)]
	if !ok {
		return nil, ErrNotFound
	}
	if call.Status != models.ToolCallPending {
		return nil, ErrAlreadyCompleted
	}
	call.Status = models.ToolCallCompleted
	call.Output = cloneRaw(output)
	call.CompletedAt = time.Now()
	copied := *call
	return &copied, nil
}

type memoryPlans struct{ m *Memory }

func (s memoryPlans) Create(ctx context.Context, plan *models.Plan) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	copied := *plan
	s.m.plans[plan.ID] = &copied
	return nil
}

func (s memoryPlans) Get(ctx context.Context, id string) (*models.Plan, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	plan, ok := s.m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *plan
	return &copied, nil
}

func (s memoryPlans) Update(ctx context.Context, plan *models.Plan) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.plans[plan.ID]; !ok {
		return ErrNotFound
	}
	copied := *plan
	s.m.plans[plan.ID] = &copied
	return nil
}

func (s memoryPlans) Delete(ctx context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.plans[id]; !ok {
		return ErrNotFound
	}
	delete(s.m.plans, id)
	return nil
}

func (s memoryPlans) ListByStatus(ctx context.Context, status models.PlanStatus) ([]*models.Plan, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Plan
	for _, plan := range s.m.plans {
		if plan.Status == status {
			copied := *plan
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memorySpaces struct{ m *Memory }

func (s memorySpaces) CreateSpace(ctx context.Context, space *models.Space) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	copied := *space
	s.m.spaces[space.ID] = &copied
	return nil
}

func (s memorySpaces) GetSpace(ctx context.Context, id string) (*models.Space, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	space, ok := s.m.spaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *space
	return &copied, nil
}

func (s memorySpaces) AppendMessage(ctx context.Context, msg *models.SpaceMessage) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var maxSeq int64
	for _, existing := range s.m.messages[msg.SmartSpaceID] {
		if existing.Seq > maxSeq {
			maxSeq = existing.Seq
		}
	}
	msg.Seq = maxSeq + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	copied := *msg
	s.m.messages[msg.SmartSpaceID] = append(s.m.messages[msg.SmartSpaceID], &copied)
	return nil
}

func (s memorySpaces) UpdateMessage(ctx context.Context, msg *models.SpaceMessage) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for i, existing := range s.m.messages[msg.SmartSpaceID] {
		if existing.ID == msg.ID {
			copied := *msg
			copied.Seq = existing.Seq
			copied.CreatedAt = existing.CreatedAt
			s.m.messages[msg.SmartSpaceID][i] = &copied
			return nil
		}
	}
	return ErrNotFound
}

func (s memorySpaces) GetMessage(ctx context.Context, spaceID, messageID string) (*models.SpaceMessage, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, msg := range s.m.messages[spaceID] {
		if msg.ID == messageID {
			copied := *msg
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s memorySpaces) RecentMessages(ctx context.Context, spaceID string, n int) ([]*models.SpaceMessage, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	msgs := s.m.messages[spaceID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]*models.SpaceMessage, 0, len(msgs))
	for _, msg := range msgs {
		copied := *msg
		out = append(out, &copied)
	}
	return out, nil
}

type memoryMembership struct{ m *Memory }

func (s memoryMembership) SpacesFor(ctx context.Context, entityID string) ([]*models.Space, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.Space
	for spaceID, members := range s.m.members {
		for _, member := range members {
			if member.EntityID == entityID {
				if space, ok := s.m.spaces[spaceID]; ok {
					copied := *space
					out = append(out, &copied)
				}
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memoryMembership) MembersOf(ctx context.Context, spaceID string) ([]Member, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return append([]Member(nil), s.m.members[spaceID]...), nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
