package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hsafa/gateway/pkg/models"
)

// schema is applied on startup. Statements are idempotent so repeated boots
// against the same database are safe.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	entity_id       TEXT NOT NULL UNIQUE,
	name            TEXT NOT NULL,
	system_seed     TEXT NOT NULL,
	tools           TEXT[] NOT NULL DEFAULT '{}',
	async_tools     TEXT[] NOT NULL DEFAULT '{}',
	visible_tools   TEXT[] NOT NULL DEFAULT '{}',
	soft_cap_tokens INT NOT NULL,
	hard_cap_tokens INT NOT NULL,
	max_steps       INT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS consciousness (
	agent_entity_id TEXT PRIMARY KEY,
	messages        JSONB NOT NULL DEFAULT '[]',
	cycle_count     INT NOT NULL DEFAULT 0,
	token_estimate  INT NOT NULL DEFAULT 0,
	last_cycle_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS inbox_events (
	agent_entity_id TEXT NOT NULL,
	event_id        TEXT NOT NULL,
	type            TEXT NOT NULL,
	data            JSONB NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	run_id          TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at    TIMESTAMPTZ,
	PRIMARY KEY (agent_entity_id, event_id)
);
CREATE INDEX IF NOT EXISTS inbox_events_status_idx
	ON inbox_events (agent_entity_id, status, created_at);

CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	agent_entity_id   TEXT NOT NULL,
	agent_id          TEXT NOT NULL,
	status            TEXT NOT NULL,
	cycle_number      INT NOT NULL DEFAULT 0,
	inbox_event_count INT NOT NULL DEFAULT 0,
	step_count        INT NOT NULL DEFAULT 0,
	prompt_tokens     INT NOT NULL DEFAULT 0,
	completion_tokens INT NOT NULL DEFAULT 0,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	trigger_type      TEXT NOT NULL DEFAULT '',
	trigger_source    TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_agent_idx ON runs (agent_entity_id, created_at DESC);

CREATE TABLE IF NOT EXISTS pending_tool_calls (
	run_id         TEXT NOT NULL,
	call_id        TEXT NOT NULL,
	tool_name      TEXT NOT NULL,
	input          JSONB,
	status         TEXT NOT NULL DEFAULT 'pending',
	output         JSONB,
	smart_space_id TEXT NOT NULL DEFAULT '',
	message_id     TEXT NOT NULL DEFAULT '',
	requested_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at   TIMESTAMPTZ,
	PRIMARY KEY (run_id, call_id)
);

CREATE TABLE IF NOT EXISTS plans (
	id              TEXT PRIMARY KEY,
	agent_entity_id TEXT NOT NULL,
	name            TEXT NOT NULL,
	instruction     TEXT NOT NULL,
	run_after_ms    BIGINT NOT NULL DEFAULT 0,
	scheduled_at    TIMESTAMPTZ,
	cron            TEXT NOT NULL DEFAULT '',
	next_run_at     TIMESTAMPTZ,
	last_run_at     TIMESTAMPTZ,
	status          TEXT NOT NULL DEFAULT 'pending',
	is_recurring    BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS plans_status_idx ON plans (status);

CREATE TABLE IF NOT EXISTS spaces (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	admin_agent_entity_id TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS space_members (
	space_id    TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	member_type TEXT NOT NULL DEFAULT 'human',
	PRIMARY KEY (space_id, entity_id)
);
CREATE INDEX IF NOT EXISTS space_members_entity_idx ON space_members (entity_id);

CREATE TABLE IF NOT EXISTS space_messages (
	id             TEXT PRIMARY KEY,
	smart_space_id TEXT NOT NULL,
	entity_id      TEXT NOT NULL,
	role           TEXT NOT NULL,
	content        TEXT NOT NULL DEFAULT '',
	seq            BIGINT NOT NULL,
	metadata       JSONB,
	run_id         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (smart_space_id, seq)
);
CREATE INDEX IF NOT EXISTS space_messages_space_idx
	ON space_messages (smart_space_id, seq);
`

// PostgresSet opens a Postgres-backed store set and applies the schema.
func PostgresSet(ctx context.Context, dsn string) (*Set, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Set{
		Agents:        pgAgents{db},
		Consciousness: pgConsciousness{db},
		InboxEvents:   pgInbox{db},
		Runs:          pgRuns{db},
		ToolCalls:     pgToolCalls{db},
		Plans:         pgPlans{db},
		Spaces:        pgSpaces{db},
		Membership:    pgMembership{db},
		closer:        db.Close,
	}, nil
}

type pgAgents struct{ db *sql.DB }

func (s pgAgents) Create(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, entity_id, name, system_seed, tools, async_tools,
			visible_tools, soft_cap_tokens, hard_cap_tokens, max_steps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.EntityID, agent.Name, agent.SystemSeed,
		pq.Array(agent.Tools), pq.Array(agent.AsyncTools), pq.Array(agent.VisibleTools),
		agent.SoftCapTokens, agent.HardCapTokens, agent.MaxSteps, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func (s pgAgents) Get(ctx context.Context, id string) (*models.Agent, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, s.selectStmt()+` WHERE id = $1`, id))
}

func (s pgAgents) GetByEntityID(ctx context.Context, entityID string) (*models.Agent, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, s.selectStmt()+` WHERE entity_id = $1`, entityID))
}

func (s pgAgents) selectStmt() string {
	return `SELECT id, entity_id, name, system_seed, tools, async_tools,
		visible_tools, soft_cap_tokens, hard_cap_tokens, max_steps, created_at
		FROM agents`
}

func (s pgAgents) scanOne(row *sql.Row) (*models.Agent, error) {
	var agent models.Agent
	err := row.Scan(&agent.ID, &agent.EntityID, &agent.Name, &agent.SystemSeed,
		pq.Array(&agent.Tools), pq.Array(&agent.AsyncTools), pq.Array(&agent.VisibleTools),
		&agent.SoftCapTokens, &agent.HardCapTokens, &agent.MaxSteps, &agent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &agent, nil
}

func (s pgAgents) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.selectStmt()+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		var agent models.Agent
		if err := rows.Scan(&agent.ID, &agent.EntityID, &agent.Name, &agent.SystemSeed,
			pq.Array(&agent.Tools), pq.Array(&agent.AsyncTools), pq.Array(&agent.VisibleTools),
			&agent.SoftCapTokens, &agent.HardCapTokens, &agent.MaxSteps, &agent.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, &agent)
	}
	return out, rows.Err()
}

func (s pgAgents) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type pgConsciousness struct{ db *sql.DB }

func (s pgConsciousness) Load(ctx context.Context, agentEntityID string) (*models.Consciousness, error) {
	var (
		c      models.Consciousness
		raw    []byte
		lastAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_entity_id, messages, cycle_count, token_estimate, last_cycle_at
		FROM consciousness WHERE agent_entity_id = $1`, agentEntityID).
		Scan(&c.AgentEntityID, &raw, &c.CycleCount, &c.TokenEstimate, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load consciousness: %w", err)
	}
	if err := json.Unmarshal(raw, &c.Messages); err != nil {
		return nil, fmt.Errorf("decode consciousness messages: %w", err)
	}
	if lastAt.Valid {
		c.LastCycleAt = lastAt.Time
	}
	return &c, nil
}

func (s pgConsciousness) Save(ctx context.Context, c *models.Consciousness) error {
	raw, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("encode consciousness messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consciousness (agent_entity_id, messages, cycle_count, token_estimate, last_cycle_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_entity_id) DO UPDATE SET
			messages = EXCLUDED.messages,
			cycle_count = EXCLUDED.cycle_count,
			token_estimate = EXCLUDED.token_estimate,
			last_cycle_at = EXCLUDED.last_cycle_at`,
		c.AgentEntityID, raw, c.CycleCount, c.TokenEstimate, nullTime(c.LastCycleAt))
	if err != nil {
		return fmt.Errorf("save consciousness: %w", err)
	}
	return nil
}

type pgInbox struct{ db *sql.DB }

func (s pgInbox) Upsert(ctx context.Context, event *models.InboxEvent) (bool, error) {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_events (agent_entity_id, event_id, type, data, status, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5)
		ON CONFLICT (agent_entity_id, event_id) DO NOTHING`,
		event.AgentEntityID, event.EventID, event.Type, rawOrEmptyObject(event.Data), createdAt)
	if err != nil {
		return false, fmt.Errorf("upsert inbox event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s pgInbox) Get(ctx context.Context, agentEntityID, eventID string) (*models.InboxEvent, error) {
	var (
		event       models.InboxEvent
		runID       sql.NullString
		processedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_entity_id, event_id, type, data, status, run_id, created_at, processed_at
		FROM inbox_events WHERE agent_entity_id = $1 AND event_id = $2`,
		agentEntityID, eventID).
		Scan(&event.AgentEntityID, &event.EventID, &event.Type, (*[]byte)(&event.Data),
			&event.Status, &runID, &event.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox event: %w", err)
	}
	event.RunID = runID.String
	if processedAt.Valid {
		event.ProcessedAt = processedAt.Time
	}
	return &event, nil
}

func (s pgInbox) MarkProcessing(ctx context.Context, agentEntityID string, eventIDs []string, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_events SET status = 'processing', run_id = $3
		WHERE agent_entity_id = $1 AND event_id = ANY($2) AND status = 'pending'`,
		agentEntityID, pq.Array(eventIDs), runID)
	if err != nil {
		return 0, fmt.Errorf("mark processing: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s pgInbox) MarkProcessed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	return s.finish(ctx, agentEntityID, eventIDs, models.EventProcessed)
}

func (s pgInbox) MarkFailed(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	return s.finish(ctx, agentEntityID, eventIDs, models.EventFailed)
}

func (s pgInbox) finish(ctx context.Context, agentEntityID string, eventIDs []string, to models.EventStatus) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_events SET status = $3, processed_at = now()
		WHERE agent_entity_id = $1 AND event_id = ANY($2) AND status = 'processing'`,
		agentEntityID, pq.Array(eventIDs), to)
	if err != nil {
		return 0, fmt.Errorf("mark %s: %w", to, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s pgInbox) ResetToPending(ctx context.Context, agentEntityID string, eventIDs []string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_events SET status = 'pending', run_id = NULL
		WHERE agent_entity_id = $1 AND event_id = ANY($2) AND status = 'processing'`,
		agentEntityID, pq.Array(eventIDs))
	if err != nil {
		return 0, fmt.Errorf("reset to pending: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s pgInbox) ListByStatus(ctx context.Context, agentEntityID string, status models.EventStatus) ([]*models.InboxEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_entity_id, event_id, type, data, status, run_id, created_at, processed_at
		FROM inbox_events
		WHERE agent_entity_id = $1 AND status = $2
		ORDER BY created_at`, agentEntityID, status)
	if err != nil {
		return nil, fmt.Errorf("list inbox events: %w", err)
	}
	defer rows.Close()

	var out []*models.InboxEvent
	for rows.Next() {
		var (
			event       models.InboxEvent
			runID       sql.NullString
			processedAt sql.NullTime
		)
		if err := rows.Scan(&event.AgentEntityID, &event.EventID, &event.Type,
			(*[]byte)(&event.Data), &event.Status, &runID, &event.CreatedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan inbox event: %w", err)
		}
		event.RunID = runID.String
		if processedAt.Valid {
			event.ProcessedAt = processedAt.Time
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}

type pgRuns struct{ db *sql.DB }

func (s pgRuns) Create(ctx context.Context, run *models.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, agent_entity_id, agent_id, status, cycle_number,
			inbox_event_count, step_count, prompt_tokens, completion_tokens,
			duration_ms, trigger_type, trigger_source, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		run.ID, run.AgentEntityID, run.AgentID, run.Status, run.CycleNumber,
		run.InboxEventCount, run.StepCount, run.PromptTokens, run.CompletionTokens,
		run.DurationMs, run.TriggerType, run.TriggerSource, run.Error,
		run.CreatedAt, nullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s pgRuns) Get(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_entity_id, agent_id, status, cycle_number,
			inbox_event_count, step_count, prompt_tokens, completion_tokens,
			duration_ms, trigger_type, trigger_source, error, created_at, completed_at
		FROM runs WHERE id = $1`, id)
	run, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func scanRun(scan func(dest ...any) error) (*models.Run, error) {
	var (
		run         models.Run
		completedAt sql.NullTime
	)
	err := scan(&run.ID, &run.AgentEntityID, &run.AgentID, &run.Status, &run.CycleNumber,
		&run.InboxEventCount, &run.StepCount, &run.PromptTokens, &run.CompletionTokens,
		&run.DurationMs, &run.TriggerType, &run.TriggerSource, &run.Error,
		&run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	return &run, nil
}

func (s pgRuns) Update(ctx context.Context, run *models.Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, cycle_number = $3, inbox_event_count = $4,
			step_count = $5, prompt_tokens = $6, completion_tokens = $7,
			duration_ms = $8, error = $9, completed_at = $10
		WHERE id = $1`,
		run.ID, run.Status, run.CycleNumber, run.InboxEventCount, run.StepCount,
		run.PromptTokens, run.CompletionTokens, run.DurationMs, run.Error,
		nullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgRuns) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgRuns) ListByAgent(ctx context.Context, agentEntityID string, limit int) ([]*models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_entity_id, agent_id, status, cycle_number,
			inbox_event_count, step_count, prompt_tokens, completion_tokens,
			duration_ms, trigger_type, trigger_source, error, created_at, completed_at
		FROM runs WHERE agent_entity_id = $1
		ORDER BY created_at DESC LIMIT $2`, agentEntityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

type pgToolCalls struct{ db *sql.DB }

func (s pgToolCalls) Create(ctx context.Context, call *models.PendingToolCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_tool_calls (run_id, call_id, tool_name, input, status, smart_space_id, message_id, requested_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)`,
		call.RunID, call.CallID, call.ToolName, rawOrNil(call.Input),
		call.SmartSpaceID, call.MessageID, call.RequestedAt)
	if err != nil {
		return fmt.Errorf("insert pending tool call: %w", err)
	}
	return nil
}

func (s pgToolCalls) Get(ctx context.Context, runID, callID string) (*models.PendingToolCall, error) {
	var (
		call        models.PendingToolCall
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, call_id, tool_name, input, status, output, smart_space_id, message_id, requested_at, completed_at
		FROM pending_tool_calls WHERE run_id = $1 AND call_id = $2`, runID, callID).
		Scan(&call.RunID, &call.CallID, &call.ToolName, (*[]byte)(&call.Input),
			&call.Status, (*[]byte)(&call.Output), &call.SmartSpaceID, &call.MessageID,
			&call.RequestedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending tool call: %w", err)
	}
	if completedAt.Valid {
		call.CompletedAt = completedAt.Time
	}
	return &call, nil
}

// Complete is status-guarded so a second result submission for the same call
// is rejected rather than overwriting the first.
func (s pgToolCalls) Complete(ctx context.Context, runID, callID string, output []byte) (*models.PendingToolCall, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_tool_calls
		SET status = 'completed', output = $3, completed_at = now()
		WHERE run_id = $1 AND call_id = $2 AND status = 'pending'`,
		runID, callID, rawOrNil(output))
	if err != nil {
		return nil, fmt.Errorf("complete tool call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, runID, callID); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyCompleted
	}
	return s.Get(ctx, runID, callID)
}

type pgPlans struct{ db *sql.DB }

func (s pgPlans) Create(ctx context.Context, plan *models.Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, agent_entity_id, name, instruction, run_after_ms,
			scheduled_at, cron, next_run_at, last_run_at, status, is_recurring,
			created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		plan.ID, plan.AgentEntityID, plan.Name, plan.Instruction,
		plan.RunAfter.Milliseconds(), plan.ScheduledAt, plan.Cron,
		plan.NextRunAt, plan.LastRunAt, plan.Status, plan.IsRecurring,
		plan.CreatedAt, nullTime(plan.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (s pgPlans) Get(ctx context.Context, id string) (*models.Plan, error) {
	row := s.db.QueryRowContext(ctx, s.selectStmt()+` WHERE id = $1`, id)
	plan, err := scanPlan(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return plan, err
}

func (s pgPlans) selectStmt() string {
	return `SELECT id, agent_entity_id, name, instruction, run_after_ms,
		scheduled_at, cron, next_run_at, last_run_at, status, is_recurring,
		created_at, completed_at FROM plans`
}

func scanPlan(scan func(dest ...any) error) (*models.Plan, error) {
	var (
		plan        models.Plan
		runAfterMs  int64
		completedAt sql.NullTime
	)
	err := scan(&plan.ID, &plan.AgentEntityID, &plan.Name, &plan.Instruction,
		&runAfterMs, &plan.ScheduledAt, &plan.Cron, &plan.NextRunAt,
		&plan.LastRunAt, &plan.Status, &plan.IsRecurring,
		&plan.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	plan.RunAfter = time.Duration(runAfterMs) * time.Millisecond
	if completedAt.Valid {
		plan.CompletedAt = completedAt.Time
	}
	return &plan, nil
}

func (s pgPlans) Update(ctx context.Context, plan *models.Plan) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plans SET name = $2, instruction = $3, run_after_ms = $4,
			scheduled_at = $5, cron = $6, next_run_at = $7, last_run_at = $8,
			status = $9, is_recurring = $10, completed_at = $11
		WHERE id = $1`,
		plan.ID, plan.Name, plan.Instruction, plan.RunAfter.Milliseconds(),
		plan.ScheduledAt, plan.Cron, plan.NextRunAt, plan.LastRunAt,
		plan.Status, plan.IsRecurring, nullTime(plan.CompletedAt))
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgPlans) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgPlans) ListByStatus(ctx context.Context, status models.PlanStatus) ([]*models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, s.selectStmt()+` WHERE status = $1 ORDER BY id`, status)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

type pgSpaces struct{ db *sql.DB }

func (s pgSpaces) CreateSpace(ctx context.Context, space *models.Space) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, name, admin_agent_entity_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		space.ID, space.Name, space.AdminAgentEntityID, space.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert space: %w", err)
	}
	return nil
}

func (s pgSpaces) GetSpace(ctx context.Context, id string) (*models.Space, error) {
	var space models.Space
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, admin_agent_entity_id, created_at FROM spaces WHERE id = $1`, id).
		Scan(&space.ID, &space.Name, &space.AdminAgentEntityID, &space.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get space: %w", err)
	}
	return &space, nil
}

// AppendMessage locks the space row so concurrent appends within one space
// serialize and seq stays gapless-increasing.
func (s pgSpaces) AppendMessage(ctx context.Context, msg *models.SpaceMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists string
	err = tx.QueryRowContext(ctx, `SELECT id FROM spaces WHERE id = $1 FOR UPDATE`,
		msg.SmartSpaceID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock space: %w", err)
	}

	var maxSeq int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM space_messages WHERE smart_space_id = $1`,
		msg.SmartSpaceID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	msg.Seq = maxSeq + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO space_messages (id, smart_space_id, entity_id, role, content,
			seq, metadata, run_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.SmartSpaceID, msg.EntityID, msg.Role, msg.Content,
		msg.Seq, metadata, msg.RunID, msg.CreatedAt); err != nil {
		return fmt.Errorf("insert space message: %w", err)
	}
	return tx.Commit()
}

func (s pgSpaces) UpdateMessage(ctx context.Context, msg *models.SpaceMessage) error {
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE space_messages SET content = $3, metadata = $4
		WHERE smart_space_id = $1 AND id = $2`,
		msg.SmartSpaceID, msg.ID, msg.Content, metadata)
	if err != nil {
		return fmt.Errorf("update space message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s pgSpaces) GetMessage(ctx context.Context, spaceID, messageID string) (*models.SpaceMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, smart_space_id, entity_id, role, content, seq, metadata, run_id, created_at
		FROM space_messages WHERE smart_space_id = $1 AND id = $2`, spaceID, messageID)
	msg, err := scanSpaceMessage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

func scanSpaceMessage(scan func(dest ...any) error) (*models.SpaceMessage, error) {
	var (
		msg      models.SpaceMessage
		metadata []byte
	)
	err := scan(&msg.ID, &msg.SmartSpaceID, &msg.EntityID, &msg.Role, &msg.Content,
		&msg.Seq, &metadata, &msg.RunID, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return &msg, nil
}

func (s pgSpaces) RecentMessages(ctx context.Context, spaceID string, n int) ([]*models.SpaceMessage, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, smart_space_id, entity_id, role, content, seq, metadata, run_id, created_at
		FROM (
			SELECT * FROM space_messages WHERE smart_space_id = $1
			ORDER BY seq DESC LIMIT $2
		) latest ORDER BY seq`, spaceID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []*models.SpaceMessage
	for rows.Next() {
		msg, err := scanSpaceMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan space message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type pgMembership struct{ db *sql.DB }

func (s pgMembership) SpacesFor(ctx context.Context, entityID string) ([]*models.Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.id, sp.name, sp.admin_agent_entity_id, sp.created_at
		FROM spaces sp
		JOIN space_members m ON m.space_id = sp.id
		WHERE m.entity_id = $1
		ORDER BY sp.id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("spaces for %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []*models.Space
	for rows.Next() {
		var space models.Space
		if err := rows.Scan(&space.ID, &space.Name, &space.AdminAgentEntityID, &space.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		out = append(out, &space)
	}
	return out, rows.Err()
}

func (s pgMembership) MembersOf(ctx context.Context, spaceID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, name, member_type FROM space_members WHERE space_id = $1`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", spaceID, err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.EntityID, &member.Name, &member.Type); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, member)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func rawOrEmptyObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return raw, nil
}
