// Package consciousness manages the cycle-carried memory of an agent: loading
// it with a fresh system seed, persisting it after cycles, and compacting old
// cycle blocks into summary messages when the token estimate grows past the
// agent's caps.
package consciousness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// Manager loads, saves, and compacts consciousness records.
type Manager struct {
	store store.ConsciousnessStore
	log   *observability.Logger
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *observability.Logger) Option {
	return func(m *Manager) { m.log = log.WithComponent("consciousness") }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(s store.ConsciousnessStore, opts ...Option) *Manager {
	m := &Manager{
		store: s,
		log:   observability.NewLogger(observability.LogConfig{}).WithComponent("consciousness"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns the agent's consciousness, creating a fresh one seeded with the
// agent's system prompt when none exists.
func (m *Manager) Load(ctx context.Context, agent *models.Agent) (*models.Consciousness, error) {
	c, err := m.store.Load(ctx, agent.EntityID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.Consciousness{
			AgentEntityID: agent.EntityID,
			Messages: []models.ModelMessage{
				{Role: models.RoleSystem, Content: agent.SystemSeed},
			},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load consciousness: %w", err)
	}
	RefreshSystemPrompt(c, agent.SystemSeed)
	return c, nil
}

// Save recomputes the token estimate, stamps the cycle time, and persists.
func (m *Manager) Save(ctx context.Context, c *models.Consciousness) error {
	c.TokenEstimate = EstimateTokens(c.Messages)
	c.LastCycleAt = m.now()
	if err := m.store.Save(ctx, c); err != nil {
		return fmt.Errorf("save consciousness: %w", err)
	}
	return nil
}

// RefreshSystemPrompt replaces the head system message's text, or inserts one
// when the history does not start with a system prompt. Summaries are system
// messages too but never sit at the head before the seed.
func RefreshSystemPrompt(c *models.Consciousness, prompt string) {
	if len(c.Messages) > 0 && c.Messages[0].Role == models.RoleSystem && !c.Messages[0].Summary {
		c.Messages[0].Content = prompt
		return
	}
	c.Messages = append([]models.ModelMessage{
		{Role: models.RoleSystem, Content: prompt},
	}, c.Messages...)
}

// EstimateTokens approximates the token count of a message list as total
// character count divided by 4, rounded up. Tool names, inputs, and results
// count toward the total.
func EstimateTokens(messages []models.ModelMessage) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
		for _, call := range msg.ToolCalls {
			chars += len(call.Name) + len(call.Input)
		}
		for _, result := range msg.ToolResults {
			chars += len(result.Content)
		}
	}
	return (chars + 3) / 4
}

// Compact folds the oldest cycle blocks into summary messages until the
// estimate drops under the agent's soft cap. Nothing happens at or below the
// hard cap. The summary is the block's own assistant text — no model call is
// made, so compaction is deterministic, monotone, and free. Adjacent summaries
// merge, so a long history collapses to a single summary message after the
// seed. The most recent cycle is always kept verbatim, which bounds the loop
// even when the cap is unreachable. Returns whether anything was folded.
func Compact(agent *models.Agent, c *models.Consciousness) bool {
	if EstimateTokens(c.Messages) <= agent.HardCapTokens {
		return false
	}

	compacted := false
	for EstimateTokens(c.Messages) > agent.SoftCapTokens {
		cycle, start, end := oldestCompactableBlock(c.Messages)
		if start < 0 {
			break
		}
		text := summarizeBlock(cycle, c.Messages[start:end])

		if start > 0 && c.Messages[start-1].Summary {
			// Fold into the preceding summary so summaries never pile up.
			merged := c.Messages[start-1]
			merged.Content += "\n" + text
			merged.Cycle = cycle
			c.Messages[start-1] = merged
			c.Messages = append(c.Messages[:start], c.Messages[end:]...)
		} else {
			folded := models.ModelMessage{
				Role:    models.RoleSystem,
				Content: text,
				Cycle:   cycle,
				Summary: true,
			}
			rest := append([]models.ModelMessage{folded}, c.Messages[end:]...)
			c.Messages = append(c.Messages[:start], rest...)
		}
		compacted = true
	}
	c.TokenEstimate = EstimateTokens(c.Messages)
	return compacted
}

// summarizeBlock concatenates the block's assistant text parts. A block with
// no assistant text still leaves a one-line trace so cycle numbering stays
// legible in the history.
func summarizeBlock(cycle int, block []models.ModelMessage) string {
	var parts []string
	for _, msg := range block {
		if msg.Role == models.RoleAssistant && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("(cycle %d: %d messages, no assistant text)", cycle, len(block))
	}
	return strings.Join(parts, "\n")
}

// oldestCompactableBlock returns the cycle number and half-open message range
// of the oldest non-summary cycle block, or start -1 when none qualifies. The
// newest cycle present never qualifies.
func oldestCompactableBlock(messages []models.ModelMessage) (cycle, start, end int) {
	oldest, newest := 0, 0
	for _, msg := range messages {
		if msg.Cycle == 0 {
			continue
		}
		if !msg.Summary && (oldest == 0 || msg.Cycle < oldest) {
			oldest = msg.Cycle
		}
		if msg.Cycle > newest {
			newest = msg.Cycle
		}
	}
	if oldest == 0 || oldest == newest {
		return 0, -1, -1
	}

	start, end = -1, -1
	for i, msg := range messages {
		if msg.Cycle == oldest && !msg.Summary {
			if start < 0 {
				start = i
			}
			end = i + 1
		}
	}
	return oldest, start, end
}
