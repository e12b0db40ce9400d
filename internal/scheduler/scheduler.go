// Package scheduler fires plans into agent inboxes at the right time. Plans
// live in the row store; the broker's delay queue holds at most one live
// firing per plan id, and cron expressions drive recomputation of the next
// firing for recurring plans.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hsafa/gateway/internal/broker"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

const (
	defaultPollInterval = time.Second
	defaultHandlers     = 4
	claimBatch          = 64
)

// Scheduler registers, fires, and reconciles plans.
type Scheduler struct {
	plans  store.PlanStore
	inbox  *inbox.Inbox
	broker broker.Broker

	log      *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	poll     time.Duration
	handlers int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log *observability.Logger) Option {
	return func(s *Scheduler) { s.log = log.WithComponent("scheduler") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPollInterval overrides how often due jobs are claimed.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.poll = d }
}

// WithHandlers sets the firing handler pool size.
func WithHandlers(n int) Option {
	return func(s *Scheduler) { s.handlers = n }
}

// New creates a Scheduler.
func New(plans store.PlanStore, ib *inbox.Inbox, br broker.Broker, opts ...Option) *Scheduler {
	s := &Scheduler{
		plans:    plans,
		inbox:    ib,
		broker:   br,
		log:      observability.NewLogger(observability.LogConfig{}).WithComponent("scheduler"),
		now:      time.Now,
		poll:     defaultPollInterval,
		handlers: defaultHandlers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePlan validates the plan, computes its first firing, persists it, and
// registers the firing. Implements the plan tools' Planner surface.
func (s *Scheduler) CreatePlan(ctx context.Context, plan *models.Plan) error {
	next, err := s.firstFiring(plan)
	if err != nil {
		return err
	}
	plan.Status = models.PlanPending
	plan.NextRunAt = &next
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.now().UTC()
	}
	if err := s.plans.Create(ctx, plan); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	if err := s.EnqueuePlan(ctx, plan); err != nil {
		return err
	}
	s.log.Info(ctx, "plan created", "planId", plan.ID, "name", plan.Name,
		"recurring", plan.IsRecurring, "nextRunAt", next)
	return nil
}

// CancelPlan cancels a pending plan owned by the entity and removes its
// scheduled firing. A firing that slips in just before removal leaves one
// extra inbox event, which the status guard in onJobFire tolerates.
func (s *Scheduler) CancelPlan(ctx context.Context, agentEntityID, planID string) error {
	plan, err := s.plans.Get(ctx, planID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", planID, err)
	}
	if plan.AgentEntityID != agentEntityID {
		return fmt.Errorf("plan %s is not owned by %s", planID, agentEntityID)
	}
	if plan.Status != models.PlanPending {
		return fmt.Errorf("plan %s is %s, not pending", planID, plan.Status)
	}

	if err := s.DequeuePlan(ctx, planID); err != nil {
		return err
	}
	plan.Status = models.PlanCanceled
	plan.NextRunAt = nil
	plan.CompletedAt = s.now().UTC()
	if err := s.plans.Update(ctx, plan); err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	s.log.Info(ctx, "plan canceled", "planId", planID)
	return nil
}

// EnqueuePlan registers the plan's next firing on the delay queue. Scheduling
// an already-registered plan id moves its fire time, so each pending plan has
// at most one live firing.
func (s *Scheduler) EnqueuePlan(ctx context.Context, plan *models.Plan) error {
	if plan.NextRunAt == nil {
		return fmt.Errorf("plan %s has no next firing", plan.ID)
	}
	if err := s.broker.Schedule(ctx, broker.PlanQueue, plan.ID, *plan.NextRunAt); err != nil {
		return fmt.Errorf("schedule plan %s: %w", plan.ID, err)
	}
	return nil
}

// DequeuePlan removes the plan's scheduled firing if present.
func (s *Scheduler) DequeuePlan(ctx context.Context, planID string) error {
	if err := s.broker.Unschedule(ctx, broker.PlanQueue, planID); err != nil {
		return fmt.Errorf("unschedule plan %s: %w", planID, err)
	}
	return nil
}

// Run polls the delay queue and dispatches due firings to a handler pool until
// the context ends. Per-plan sequencing holds because ClaimDue hands each job
// id to exactly one handler and rescheduling happens after handling.
func (s *Scheduler) Run(ctx context.Context) error {
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.handlers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for planID := range jobs {
				s.onJobFire(ctx, planID)
			}
		}()
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		due, err := s.broker.ClaimDue(ctx, broker.PlanQueue, s.now(), claimBatch)
		if err != nil {
			if ctx.Err() != nil {
				close(jobs)
				wg.Wait()
				return ctx.Err()
			}
			s.log.Warn(ctx, "claim due plans failed", "error", err)
			continue
		}
		for _, planID := range due {
			select {
			case jobs <- planID:
			case <-ctx.Done():
				close(jobs)
				wg.Wait()
				return ctx.Err()
			}
		}
	}
}

// onJobFire handles one claimed firing: push the plan event, then either
// advance a recurring plan to its next firing or complete a one-shot.
func (s *Scheduler) onJobFire(ctx context.Context, planID string) {
	firedAt := s.now()
	plan, err := s.plans.Get(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		s.countFiring("stale")
		return
	}
	if err != nil {
		s.log.Error(ctx, "load fired plan", "planId", planID, "error", err)
		s.countFiring("error")
		return
	}
	if plan.Status != models.PlanPending {
		s.countFiring("stale")
		return
	}

	if _, err := s.inbox.PushPlan(ctx, plan.AgentEntityID, models.PlanEventData{
		PlanID:      plan.ID,
		PlanName:    plan.Name,
		Instruction: plan.Instruction,
	}, firedAt); err != nil {
		// The plan stays pending; the next reconcile re-registers the firing.
		s.log.Error(ctx, "push plan event", "planId", planID, "error", err)
		s.countFiring("error")
		return
	}

	now := firedAt.UTC()
	plan.LastRunAt = &now
	if plan.IsRecurring {
		next, err := nextCronFiring(plan.Cron, firedAt)
		if err != nil {
			s.log.Error(ctx, "recompute cron firing", "planId", planID, "error", err)
			s.countFiring("error")
			return
		}
		plan.NextRunAt = &next
		if err := s.plans.Update(ctx, plan); err != nil {
			s.log.Error(ctx, "update recurring plan", "planId", planID, "error", err)
			s.countFiring("error")
			return
		}
		if err := s.EnqueuePlan(ctx, plan); err != nil {
			s.log.Error(ctx, "re-enqueue recurring plan", "planId", planID, "error", err)
		}
	} else {
		plan.Status = models.PlanCompleted
		plan.NextRunAt = nil
		plan.CompletedAt = now
		if err := s.plans.Update(ctx, plan); err != nil {
			s.log.Error(ctx, "complete plan", "planId", planID, "error", err)
		}
	}
	s.countFiring("fired")
	s.log.Info(ctx, "plan fired", "planId", planID, "recurring", plan.IsRecurring)
}

// ReconcileOnStartup re-registers every pending plan's firing after a restart.
// Overdue one-shots are completed without firing; overdue recurring plans fire
// once immediately and then resume their cadence.
func (s *Scheduler) ReconcileOnStartup(ctx context.Context) error {
	pending, err := s.plans.ListByStatus(ctx, models.PlanPending)
	if err != nil {
		return fmt.Errorf("list pending plans: %w", err)
	}

	now := s.now()
	for _, plan := range pending {
		if plan.IsRecurring {
			if plan.NextRunAt == nil || plan.NextRunAt.Before(now) {
				if plan.NextRunAt != nil {
					// The cadence was missed while down; deliver one firing now.
					s.onJobFire(ctx, plan.ID)
					continue
				}
				next, err := nextCronFiring(plan.Cron, now)
				if err != nil {
					s.log.Error(ctx, "reconcile cron plan", "planId", plan.ID, "error", err)
					continue
				}
				plan.NextRunAt = &next
				if err := s.plans.Update(ctx, plan); err != nil {
					s.log.Error(ctx, "persist reconciled firing", "planId", plan.ID, "error", err)
					continue
				}
			}
			if err := s.EnqueuePlan(ctx, plan); err != nil {
				s.log.Error(ctx, "re-enqueue plan", "planId", plan.ID, "error", err)
			}
			continue
		}

		if plan.NextRunAt == nil || plan.NextRunAt.Before(now) {
			plan.Status = models.PlanCompleted
			plan.NextRunAt = nil
			plan.CompletedAt = now.UTC()
			if err := s.plans.Update(ctx, plan); err != nil {
				s.log.Error(ctx, "complete overdue plan", "planId", plan.ID, "error", err)
			}
			continue
		}
		if err := s.EnqueuePlan(ctx, plan); err != nil {
			s.log.Error(ctx, "re-enqueue plan", "planId", plan.ID, "error", err)
		}
	}
	s.log.Info(ctx, "plans reconciled", "pending", len(pending))
	return nil
}

// firstFiring derives a new plan's initial fire time from its single
// scheduling mode.
func (s *Scheduler) firstFiring(plan *models.Plan) (time.Time, error) {
	modes := 0
	if plan.RunAfter > 0 {
		modes++
	}
	if plan.ScheduledAt != nil {
		modes++
	}
	if plan.Cron != "" {
		modes++
	}
	if modes != 1 {
		return time.Time{}, fmt.Errorf("plan %s: exactly one scheduling mode must be set", plan.ID)
	}

	switch {
	case plan.RunAfter > 0:
		return s.now().Add(plan.RunAfter).UTC(), nil
	case plan.ScheduledAt != nil:
		return plan.ScheduledAt.UTC(), nil
	default:
		if !plan.IsRecurring {
			return time.Time{}, fmt.Errorf("plan %s: cron plans must be recurring", plan.ID)
		}
		return nextCronFiring(plan.Cron, s.now())
	}
}

// nextCronFiring computes the next fire time strictly after the given instant.
func nextCronFiring(expr string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return schedule.Next(after).UTC(), nil
}

func (s *Scheduler) countFiring(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.PlanFireCounter.WithLabelValues(status).Inc()
}
