package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hsafa/gateway/internal/broker"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// testClock is a settable clock shared between the scheduler and the test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Set, broker.Broker, *inbox.Inbox, *testClock) {
	t.Helper()
	set, _ := store.MemorySet()
	br := broker.NewMemory()
	ib := inbox.New(set.InboxEvents, br)
	clock := &testClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	s := New(set.Plans, ib, br, WithNow(clock.Now))
	return s, set, br, ib, clock
}

// fireDue claims and handles every due job, the way Run's poll loop would.
func fireDue(t *testing.T, s *Scheduler, br broker.Broker, clock *testClock) int {
	t.Helper()
	due, err := br.ClaimDue(context.Background(), broker.PlanQueue, clock.Now(), 64)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	for _, planID := range due {
		s.onJobFire(context.Background(), planID)
	}
	return len(due)
}

func TestCreatePlanDelaySchedulesFiring(t *testing.T) {
	s, set, br, _, clock := newTestScheduler(t)
	ctx := context.Background()

	plan := &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1",
		Name: "nudge", Instruction: "follow up",
		RunAfter: 10 * time.Second,
	}
	if err := s.CreatePlan(ctx, plan); err != nil {
		t.Fatalf("create: %v", err)
	}

	stored, _ := set.Plans.Get(ctx, "plan-1")
	if stored.Status != models.PlanPending {
		t.Errorf("status: %s", stored.Status)
	}
	want := clock.Now().Add(10 * time.Second).UTC()
	if stored.NextRunAt == nil || !stored.NextRunAt.Equal(want) {
		t.Errorf("nextRunAt: %v, want %v", stored.NextRunAt, want)
	}

	// Not due yet.
	if n := fireDue(t, s, br, clock); n != 0 {
		t.Errorf("fired %d plans early", n)
	}
	clock.Advance(11 * time.Second)
	if n := fireDue(t, s, br, clock); n != 1 {
		t.Errorf("fired %d plans", n)
	}
}

func TestCreatePlanRejectsAmbiguousModes(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	for name, plan := range map[string]*models.Plan{
		"none": {ID: "p-a", AgentEntityID: "agent-1"},
		"two":  {ID: "p-b", AgentEntityID: "agent-1", RunAfter: time.Minute, Cron: "* * * * *"},
		"cron without recurring": {
			ID: "p-c", AgentEntityID: "agent-1", Cron: "* * * * *",
		},
	} {
		if err := s.CreatePlan(ctx, plan); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestFireOneShotCompletesAndPushes(t *testing.T) {
	s, set, br, ib, clock := newTestScheduler(t)
	ctx := context.Background()

	if err := s.CreatePlan(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1",
		Name: "nudge", Instruction: "follow up",
		RunAfter: time.Second,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(2 * time.Second)
	if n := fireDue(t, s, br, clock); n != 1 {
		t.Fatalf("fired %d plans", n)
	}

	plan, _ := set.Plans.Get(ctx, "plan-1")
	if plan.Status != models.PlanCompleted {
		t.Errorf("status: %s", plan.Status)
	}
	if plan.NextRunAt != nil || plan.CompletedAt.IsZero() || plan.LastRunAt == nil {
		t.Errorf("terminal stamps: %+v", plan)
	}

	if depth, _ := ib.Depth(ctx, "agent-1"); depth != 1 {
		t.Fatalf("queue depth: %d", depth)
	}
	events, err := ib.Drain(ctx, "agent-1")
	if err != nil || len(events) != 1 {
		t.Fatalf("drain: %v (%d events)", err, len(events))
	}
	if events[0].Type != models.EventPlan {
		t.Errorf("event type: %s", events[0].Type)
	}
	var data models.PlanEventData
	_ = json.Unmarshal(events[0].Data, &data)
	if data.PlanID != "plan-1" || data.Instruction != "follow up" {
		t.Errorf("event data: %+v", data)
	}

	// A one-shot never fires twice.
	clock.Advance(time.Hour)
	if n := fireDue(t, s, br, clock); n != 0 {
		t.Errorf("one-shot refired %d times", n)
	}
}

func TestFireRecurringAdvancesCadence(t *testing.T) {
	s, set, br, ib, clock := newTestScheduler(t)
	ctx := context.Background()

	if err := s.CreatePlan(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1",
		Name: "pulse", Instruction: "check in",
		Cron: "*/5 * * * *", IsRecurring: true,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// 12:00 -> first firing 12:05.
	clock.Advance(6 * time.Minute)
	if n := fireDue(t, s, br, clock); n != 1 {
		t.Fatalf("fired %d plans", n)
	}

	plan, _ := set.Plans.Get(ctx, "plan-1")
	if plan.Status != models.PlanPending {
		t.Errorf("recurring plan left pending state: %s", plan.Status)
	}
	if plan.LastRunAt == nil {
		t.Error("lastRunAt not stamped")
	}
	if plan.NextRunAt == nil || !plan.NextRunAt.After(clock.Now()) {
		t.Errorf("nextRunAt not advanced: %v", plan.NextRunAt)
	}

	// The next cadence point fires again with a distinct event id.
	clock.Advance(5 * time.Minute)
	if n := fireDue(t, s, br, clock); n != 1 {
		t.Fatalf("second firing: %d", n)
	}
	events, _ := ib.Drain(ctx, "agent-1")
	if len(events) != 2 {
		t.Errorf("plan events delivered: %d", len(events))
	}
}

func TestFireStalePlanIsDropped(t *testing.T) {
	s, set, _, ib, _ := newTestScheduler(t)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	_ = set.Plans.Create(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1", Status: models.PlanCanceled,
		NextRunAt: &now,
	})

	s.onJobFire(ctx, "plan-1")
	s.onJobFire(ctx, "plan-gone")

	if depth, _ := ib.Depth(ctx, "agent-1"); depth != 0 {
		t.Errorf("stale firing delivered: depth %d", depth)
	}
}

func TestCancelPlanRemovesFiring(t *testing.T) {
	s, set, br, ib, clock := newTestScheduler(t)
	ctx := context.Background()

	if err := s.CreatePlan(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1",
		Name: "nudge", Instruction: "follow up", RunAfter: time.Second,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CancelPlan(ctx, "agent-1", "plan-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	plan, _ := set.Plans.Get(ctx, "plan-1")
	if plan.Status != models.PlanCanceled || plan.NextRunAt != nil || plan.CompletedAt.IsZero() {
		t.Errorf("canceled plan: %+v", plan)
	}

	clock.Advance(time.Minute)
	if n := fireDue(t, s, br, clock); n != 0 {
		t.Errorf("canceled plan fired %d times", n)
	}
	if depth, _ := ib.Depth(ctx, "agent-1"); depth != 0 {
		t.Errorf("canceled plan delivered: depth %d", depth)
	}
}

func TestCancelPlanGuards(t *testing.T) {
	s, _, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.CreatePlan(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1",
		Name: "nudge", Instruction: "i", RunAfter: time.Second,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.CancelPlan(ctx, "agent-2", "plan-1"); err == nil {
		t.Error("foreign cancel accepted")
	}
	if err := s.CancelPlan(ctx, "agent-1", "ghost"); err == nil {
		t.Error("unknown plan cancel accepted")
	}
	if err := s.CancelPlan(ctx, "agent-1", "plan-1"); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if err := s.CancelPlan(ctx, "agent-1", "plan-1"); err == nil {
		t.Error("double cancel accepted")
	}
}

func TestReconcileOverdueOneShotCompletesWithoutFiring(t *testing.T) {
	s, set, _, ib, clock := newTestScheduler(t)
	ctx := context.Background()

	past := clock.Now().Add(-time.Hour)
	_ = set.Plans.Create(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1", Status: models.PlanPending,
		RunAfter: time.Minute, NextRunAt: &past,
	})

	if err := s.ReconcileOnStartup(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	plan, _ := set.Plans.Get(ctx, "plan-1")
	if plan.Status != models.PlanCompleted {
		t.Errorf("status: %s", plan.Status)
	}
	if depth, _ := ib.Depth(ctx, "agent-1"); depth != 0 {
		t.Errorf("overdue one-shot fired: depth %d", depth)
	}
}

func TestReconcileOverdueRecurringFiresOnceAndResumes(t *testing.T) {
	s, set, _, ib, clock := newTestScheduler(t)
	ctx := context.Background()

	past := clock.Now().Add(-time.Hour)
	_ = set.Plans.Create(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1", Status: models.PlanPending,
		Cron: "*/5 * * * *", IsRecurring: true, NextRunAt: &past,
	})

	if err := s.ReconcileOnStartup(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if depth, _ := ib.Depth(ctx, "agent-1"); depth != 1 {
		t.Errorf("missed cadence not delivered: depth %d", depth)
	}
	plan, _ := set.Plans.Get(ctx, "plan-1")
	if plan.Status != models.PlanPending {
		t.Errorf("status: %s", plan.Status)
	}
	if plan.NextRunAt == nil || !plan.NextRunAt.After(clock.Now()) {
		t.Errorf("cadence not resumed: %v", plan.NextRunAt)
	}
}

func TestReconcileRecomputesMissingNextRun(t *testing.T) {
	s, set, br, ib, clock := newTestScheduler(t)
	ctx := context.Background()

	_ = set.Plans.Create(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1", Status: models.PlanPending,
		Cron: "*/5 * * * *", IsRecurring: true,
	})

	if err := s.ReconcileOnStartup(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	plan, _ := set.Plans.Get(ctx, "plan-1")
	if plan.NextRunAt == nil || !plan.NextRunAt.After(clock.Now()) {
		t.Fatalf("nextRunAt not computed: %v", plan.NextRunAt)
	}
	if depth, _ := ib.Depth(ctx, "agent-1"); depth != 0 {
		t.Errorf("plan without a missed firing fired: depth %d", depth)
	}

	clock.Advance(6 * time.Minute)
	if n := fireDue(t, s, br, clock); n != 1 {
		t.Errorf("reconciled plan did not fire: %d", n)
	}
}

func TestReconcileReenqueuesFuturePlans(t *testing.T) {
	s, set, br, _, clock := newTestScheduler(t)
	ctx := context.Background()

	future := clock.Now().Add(30 * time.Minute)
	_ = set.Plans.Create(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1", Status: models.PlanPending,
		ScheduledAt: &future, NextRunAt: &future,
	})

	if err := s.ReconcileOnStartup(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n := fireDue(t, s, br, clock); n != 0 {
		t.Errorf("future plan fired early: %d", n)
	}
	clock.Advance(31 * time.Minute)
	if n := fireDue(t, s, br, clock); n != 1 {
		t.Errorf("future plan did not fire: %d", n)
	}
}

func TestRunLoopFiresDuePlans(t *testing.T) {
	set, _ := store.MemorySet()
	br := broker.NewMemory()
	ib := inbox.New(set.InboxEvents, br)
	s := New(set.Plans, ib, br, WithPollInterval(10*time.Millisecond), WithHandlers(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.CreatePlan(ctx, &models.Plan{
		ID: "plan-1", AgentEntityID: "agent-1",
		Name: "soon", Instruction: "go", RunAfter: 20 * time.Millisecond,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if depth, _ := ib.Depth(ctx, "agent-1"); depth == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("plan never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("run exit: %v", err)
	}
}
