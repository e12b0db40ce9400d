// Package supervisor keeps one live worker per agent: it spawns them at boot
// after recovering stuck inbox events, restarts crashed workers with capped
// backoff, and tears them down within a grace deadline on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

const (
	defaultGrace      = 10 * time.Second
	defaultBackoff    = 250 * time.Millisecond
	defaultBackoffCap = 5 * time.Second
)

// Runner is one agent's worker loop. Run blocks until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// Factory builds the worker for one agent.
type Factory func(agent *models.Agent) Runner

// Supervisor owns the worker lifecycle.
type Supervisor struct {
	agents  store.AgentStore
	inbox   *inbox.Inbox
	factory Factory

	log        *observability.Logger
	grace      time.Duration
	backoff    time.Duration
	backoffCap time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	root    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(log *observability.Logger) Option {
	return func(s *Supervisor) { s.log = log.WithComponent("supervisor") }
}

// WithGrace overrides the shutdown grace deadline.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithBackoff overrides the restart backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(s *Supervisor) { s.backoff, s.backoffCap = base, cap }
}

// New creates a Supervisor.
func New(agents store.AgentStore, ib *inbox.Inbox, factory Factory, opts ...Option) *Supervisor {
	s := &Supervisor{
		agents:     agents,
		inbox:      ib,
		factory:    factory,
		log:        observability.NewLogger(observability.LogConfig{}).WithComponent("supervisor"),
		grace:      defaultGrace,
		backoff:    defaultBackoff,
		backoffCap: defaultBackoffCap,
		cancels:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start enumerates agents, heals each agent's stuck events, and spawns one
// worker per agent. The workers outlive ctx's deadline but not Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.root, s.stop = context.WithCancel(context.Background())
	s.started = true
	s.mu.Unlock()

	agents, err := s.agents.List(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, agent := range agents {
		s.spawn(ctx, agent)
	}
	s.log.Info(ctx, "supervisor started", "workers", len(agents))
	return nil
}

// OnAgentCreated spawns a worker for a newly created agent.
func (s *Supervisor) OnAgentCreated(ctx context.Context, agentID string) error {
	agent, err := s.agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", agentID, err)
	}
	s.spawn(ctx, agent)
	return nil
}

// OnAgentDeleted stops and forgets the agent's worker.
func (s *Supervisor) OnAgentDeleted(agentEntityID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[agentEntityID]
	if ok {
		delete(s.cancels, agentEntityID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every worker and waits up to the grace deadline.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	stop := s.stop
	s.mu.Unlock()
	stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.grace):
		return fmt.Errorf("supervisor: %s grace deadline exceeded", s.grace)
	}
}

func (s *Supervisor) spawn(ctx context.Context, agent *models.Agent) {
	s.mu.Lock()
	if _, exists := s.cancels[agent.EntityID]; exists {
		s.mu.Unlock()
		return
	}
	workerCtx, cancel := context.WithCancel(s.root)
	s.cancels[agent.EntityID] = cancel
	s.mu.Unlock()

	if recovered, err := s.inbox.RecoverStuck(ctx, agent.EntityID); err != nil {
		s.log.Error(ctx, "recover stuck events", "agent", agent.EntityID, "error", err)
	} else if recovered > 0 {
		s.log.Info(ctx, "recovered stuck events", "agent", agent.EntityID, "count", recovered)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(workerCtx, agent)
	}()
}

// run keeps one agent's worker alive, restarting crashes with exponential
// backoff capped at backoffCap. Cancellation exits without restart.
func (s *Supervisor) run(ctx context.Context, agent *models.Agent) {
	delay := s.backoff
	for {
		err := s.runOnce(ctx, agent)
		if ctx.Err() != nil {
			s.log.Info(ctx, "worker stopped", "agent", agent.EntityID)
			return
		}
		s.log.Error(ctx, "worker exited, restarting", "agent", agent.EntityID,
			"error", err, "backoff", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		delay *= 2
		if delay > s.backoffCap {
			delay = s.backoffCap
		}
	}
}

// runOnce executes the worker and converts panics into errors so a crashing
// cycle cannot take the process down.
func (s *Supervisor) runOnce(ctx context.Context, agent *models.Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return s.factory(agent).Run(ctx)
}
