// Package server is the HTTP edge: REST endpoints for triggering agents,
// posting space messages, submitting async tool results, and run auditing,
// plus SSE streams bridging the fan-out bus to clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hsafa/gateway/internal/agent"
	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/config"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/pkg/models"
)

// AgentLifecycle is the supervisor surface the edge notifies on agent
// create/delete.
type AgentLifecycle interface {
	OnAgentCreated(ctx context.Context, agentID string) error
	OnAgentDeleted(agentEntityID string)
}

// Server wires the HTTP edge.
type Server struct {
	cfg     config.ServerConfig
	stores  *store.Set
	inbox   *inbox.Inbox
	bus     *bus.Bus
	async   *agent.AsyncToolManager
	workers AgentLifecycle

	log     *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	engine  *gin.Engine
	http    *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *observability.Logger) Option {
	return func(s *Server) { s.log = log.WithComponent("server") }
}

// WithMetrics sets the metrics sink and exposes /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates the Server and registers its routes.
func New(cfg config.ServerConfig, stores *store.Set, ib *inbox.Inbox, b *bus.Bus, async *agent.AsyncToolManager, workers AgentLifecycle, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		stores:  stores,
		inbox:   ib,
		bus:     b,
		async:   async,
		workers: workers,
		log:     observability.NewLogger(observability.LogConfig{}).WithComponent("server"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx ends, then shuts down within the configured grace.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errc := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	s.log.Info(ctx, "http edge listening", "addr", s.cfg.Addr)

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	s.engine.POST("/agents", s.createAgent)
	s.engine.GET("/agents", s.listAgents)
	s.engine.GET("/agents/:agentId", s.getAgent)
	s.engine.DELETE("/agents/:agentId", s.deleteAgent)
	s.engine.POST("/agents/:agentId/trigger", s.triggerAgent)
	s.engine.GET("/agents/:agentId/runs", s.listRuns)

	s.engine.POST("/smart-spaces", s.createSpace)
	s.engine.POST("/smart-spaces/:spaceId/messages", s.postMessage)
	s.engine.GET("/smart-spaces/:spaceId/messages", s.listMessages)
	s.engine.GET("/smart-spaces/:spaceId/stream", s.streamSpace)

	s.engine.GET("/runs/:runId", s.getRun)
	s.engine.GET("/runs/:runId/stream", s.streamRun)
	s.engine.POST("/runs/:runId/tool-results", s.submitToolResult)
}

type createAgentRequest struct {
	EntityID      string   `json:"entityId" binding:"required"`
	Name          string   `json:"name" binding:"required"`
	SystemSeed    string   `json:"systemSeed" binding:"required"`
	Tools         []string `json:"tools"`
	AsyncTools    []string `json:"asyncTools"`
	VisibleTools  []string `json:"visibleTools"`
	SoftCapTokens int      `json:"softCapTokens"`
	HardCapTokens int      `json:"hardCapTokens"`
	MaxSteps      int      `json:"maxSteps"`
}

func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a := &models.Agent{
		ID:            uuid.NewString(),
		EntityID:      req.EntityID,
		Name:          req.Name,
		SystemSeed:    req.SystemSeed,
		Tools:         req.Tools,
		AsyncTools:    req.AsyncTools,
		VisibleTools:  req.VisibleTools,
		SoftCapTokens: req.SoftCapTokens,
		HardCapTokens: req.HardCapTokens,
		MaxSteps:      req.MaxSteps,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.stores.Agents.Create(c.Request.Context(), a); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.workers != nil {
		if err := s.workers.OnAgentCreated(c.Request.Context(), a.ID); err != nil {
			s.log.Error(c.Request.Context(), "spawn worker", "agentId", a.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.stores.Agents.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agents)
}

func (s *Server) getAgent(c *gin.Context) {
	a, err := s.stores.Agents.Get(c.Request.Context(), c.Param("agentId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) deleteAgent(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := s.stores.Agents.Get(ctx, c.Param("agentId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.stores.Agents.Delete(ctx, a.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.workers != nil {
		s.workers.OnAgentDeleted(a.EntityID)
	}
	c.Status(http.StatusNoContent)
}

type triggerRequest struct {
	ServiceName string          `json:"serviceName" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
}

// triggerAgent pushes a service event into the agent's inbox, waking it.
func (s *Server) triggerAgent(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	a, err := s.stores.Agents.Get(ctx, c.Param("agentId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	inserted, err := s.inbox.PushService(ctx, a.EntityID, models.ServiceEventData{
		ServiceName: req.ServiceName,
		Payload:     req.Payload,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"inserted": inserted})
}

func (s *Server) listRuns(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := s.stores.Agents.Get(ctx, c.Param("agentId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	runs, err := s.stores.Runs.ListByAgent(ctx, a.EntityID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

type createSpaceRequest struct {
	Name               string `json:"name" binding:"required"`
	AdminAgentEntityID string `json:"adminAgentEntityId"`
}

func (s *Server) createSpace(c *gin.Context) {
	var req createSpaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	space := &models.Space{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		AdminAgentEntityID: req.AdminAgentEntityID,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.stores.Spaces.CreateSpace(c.Request.Context(), space); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, space)
}

type postMessageRequest struct {
	EntityID string `json:"entityId" binding:"required"`
	Content  string `json:"content" binding:"required"`
}

// postMessage persists a message in the space, broadcasts it, and fans a
// space_message inbox event to every agent member except the sender.
func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	space, err := s.stores.Spaces.GetSpace(ctx, c.Param("spaceId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "space not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	members, err := s.stores.Membership.MembersOf(ctx, space.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sender, ok := findMember(members, req.EntityID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "sender is not a member of this space"})
		return
	}

	// Context is captured before the append so it excludes the new message.
	recent, err := s.stores.Spaces.RecentMessages(ctx, space.ID, 5)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	role := models.RoleUser
	if sender.Type == models.SenderAgent {
		role = models.RoleAssistant
	}
	msg := &models.SpaceMessage{
		ID:           uuid.NewString(),
		SmartSpaceID: space.ID,
		EntityID:     sender.EntityID,
		Role:         role,
		Content:      req.Content,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.stores.Spaces.AppendMessage(ctx, msg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, err := s.bus.PublishSpace(ctx, space.ID, models.BusSpaceMessage, msg); err != nil {
		s.log.Warn(ctx, "broadcast message", "spaceId", space.ID, "error", err)
	}

	data := models.SpaceMessageEventData{
		MessageID:      msg.ID,
		SmartSpaceID:   space.ID,
		SpaceName:      space.Name,
		SenderEntityID: sender.EntityID,
		SenderName:     sender.Name,
		SenderType:     sender.Type,
		Content:        msg.Content,
		RecentContext:  recentContext(recent, members),
	}
	for _, member := range members {
		if member.Type != models.SenderAgent || member.EntityID == sender.EntityID {
			continue
		}
		if _, err := s.inbox.PushSpaceMessage(ctx, member.EntityID, data); err != nil {
			s.log.Error(ctx, "fan out message", "spaceId", space.ID,
				"agent", member.EntityID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) listMessages(c *gin.Context) {
	n := 50
	if raw := c.Query("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &n)
	}
	messages, err := s.stores.Spaces.RecentMessages(c.Request.Context(), c.Param("spaceId"), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.stores.Runs.Get(c.Request.Context(), c.Param("runId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

type toolResultRequest struct {
	CallID string          `json:"callId" binding:"required"`
	Result json.RawMessage `json:"result" binding:"required"`
}

func (s *Server) submitToolResult(c *gin.Context) {
	var req toolResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.async.SubmitToolResult(c.Request.Context(), c.Param("runId"), req.CallID, req.Result)
	switch {
	case errors.Is(err, store.ErrAlreadyCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "tool call already completed"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tool call not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "completed"})
	}
}

func findMember(members []store.Member, entityID string) (store.Member, bool) {
	for _, member := range members {
		if member.EntityID == entityID {
			return member, true
		}
	}
	return store.Member{}, false
}

func recentContext(recent []*models.SpaceMessage, members []store.Member) []models.ContextMessage {
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
