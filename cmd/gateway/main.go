// Command gateway runs the living-agent orchestration gateway: per-agent
// workers driven by inbox events, plan scheduling, async tool results, and an
// HTTP/SSE edge.
//
// Usage:
//
//	gateway serve --config gateway.yaml
//
// Environment variables referenced from the config file (${VAR} expansion)
// and ANTHROPIC_API_KEY are read at startup; a .env file in the working
// directory is loaded first if present.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hsafa/gateway/internal/agent"
	"github.com/hsafa/gateway/internal/agent/providers"
	"github.com/hsafa/gateway/internal/broker"
	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/internal/config"
	"github.com/hsafa/gateway/internal/consciousness"
	"github.com/hsafa/gateway/internal/inbox"
	"github.com/hsafa/gateway/internal/observability"
	"github.com/hsafa/gateway/internal/scheduler"
	"github.com/hsafa/gateway/internal/server"
	"github.com/hsafa/gateway/internal/store"
	"github.com/hsafa/gateway/internal/supervisor"
	"github.com/hsafa/gateway/pkg/models"
)

func main() {
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Living-agent orchestration gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Optional; explicit environment always wins.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "gateway.yaml", "path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	metrics := observability.NewMetrics()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName: "gateway",
		Endpoint:    cfg.Observability.OTLPEndpoint,
		SampleRatio: cfg.Observability.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	br := broker.NewRedis(broker.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer br.Close()
	if err := br.Ping(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	stores, err := store.PostgresSet(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer stores.Close()

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       apiKey,
		DefaultModel: cfg.LLM.Model,
	})
	if err != nil {
		return err
	}

	eventBus := bus.New(br, bus.WithLogger(log), bus.WithMaxLen(cfg.Redis.StreamMaxLen))
	ib := inbox.New(stores.InboxEvents, br,
		inbox.WithLogger(log),
		inbox.WithMetrics(metrics),
		inbox.WithWaitTimeout(cfg.Agents.WaitTimeout),
	)
	minds := consciousness.NewManager(stores.Consciousness, consciousness.WithLogger(log))

	plans := scheduler.New(stores.Plans, ib, br,
		scheduler.WithLogger(log),
		scheduler.WithMetrics(metrics),
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithHandlers(cfg.Scheduler.Handlers),
	)

	registry := agent.NewRegistry()
	if err := registry.Register(agent.SendMessageTool(stores.Spaces, stores.Membership, eventBus, ib)); err != nil {
		return err
	}
	if err := registry.Register(agent.CreatePlanTool(plans)); err != nil {
		return err
	}
	if err := registry.Register(agent.CancelPlanTool(plans)); err != nil {
		return err
	}

	factory := func(a *models.Agent) supervisor.Runner {
		applyAgentDefaults(a, cfg.Agents)
		return agent.NewWorker(agent.WorkerConfig{
			Agent:         a,
			Stores:        stores,
			Inbox:         ib,
			Consciousness: minds,
			Bus:           eventBus,
			Provider:      provider,
			Registry:      registry,
			Model:         cfg.LLM.Model,
			MaxTokens:     cfg.LLM.MaxTokens,
		},
			agent.WithWorkerLogger(log),
			agent.WithWorkerMetrics(metrics),
			agent.WithWorkerTracer(tracer),
			agent.WithFailureDelay(cfg.Agents.FailureSleep),
		)
	}
	boss := supervisor.New(stores.Agents, ib, factory, supervisor.WithLogger(log))

	async := agent.NewAsyncToolManager(stores, ib, eventBus, log)
	edge := server.New(cfg.Server, stores, ib, eventBus, async, boss,
		server.WithLogger(log),
		server.WithMetrics(metrics),
	)

	if err := plans.ReconcileOnStartup(ctx); err != nil {
		return err
	}
	if err := boss.Start(ctx); err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() { errc <- plans.Run(ctx) }()
	go func() { errc <- edge.Run(ctx) }()

	log.Info(ctx, "gateway up", "addr", cfg.Server.Addr)
	err = <-errc
	stop()

	if stopErr := boss.Stop(); stopErr != nil {
		log.Error(ctx, "worker shutdown incomplete", "error", stopErr)
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// applyAgentDefaults fills unset per-agent limits from the config.
func applyAgentDefaults(a *models.Agent, defaults config.AgentsConfig) {
	if a.SoftCapTokens <= 0 {
		a.SoftCapTokens = defaults.SoftCapTokens
	}
	if a.HardCapTokens <= 0 {
		a.HardCapTokens = defaults.HardCapTokens
	}
	if a.MaxSteps <= 0 {
		a.MaxSteps = defaults.MaxSteps
	}
}
