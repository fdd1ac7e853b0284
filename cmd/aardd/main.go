// Command aardd runs the request orchestration service: the HTTP and
// WebSocket API in front of the pipeline engine, with Redis-backed
// stores for workflows, plans, approvals, the event journal, prompt
// versions, capability records, interpretation biases, and checkpoints.
//
// Configuration is resolved from defaults, then a YAML file (-config
// flag or $AARD_CONFIG), then AARD_* environment variables. See
// core.Config for the full key set.
//
// Example:
//
//	AARD_REDIS_URL=redis://localhost:6379 \
//	AARD_LLM_API_KEY=sk-... \
//	aardd -config ./aard.yaml
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aard-labs/aard"
	"github.com/aard-labs/aard/ai"
	"github.com/aard-labs/aard/api"
	"github.com/aard-labs/aard/approval"
	"github.com/aard-labs/aard/capability"
	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/governor"
	"github.com/aard-labs/aard/journal"
	"github.com/aard-labs/aard/memory"
	"github.com/aard-labs/aard/pipeline"
	"github.com/aard-labs/aard/plan"
	"github.com/aard-labs/aard/prompts"
	"github.com/aard-labs/aard/reflection"
	"github.com/aard-labs/aard/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to $AARD_CONFIG)")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logger := core.NewProductionLogger(core.LoggerOptions{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: cfg.Service,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry first so every later constructor can emit through it.
	if cfg.Telemetry.Enabled || cfg.DevMode {
		provider, err := telemetry.Init(rootCtx, telemetry.Options{
			ServiceName: cfg.Service,
			Endpoint:    cfg.Telemetry.Endpoint,
			DevMode:     cfg.DevMode,
			Logger:      logger,
		})
		if err != nil {
			log.Fatalf("Telemetry error: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				logger.Warn("Telemetry shutdown error", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	rdb, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL: cfg.Redis.URL,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Redis error: %v", err)
	}
	defer rdb.Close()

	// Durable state. Every store shares the one Redis client and its
	// key namespace.
	jrnl := journal.New(journal.NewRedisStore(rdb, logger), journal.WithLogger(logger))
	defer jrnl.Close()

	workflows, err := pipeline.NewRedisWorkflowStore(rdb, logger)
	if err != nil {
		log.Fatalf("Workflow store error: %v", err)
	}
	plans, err := plan.NewRedisPlanStore(rdb, logger)
	if err != nil {
		log.Fatalf("Plan store error: %v", err)
	}
	approvals, err := approval.NewRedisStore(rdb, logger)
	if err != nil {
		log.Fatalf("Approval store error: %v", err)
	}
	biases, err := reflection.NewRedisBiasStore(rdb, logger)
	if err != nil {
		log.Fatalf("Bias store error: %v", err)
	}
	checkpoints, err := memory.NewRedisCheckpointStore(rdb, logger)
	if err != nil {
		log.Fatalf("Checkpoint store error: %v", err)
	}

	// Prompt stack: compiled fallbacks guarantee every stage has a
	// prompt even against an empty registry.
	fallback, err := prompts.LoadFallback()
	if err != nil {
		log.Fatalf("Prompt fallback error: %v", err)
	}
	registry, err := prompts.NewRedisRegistry(rdb, prompts.WithLogger(logger))
	if err != nil {
		log.Fatalf("Prompt registry error: %v", err)
	}
	resolver := prompts.NewResolver(registry, fallback, logger)

	caps, err := capability.NewRedisRegistry(rdb, logger)
	if err != nil {
		log.Fatalf("Capability registry error: %v", err)
	}
	health := capability.NewHealthMonitor(caps, cfg.Capability, logger)
	health.Start(rootCtx)
	defer health.Stop()

	gov, err := governor.NewRedisGovernor(rdb, cfg, logger)
	if err != nil {
		log.Fatalf("Governor error: %v", err)
	}

	gateway := ai.New(cfg,
		ai.WithPrompts(resolver, registry),
		ai.WithCapabilities(caps),
		ai.WithGovernor(gov),
		ai.WithJournal(jrnl),
		ai.WithLogger(logger),
	)

	// The gate and engine reference each other: the engine parks plans
	// on the gate, the gate pushes settled decisions back into the
	// engine. The handler closure resolves the cycle; the sweeper only
	// runs once Start is called below, after the engine exists.
	var engine *pipeline.Engine
	gate := approval.NewGate(cfg,
		approval.WithStore(approvals),
		approval.WithPlans(plans),
		approval.WithCapabilities(caps),
		approval.WithJournal(jrnl),
		approval.WithDecisionHandler(func(ctx context.Context, req *approval.Request) {
			engine.ApplyApprovalDecision(ctx, req)
		}),
		approval.WithGateLogger(logger),
	)

	executor := plan.NewExecutor(cfg,
		plan.WithStore(plans),
		plan.WithCheckpoints(checkpoints),
		plan.WithGateway(gateway),
		plan.WithCapabilities(caps),
		plan.WithGovernor(gov),
		plan.WithJournal(jrnl),
		plan.WithStepGate(gate),
		plan.WithExecutorLogger(logger),
	)

	reflector := reflection.NewAnalyzer(
		reflection.WithStore(biases),
		reflection.WithJournal(jrnl),
		reflection.WithGateway(gateway),
		reflection.WithPromptRegistry(registry),
		reflection.WithAnalyzerLogger(logger),
	)

	engine = pipeline.NewEngine(cfg,
		pipeline.WithStore(workflows),
		pipeline.WithPlans(plans),
		pipeline.WithJournal(jrnl),
		pipeline.WithGateway(gateway),
		pipeline.WithRunner(executor),
		pipeline.WithApprover(gate),
		pipeline.WithReflector(reflector),
		pipeline.WithBiases(biases),
		pipeline.WithCapabilities(caps),
		pipeline.WithGovernor(gov),
		pipeline.WithEngineLogger(logger),
	)

	gate.Start(rootCtx)
	defer gate.Stop()

	server := api.NewServer(cfg,
		api.WithWorkflows(engine),
		api.WithApprovals(gate),
		api.WithPlans(plans),
		api.WithJournal(jrnl),
		api.WithSessions(api.NewRedisSessionTracker(rdb, cfg)),
		api.WithServerLogger(logger),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("aard started", map[string]interface{}{
		"version":  aard.Version,
		"commit":   aard.GitCommit,
		"built":    aard.BuildDate,
		"port":     cfg.HTTP.Port,
		"dev_mode": cfg.DevMode,
	})

	select {
	case <-rootCtx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			logger.Error("API server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	// Stop the intake first, then drain in-flight workflows.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Warn("Engine drain error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("aard stopped", nil)
}
