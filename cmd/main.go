// AiMesh Engine Daemon
//
// Standalone dispatch engine for AI inference endpoints: HTTP data plane,
// operational gRPC plane, and Prometheus exposition in one process.
//
// Usage:
//
//	go run ./cmd/main.go                          # Defaults (:8080 HTTP, :9090 gRPC)
//	go run ./cmd/main.go -config aimesh.toml      # TOML config
//	go run ./cmd/main.go -seed-demo               # Register demo endpoints
//	go build -o aimeshd ./cmd && ./aimeshd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/YASSERRMD/AiMesh/engine/admission"
	"github.com/YASSERRMD/AiMesh/engine/config"
	"github.com/YASSERRMD/AiMesh/engine/dedup"
	"github.com/YASSERRMD/AiMesh/engine/dispatcher"
	"github.com/YASSERRMD/AiMesh/engine/gateway"
	enginegrpc "github.com/YASSERRMD/AiMesh/engine/grpc"
	"github.com/YASSERRMD/AiMesh/engine/journal"
	"github.com/YASSERRMD/AiMesh/engine/kvstore"
	"github.com/YASSERRMD/AiMesh/engine/ledger"
	"github.com/YASSERRMD/AiMesh/engine/observability"
	"github.com/YASSERRMD/AiMesh/engine/orchestrator"
	"github.com/YASSERRMD/AiMesh/engine/protocol"
	"github.com/YASSERRMD/AiMesh/engine/providers"
	"github.com/YASSERRMD/AiMesh/engine/registry"
	"github.com/YASSERRMD/AiMesh/engine/scheduler"
	"github.com/YASSERRMD/AiMesh/eventbus"
)

// stdLogger implements the per-package Logger interfaces using standard
// library log, gated by a minimum level.
type stdLogger struct {
	level int
}

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

func newStdLogger(level string) *stdLogger {
	l := levelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = levelDebug
	case "warn":
		l = levelWarn
	case "error":
		l = levelError
	}
	return &stdLogger{level: l}
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) {
	if l.level <= levelDebug {
		log.Printf("[DEBUG] %s %v", msg, keysAndValues)
	}
}

func (l *stdLogger) Info(msg string, keysAndValues ...any) {
	if l.level <= levelInfo {
		log.Printf("[INFO] %s %v", msg, keysAndValues)
	}
}

func (l *stdLogger) Warn(msg string, keysAndValues ...any) {
	if l.level <= levelWarn {
		log.Printf("[WARN] %s %v", msg, keysAndValues)
	}
}

func (l *stdLogger) Error(msg string, keysAndValues ...any) {
	log.Printf("[ERROR] %s %v", msg, keysAndValues)
}

func main() {
	configPath := flag.String("config", "aimesh.toml", "TOML config path")
	httpAddr := flag.String("http", "", "HTTP bind address (overrides config)")
	grpcAddr := flag.String("grpc", "", "gRPC bind address (overrides config)")
	seedDemo := flag.Bool("seed-demo", false, "register demo endpoints and a demo agent budget")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *grpcAddr != "" {
		cfg.Server.GRPCAddr = *grpcAddr
	}
	config.Set(cfg)

	logger := newStdLogger(cfg.Log.Level)
	logger.Info("aimesh_starting",
		"version", "1.0.0",
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	ctx := context.Background()

	// Tracing is optional; an empty endpoint means no exporter.
	shutdownTracer := func(context.Context) error { return nil }
	if cfg.Server.OTLPEndpoint != "" {
		shutdownTracer, err = observability.InitTracer(ctx, "aimesh-engine", cfg.Server.OTLPEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		logger.Info("tracing_initialized", "otlp_endpoint", cfg.Server.OTLPEndpoint)
	}

	// ===== Engine assembly =====

	bus := eventbus.NewInMemoryBus(5 * time.Second)
	bus.AddMiddleware(eventbus.NewLoggingMiddleware())

	kv := kvstore.NewMemoryStore()
	cache := dedup.New(
		time.Duration(cfg.Dedup.TTLSecs)*time.Second,
		cfg.Dedup.MaxEntries,
		kv,
		logger,
	)
	stopSweeper := cache.StartSweeper(time.Duration(cfg.Dedup.SweepIntervalSecs) * time.Second)

	reg := registry.New(cfg.Registry.FailureThreshold,
		time.Duration(cfg.Registry.CooldownSecs)*time.Second, logger)
	led := ledger.New(cfg.Engine.DefaultBudgetTokens, logger)
	adm := admission.NewController(admission.Config{
		RequestsPerSecond: cfg.Admission.RequestsPerSecond,
		BurstCapacity:     cfg.Admission.BurstCapacity,
		WindowSecs:        int(cfg.Admission.WindowSecs),
		GlobalMultiplier:  float64(cfg.Admission.GlobalMultiplier),
		TenancyEnabled:    cfg.Admission.TenancyEnabled,
	}, logger)
	sched := scheduler.New(cfg.Engine.QueueCapacity, cfg.ResolveWorkers(), logger)
	orch := orchestrator.New(bus, logger)

	mux := providers.NewMux()
	mux.SetFallback(providers.NewLocalExecutor())

	disp := dispatcher.New(dispatcher.Deps{
		Registry:  reg,
		Ledger:    led,
		Cache:     cache,
		Admission: adm,
		Scheduler: sched,
		Graphs:    orch,
		Executor:  mux,
		Bus:       bus,
		Logger:    logger,
	})
	orch.SetPromoter(disp.Promote)

	if err := disp.Start(ctx); err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}
	logger.Info("engine_assembled", "workers", cfg.ResolveWorkers())

	// Graph maintenance: fail messages stranded behind never-submitted
	// dependencies, then drop sealed graphs past retention.
	stopGraphSweep := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				orch.ResolveAbandoned(ctx, 5*time.Minute)
				orch.CleanupStale(time.Hour)
			case <-stopGraphSweep:
				return
			}
		}
	}()

	// ===== Journal =====

	var jnl *journal.Journal
	unsubJournal := func() {}
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			log.Fatalf("Failed to open journal: %v", err)
		}
		unsubJournal = jnl.SubscribeTo(bus)
		logger.Info("journal_opened", "path", cfg.Journal.Path)
	}

	// ===== Stats =====

	stats := observability.NewStatsCollector()
	stats.Register("registry", reg)
	stats.Register("ledger", led)
	stats.Register("dedup", cache)
	stats.Register("admission", adm)
	stats.Register("scheduler", sched)
	stats.Register("dispatcher", disp)
	stats.Register("orchestrator", orch)
	if err := stats.RegisterHandler(bus); err != nil {
		log.Fatalf("Failed to register stats handler: %v", err)
	}

	// ===== Demo seeding =====

	if *seedDemo {
		seed(reg, led, mux, logger)
	}

	// ===== Servers =====

	gw := gateway.New(gateway.Config{
		Addr:           cfg.Server.HTTPAddr,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
	}, disp, reg, led, orch, logger)
	gwErrCh := gw.StartBackground()

	ops := enginegrpc.NewGracefulServer(cfg.Server.GRPCAddr, logger)
	opsErrCh, err := ops.StartBackground()
	if err != nil {
		log.Fatalf("Failed to start gRPC server: %v", err)
	}
	ops.SetReady(true)

	logger.Info("aimesh_ready",
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)
	fmt.Printf("\nAiMesh engine running on %s (HTTP) / %s (gRPC)\n",
		cfg.Server.HTTPAddr, cfg.Server.GRPCAddr)
	fmt.Println("Press Ctrl+C to stop")

	// ===== Shutdown =====

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal_received", "signal", sig.String())
	case err := <-gwErrCh:
		if err != nil {
			logger.Error("gateway_failed", "error", err.Error())
		}
	case err := <-opsErrCh:
		if err != nil {
			logger.Error("grpc_server_failed", "error", err.Error())
		}
	}

	grace := time.Duration(cfg.Engine.ShutdownGraceSecs) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	// Intake stops first, then in-flight work drains, then the servers close.
	ops.SetReady(false)
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway_shutdown_error", "error", err.Error())
	}
	if err := disp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("dispatcher_shutdown_error", "error", err.Error())
	}
	ops.ShutdownWithTimeout(grace)

	stopSweeper()
	close(stopGraphSweep)
	unsubJournal()
	if jnl != nil {
		if err := jnl.Close(); err != nil {
			logger.Warn("journal_close_error", "error", err.Error())
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer_shutdown_error", "error", err.Error())
	}

	logger.Info("aimesh_stopped")
}

// seed registers demo endpoints and a demo agent so a fresh install can
// dispatch immediately. The OpenAI and Anthropic adapters read their API keys
// from the environment; without keys those endpoints fail over to local echo.
func seed(reg *registry.Registry, led *ledger.Ledger, mux *providers.Mux, logger *stdLogger) {
	endpoints := []*protocol.EndpointMetrics{
		{EndpointID: "openai-gpt4", Capacity: 1000, CostPer1KTokens: 30.0, LatencyP99MS: 500, ErrorRate: 0.01},
		{EndpointID: "anthropic-claude", Capacity: 1000, CostPer1KTokens: 15.0, LatencyP99MS: 300, ErrorRate: 0.005},
		{EndpointID: "local-llama", Capacity: 100, CostPer1KTokens: 0.1, LatencyP99MS: 100, ErrorRate: 0.02},
	}
	for _, ep := range endpoints {
		reg.Register(ep)
	}

	mux.Register("openai-gpt4", providers.NewOpenAIExecutor(logger))
	mux.Register("anthropic-claude", providers.NewAnthropicExecutor(logger))
	mux.Register("local-llama", providers.NewLocalExecutor())

	led.Set("demo-agent", 10_000, 0)
	logger.Info("demo_seeded", "endpoints", len(endpoints), "agent", "demo-agent")
}
