// Package main is the entry point for the orchestrator-core service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/checkpoint"
	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/collaborators/reference"
	"github.com/flowforge/orchestrator-core/internal/common/config"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"github.com/flowforge/orchestrator-core/internal/common/storage"
	"github.com/flowforge/orchestrator-core/internal/common/tracing"
	"github.com/flowforge/orchestrator-core/internal/contextwindow"
	"github.com/flowforge/orchestrator-core/internal/orchestrator"
	"github.com/flowforge/orchestrator-core/internal/orchestrator/api"
	"github.com/flowforge/orchestrator-core/internal/orchestrator/mcpserver"
	"github.com/flowforge/orchestrator-core/internal/orchestrator/streaming"
	"github.com/flowforge/orchestrator-core/internal/pool"
	"github.com/flowforge/orchestrator-core/internal/recovery"
	"github.com/flowforge/orchestrator-core/internal/router"
	"github.com/flowforge/orchestrator-core/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestrator-core service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, "orchestrator-core")
	if err != nil {
		log.Fatal("failed to set up tracing", zap.Error(err))
	}

	storageAdapter, closeStorage, err := newStorageAdapter(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer closeStorage()

	runtime, err := newRuntime(cfg.Docker, log)
	if err != nil {
		log.Fatal("failed to initialize agent runtime", zap.Error(err))
	}

	transport, closeTransport, err := newTransport(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to initialize router transport", zap.Error(err))
	}
	defer closeTransport()

	metrics := orchestrator.NewMetrics()
	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	orch := orchestrator.New(toOrchestratorConfig(cfg), orchestrator.Dependencies{
		Runtime:   runtime,
		Locks:     reference.NewMemoryFileLockService(),
		Roles:     reference.NewStaticRoleRegistry(),
		Settings:  reference.NewStaticProviderSettings(),
		PSM:       reference.NewStaticProviderSettings(),
		Storage:   storageAdapter,
		Artifacts: reference.NewMemoryArtifactStore(),
		Transport: transport,
		Events:    api.NewHubEventSink(hub, metrics),
		Logger:    log,
	})
	defer orch.Dispose()

	go sampleMetrics(ctx, metrics, orch)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := api.NewRouter(orch, metrics, hub, log)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	mcpSrv, stopMCP, err := mcpserver.Provide(ctx, mcpserver.DefaultConfig(), orch, log)
	if err != nil {
		log.Fatal("failed to start mcp server", zap.Error(err))
	}
	log.Info("mcp server listening",
		zap.String("sse", mcpSrv.SSEEndpoint()),
		zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator-core service")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := stopMCP(); err != nil {
		log.Error("mcp server shutdown error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracing shutdown error", zap.Error(err))
	}

	log.Info("orchestrator-core service stopped")
}

func newStorageAdapter(ctx context.Context, cfg config.DatabaseConfig) (collaborators.StorageAdapter, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	case "sqlite":
		sl, err := storage.NewSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return sl, func() { _ = sl.Close() }, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

func newRuntime(cfg config.DockerConfig, log *logger.Logger) (collaborators.ProcessRuntime, error) {
	if !cfg.Enabled {
		return reference.NewInProcessRuntime(log), nil
	}
	return reference.NewDockerRuntime(reference.DockerRuntimeConfig{
		Host:        cfg.Host,
		APIVersion:  cfg.APIVersion,
		Image:       cfg.Image,
		NetworkMode: cfg.NetworkMode,
		MemoryBytes: cfg.MemoryMB * 1024 * 1024,
		CPUQuota:    cfg.CPUQuota,
	}, log)
}

// newTransport returns a NATS-backed Transport when NATSConfig.URL is set,
// otherwise nil so Dependencies.Transport falls back to the in-process
// RuntimeTransport built from the selected ProcessRuntime.
func newTransport(cfg config.NATSConfig, log *logger.Logger) (router.Transport, func(), error) {
	if cfg.URL == "" {
		return nil, func() {}, nil
	}

	t, err := router.NewNATSTransport(router.NATSTransportConfig{
		URL:           cfg.URL,
		ClientID:      cfg.ClientID,
		MaxReconnects: cfg.MaxReconnects,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return t, t.Close, nil
}

func toOrchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.Config{}
	oc.Workflow.PersistenceEnabled = cfg.Workflow.PersistenceEnabled

	oc.Pool = pool.Config{MaxConcurrentAgents: cfg.Pool.MaxConcurrentAgents}
	oc.Health = pool.DefaultHealthConfig()
	oc.Health.CheckInterval = time.Duration(cfg.Pool.CheckIntervalMs) * time.Millisecond
	oc.Health.PingTimeout = time.Duration(cfg.Pool.PingTimeoutMs) * time.Millisecond
	oc.Health.FailureThreshold = cfg.Pool.FailureThreshold
	oc.Health.RecoveryThreshold = cfg.Pool.RecoveryThreshold
	oc.Health.UnresponsiveThreshold = time.Duration(cfg.Pool.UnresponsiveThresholdMs) * time.Millisecond
	oc.Health.AutoRestart = cfg.Pool.AutoRestart
	oc.Health.MaxRestartAttempts = cfg.Pool.MaxRestartAttempts
	oc.Health.RestartCooldown = time.Duration(cfg.Pool.RestartCooldownMs) * time.Millisecond

	oc.Router = router.Config{
		MaxQueueSize:            cfg.Router.MaxQueueSize,
		QueueProcessingInterval: time.Duration(cfg.Router.QueueProcessingIntervalMs) * time.Millisecond,
		MaxRetryCount:           cfg.Router.MaxRetryCount,
		DefaultRequestTimeout:   time.Duration(cfg.Router.DefaultRequestTimeoutMs) * time.Millisecond,
		MaxIPCMessageSize:       cfg.Router.MaxIPCMessageSize,
		MessageLogSize:          cfg.Router.MessageLogSize,
	}

	oc.Recovery = recovery.Config{
		Enabled:                   cfg.Recovery.Enabled,
		EnableFallbacks:           cfg.Recovery.EnableFallbacks,
		EnableGracefulDegradation: cfg.Recovery.EnableGracefulDegradation,
		FailureThreshold:          cfg.Recovery.FailureThreshold,
		FailureWindow:             time.Duration(cfg.Recovery.FailureWindowMs) * time.Millisecond,
		ResetTimeout:              time.Duration(cfg.Recovery.ResetTimeoutMs) * time.Millisecond,
		SuccessThreshold:          cfg.Recovery.SuccessThreshold,
	}

	oc.Checkpoint = checkpoint.Config{MaxCheckpointsPerSession: cfg.Checkpoint.MaxCheckpointsPerSession}
	states := make([]workflow.State, 0, len(cfg.Checkpoint.AutoCheckpointStates))
	for _, s := range cfg.Checkpoint.AutoCheckpointStates {
		states = append(states, workflow.State(s))
	}
	oc.Bridge = checkpoint.BridgeConfig{
		AutoCheckpoint:       cfg.Checkpoint.AutoCheckpoint,
		AutoCheckpointStates: states,
	}

	oc.ContextWindow.MaxTokens = cfg.ContextMonitor.MaxTokens
	oc.ContextWindow.Thresholds = contextwindow.Thresholds{
		Warning:  cfg.ContextMonitor.WarningThreshold,
		High:     cfg.ContextMonitor.HighThreshold,
		Critical: cfg.ContextMonitor.CriticalThreshold,
	}

	return oc
}

func sampleMetrics(ctx context.Context, metrics *orchestrator.Metrics, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.Observe(orch)
		}
	}
}
