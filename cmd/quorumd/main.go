// Quorumd is a multi-agent workflow orchestration daemon.
//
// This binary starts the quorumd HTTP server with full service
// initialization: persistent checkpoint and artifact stores, the persona
// registry and round coordinator, optional GitHub feedback polling, and
// optional NATS run event publishing.
//
// Configuration is loaded from ~/.config/quorumd/config.yaml and
// overridden by QUORUMD_* environment variables. See internal/config for
// details.
//
// Usage:
//
//	# Start the daemon with defaults (filesystem storage, no GitHub)
//	quorumd
//
//	# Start with an explicit config file
//	quorumd -config /etc/quorumd/config.yaml
//
//	# Configure via environment
//	QUORUMD_SERVER_PORT=9090 QUORUMD_STORAGE_BACKEND=redis quorumd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/agent"
	"github.com/fyrsmithlabs/quorumd/internal/artifact"
	"github.com/fyrsmithlabs/quorumd/internal/checkpoint"
	"github.com/fyrsmithlabs/quorumd/internal/config"
	"github.com/fyrsmithlabs/quorumd/internal/conflict"
	"github.com/fyrsmithlabs/quorumd/internal/engine"
	"github.com/fyrsmithlabs/quorumd/internal/events"
	"github.com/fyrsmithlabs/quorumd/internal/feedback"
	"github.com/fyrsmithlabs/quorumd/internal/github"
	httpapi "github.com/fyrsmithlabs/quorumd/internal/http"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/round"
	"github.com/fyrsmithlabs/quorumd/internal/router"
	"github.com/fyrsmithlabs/quorumd/internal/storage"
	"github.com/fyrsmithlabs/quorumd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/quorumd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  quorumd           Start the quorumd daemon\n")
			fmt.Fprintf(os.Stderr, "  quorumd version   Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("quorumd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the quorumd server and blocks until context is cancelled.
//
// This function initializes all dependencies and services:
//  1. Loads and validates configuration
//  2. Initializes telemetry and the structured logger
//  3. Opens the storage backend and the checkpoint/artifact stores
//  4. Connects optional infrastructure (GitHub, NATS)
//  5. Wires the persona registry, round coordinator and engine
//  6. Starts the feedback loop and the paused-run repoller
//  7. Starts the HTTP server
//  8. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	// Load configuration (validated during load)
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize telemetry before the logger so log records can be
	// bridged to the OTLP exporter.
	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.Shutdown.Timeout)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	// Initialize logger
	logger, err := logging.NewLogger(&cfg.Log, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "Starting quorumd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("github_enabled", cfg.GitHub.Enabled),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	// Initialize infrastructure dependencies
	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info(ctx, "Dependencies initialized",
		zap.Bool("github_connected", deps.gh != nil),
		zap.Bool("events_connected", deps.events.Enabled()))

	// Initialize the engine and its collaborators
	services, err := initServices(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer services.Close()

	logger.Info(ctx, "Services initialized",
		zap.Int("personas", len(cfg.Agents.Personas)),
		zap.Bool("feedback_loop", services.loop != nil))

	// Start the feedback loop (GitHub polling) when configured
	if services.loop != nil {
		if err := services.loop.Start(ctx); err != nil {
			return fmt.Errorf("failed to start feedback loop: %w", err)
		}
	}

	// Re-drive paused runs on an interval so external changes (CI
	// results, resolved review threads) unblock them without a manual
	// resume.
	go repollPaused(ctx, services.engine, cfg.Engine.PollInterval.Duration(), logger)

	// Watch the config file so persona and precedence edits apply
	// without a restart. Watch failures degrade to static config.
	if watcher := startConfigWatcher(ctx, configPath, logger); watcher != nil {
		defer watcher.Stop()
		go applyReloads(ctx, watcher, services, logger)
	}

	// Create HTTP server
	srv, err := httpapi.NewServer(services.engine, logger, &httpapi.Config{
		Host: "",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/healthz", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	// Start server and block until context cancellation
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	backend     storage.Backend
	checkpoints *checkpoint.Store
	artifacts   *artifact.Store
	gh          github.Client
	events      *events.Publisher
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.events != nil {
		d.events.Close()
	}
	if d.backend != nil {
		_ = d.backend.Close()
	}
}

// services holds the engine and its background loops. The registry and
// resolver are kept for config hot-reload.
type services struct {
	engine   *engine.Engine
	loop     *feedback.Loop
	registry *agent.Registry
	resolver *conflict.Resolver
}

// Close stops background work. The engine drains in-flight drives; runs
// stay resumable from their checkpoints.
func (s *services) Close() {
	if s.loop != nil {
		s.loop.Stop()
	}
	if s.engine != nil {
		s.engine.Close()
	}
}

// initDependencies initializes all infrastructure dependencies.
//
// This function:
//  1. Opens the configured storage backend
//  2. Creates the checkpoint and artifact stores on top of it
//  3. Connects to GitHub when the feedback loop is enabled
//  4. Connects to NATS when run event publishing is enabled
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*dependencies, error) {
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	checkpoints, err := checkpoint.NewStore(backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	artifacts, err := artifact.NewStore(backend)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}

	var gh github.Client
	if cfg.GitHub.Enabled {
		client, err := github.NewClient(ctx, cfg.GitHub.Token, github.DefaultRetryConfig(), logger)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("failed to create github client: %w", err)
		}
		gh = client
		logger.Info(ctx, "GitHub client initialized",
			zap.String("owner", cfg.GitHub.Owner),
			zap.String("repo", cfg.GitHub.Repo),
			zap.Duration("poll_interval", cfg.GitHub.PollInterval.Duration()))
	}

	publisher, err := events.Connect(cfg.Events, logger)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	if publisher.Enabled() {
		logger.Info(ctx, "Event publisher connected",
			zap.String("url", cfg.Events.URL),
			zap.String("subject_prefix", cfg.Events.SubjectPrefix))
	}

	return &dependencies{
		backend:     backend,
		checkpoints: checkpoints,
		artifacts:   artifacts,
		gh:          gh,
		events:      publisher,
	}, nil
}

// newBackend opens the storage backend named in the config.
func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "redis":
		return storage.NewRedis(ctx, &redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password.Value(),
			DB:       cfg.Storage.Redis.DB,
		}, cfg.Storage.Redis.Namespace)
	case "memory":
		return storage.NewMemory(), nil
	default:
		return storage.NewFS(cfg.Storage.FS.Root)
	}
}

// initServices wires the persona registry, executor, round coordinator,
// conflict resolver and engine, plus the feedback loop when GitHub is
// enabled.
func initServices(cfg *config.Config, deps *dependencies, logger *logging.Logger) (*services, error) {
	registry, err := agent.NewRegistry(cfg.Agents.Personas)
	if err != nil {
		return nil, fmt.Errorf("failed to build persona registry: %w", err)
	}

	local, err := newCaller("local", cfg.Agents.LocalCommand)
	if err != nil {
		return nil, err
	}
	remote, err := newCaller("remote", cfg.Agents.RemoteCommand)
	if err != nil {
		return nil, err
	}

	limits := router.Limits{
		DiffLines:      cfg.Router.DiffLineLimit,
		Files:          cfg.Router.FileLimit,
		RetryThreshold: cfg.Router.RetryThreshold,
	}

	executor, err := agent.NewExecutor(agent.ExecutorConfig{
		Limits:      limits,
		CallTimeout: cfg.Engine.AgentTimeout.Duration(),
		MaxRetries:  cfg.Engine.AgentRetries,
	}, agent.Backends{Local: local, Remote: remote}, deps.artifacts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	coordinator, err := round.NewCoordinator(round.Config{
		Timeout: cfg.Engine.RoundTimeout.Duration(),
	}, executor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create round coordinator: %w", err)
	}

	resolver, err := conflict.NewResolver(conflict.ListPrecedence(cfg.Agents.Precedence))
	if err != nil {
		return nil, fmt.Errorf("failed to create conflict resolver: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Limits:      limits,
		GitHubOwner: cfg.GitHub.Owner,
		GitHubRepo:  cfg.GitHub.Repo,
		BaseBranch:  cfg.GitHub.BaseBranch,
		BotLogin:    cfg.GitHub.BotLogin,
	}, engine.Deps{
		Registry:    registry,
		Coordinator: coordinator,
		Checkpoints: deps.checkpoints,
		Artifacts:   deps.artifacts,
		Resolver:    resolver,
		GitHub:      deps.gh,
		Events:      deps.events,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	var loop *feedback.Loop
	if deps.gh != nil {
		loop, err = feedback.NewLoop(eng, deps.gh, feedback.Config{
			PollInterval: cfg.GitHub.PollInterval.Duration(),
			BotLogin:     cfg.GitHub.BotLogin,
		}, logger)
		if err != nil {
			eng.Close()
			return nil, fmt.Errorf("failed to create feedback loop: %w", err)
		}
	}

	return &services{engine: eng, loop: loop, registry: registry, resolver: resolver}, nil
}

// newCaller builds the exec-backed caller for one backend tier. Tiers
// with no command configured get a caller that fails as unavailable, so
// routing decisions surface as agent errors instead of nil dereferences.
func newCaller(backend string, argv []string) (agent.Caller, error) {
	if len(argv) == 0 {
		return agent.Unconfigured(backend), nil
	}
	caller, err := agent.NewExecCaller(backend, argv)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s caller: %w", backend, err)
	}
	return caller, nil
}

// startConfigWatcher begins watching the config file. Returns nil when
// the watcher cannot start; the daemon keeps its loaded config.
func startConfigWatcher(ctx context.Context, configPath string, logger *logging.Logger) *config.Watcher {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			logger.Warn(ctx, "config watcher disabled", zap.Error(err))
			return nil
		}
	}
	watcher, err := config.NewWatcher(path)
	if err != nil {
		logger.Warn(ctx, "config watcher disabled", zap.Error(err))
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Warn(ctx, "config watcher disabled", zap.Error(err))
		watcher.Stop()
		return nil
	}
	logger.Info(ctx, "watching config file", zap.String("path", path))
	return watcher
}

// applyReloads applies reloaded configs to the live persona registry
// and precedence order. Other config sections need a restart.
func applyReloads(ctx context.Context, watcher *config.Watcher, svcs *services, logger *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-watcher.Reloads():
			if !ok {
				return
			}
			if err := svcs.registry.Reload(cfg.Agents.Personas); err != nil {
				logger.Warn(ctx, "persona reload rejected", zap.Error(err))
				continue
			}
			if err := svcs.resolver.Reload(conflict.ListPrecedence(cfg.Agents.Precedence)); err != nil {
				logger.Warn(ctx, "precedence reload rejected", zap.Error(err))
				continue
			}
			logger.Info(ctx, "personas reloaded",
				zap.Strings("personas", svcs.registry.Names()),
				zap.Strings("precedence", cfg.Agents.Precedence))
		}
	}
}

// repollPaused re-checks paused runs on a fixed interval.
func repollPaused(ctx context.Context, eng *engine.Engine, interval time.Duration, logger *logging.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eng.PollPaused(ctx); err != nil {
				logger.Warn(ctx, "paused-run poll failed", zap.Error(err))
			}
		}
	}
}
