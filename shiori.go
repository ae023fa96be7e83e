// Package shiori is the public entry point for running the Shiori context
// server: source extraction, LLM context generation and context trees behind
// an HTTP API and an MCP endpoint.
//
//	app, err := shiori.New(
//	    shiori.WithVersion(version),
//	    shiori.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
package shiori

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/shiori/internal/auth"
	"github.com/ashita-ai/shiori/internal/config"
	"github.com/ashita-ai/shiori/internal/llm"
	"github.com/ashita-ai/shiori/internal/mcp"
	"github.com/ashita-ai/shiori/internal/model"
	"github.com/ashita-ai/shiori/internal/pipeline"
	"github.com/ashita-ai/shiori/internal/progress"
	"github.com/ashita-ai/shiori/internal/ratelimit"
	"github.com/ashita-ai/shiori/internal/server"
	"github.com/ashita-ai/shiori/internal/source"
	"github.com/ashita-ai/shiori/internal/source/configapi"
	"github.com/ashita-ai/shiori/internal/source/wiki"
	"github.com/ashita-ai/shiori/internal/source/workspace"
	"github.com/ashita-ai/shiori/internal/storage"
	"github.com/ashita-ai/shiori/internal/storage/sqlite"
	"github.com/ashita-ai/shiori/internal/telemetry"
	"github.com/ashita-ai/shiori/internal/tools"
	"github.com/ashita-ai/shiori/migrations"
)

const (
	shutdownHTTPTimeout = 10 * time.Second
	shutdownRunsTimeout = 30 * time.Second
)

// runStore is what the App needs from either store backend.
type runStore interface {
	pipeline.Store
	server.Pinger
}

// App is the Shiori server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	pipeline     *pipeline.Service
	srv          *server.Server
	relay        *progress.Relay // nil without a notify connection
	limiter      ratelimit.Limiter
	closeStore   func()
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration, opens the run store, wires all subsystems and
// returns a ready-to-run App. It does not accept connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("shiori starting", "version", version, "port", cfg.Port)
	ctx := context.Background()

	// Undo what was set up so far when a later step fails.
	var undo []func()
	fail := func(err error) (*App, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return nil, err
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	undo = append(undo, func() { _ = otelShutdown(context.Background()) })

	store, pg, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	undo = append(undo, closeStore)

	hub := progress.NewHub(store)
	recorder := progress.NewRecorder(store, hub, logger)
	var relay *progress.Relay
	if pg != nil && pg.HasNotifyConn() {
		origin := uuid.NewString()
		recorder.WithNotifier(pg, origin)
		relay = progress.NewRelay(pg, storage.ChannelProgress, storage.DecodeProgressNotice, store, hub, origin, logger)
	} else {
		logger.Info("progress relay: disabled (no notify connection)")
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}

	router, err := newLLMRouter(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}

	client := source.NewClient(
		source.WithHTTPClient(&http.Client{Timeout: cfg.SourceHTTPTimeout}),
		source.WithMaxRetries(cfg.SourceMaxRetries),
		source.WithLogger(logger),
	)
	modules, err := source.NewRegistry(workspace.New(client), wiki.New(client), configapi.New(client))
	if err != nil {
		return fail(fmt.Errorf("source modules: %w", err))
	}

	svc := pipeline.New(store, modules, router, hub, recorder, pipeline.Config{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		ExtractTimeout:    cfg.ExtractTimeout,
		GenerateTimeout:   cfg.GenerateTimeout,
		TreeTimeout:       cfg.TreeTimeout,
		MaxTreeInputs:     cfg.MaxTreeInputs,
	}, logger)

	if cfg.RecoverInterrupted {
		if _, err := svc.RecoverInterrupted(ctx); err != nil {
			return fail(err)
		}
	}

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		return fail(fmt.Errorf("tools: %w", err))
	}
	registry.Seal()
	mcpSrv := mcp.New(registry, svc, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Pipeline:            svc,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Store:               store,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		pipeline:     svc,
		srv:          srv,
		relay:        relay,
		limiter:      limiter,
		closeStore:   closeStore,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore opens the embedded store for sqlite: URLs and Postgres otherwise.
// pg is nil for the embedded store.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (runStore, *storage.DB, func(), error) {
	if cfg.UsesSQLite() {
		s, err := sqlite.Open(ctx, cfg.SQLitePath(), logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("storage: embedded sqlite", "path", cfg.SQLitePath())
		return s, nil, func() { _ = s.Close() }, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(context.Background())
		return nil, nil, nil, fmt.Errorf("migrations: %w", err)
	}
	db.RegisterPoolMetrics()
	return db, db, func() { db.Close(context.Background()) }, nil
}

// newLLMRouter registers every provider the configuration allows. Ollama
// needs no credentials, so it is always available; Gemini needs a key.
func newLLMRouter(ctx context.Context, cfg config.Config, logger *slog.Logger) (*llm.Router, error) {
	var providers []llm.Provider
	if cfg.GeminiAPIKey != "" {
		g, err := llm.NewGemini(ctx, llm.GeminiOptions{APIKey: cfg.GeminiAPIKey})
		if err != nil {
			return nil, err
		}
		providers = append(providers, g)
	}
	if cfg.OllamaURL != "" {
		o, err := llm.NewOllama(cfg.OllamaURL, &http.Client{Timeout: cfg.GenerateTimeout})
		if err != nil {
			return nil, err
		}
		providers = append(providers, o)
	}

	temperature := float32(cfg.LLMTemperature)
	defaults := model.LLMConfig{
		Provider:        cfg.LLMProvider,
		Model:           cfg.LLMModel,
		Temperature:     &temperature,
		MaxOutputTokens: int32(cfg.LLMMaxTokens), //nolint:gosec // bounded by config validation
	}
	retry := llm.DefaultRetryConfig()
	retry.MaxRetries = cfg.LLMMaxRetries
	retry.BaseDelay = cfg.LLMRetryDelay

	router, err := llm.NewRouter(defaults, retry, logger, providers...)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	logger.Info("llm: providers ready", "providers", names, "default", cfg.LLMProvider, "model", cfg.LLMModel)
	return router, nil
}

// Run starts the progress relay and the HTTP server, then blocks until ctx is
// cancelled or the server fails. Shutdown is called on the way out.
func (a *App) Run(ctx context.Context) error {
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if a.relay != nil {
		go a.relay.Start(relayCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	stopRelay()
	return errors.Join(serveErr, a.Shutdown(context.Background()))
}

// Shutdown stops accepting HTTP requests, interrupts active runs and waits
// for them to record their terminal state, then releases the store and
// telemetry exporters.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shiori shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	var errs []error
	runsCtx, runsCancel := context.WithTimeout(ctx, shutdownRunsTimeout)
	if err := a.pipeline.Shutdown(runsCtx); err != nil {
		a.logger.Error("runs did not finish before shutdown deadline", "error", err, "active", a.pipeline.Active())
		errs = append(errs, fmt.Errorf("pipeline shutdown: %w", err))
	}
	runsCancel()

	_ = a.limiter.Close()
	a.closeStore()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("shiori stopped")
	return errors.Join(errs...)
}
