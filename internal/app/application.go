package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tanyarelay/internal/api"
	"tanyarelay/internal/config"
	"tanyarelay/internal/database"
	"tanyarelay/internal/hub"
	"tanyarelay/internal/intake"
	"tanyarelay/internal/logging"
	"tanyarelay/internal/router"
	"tanyarelay/internal/websocket"
	pkgdatabase "tanyarelay/pkg/database"
)

const rateLimitCleanupInterval = time.Minute

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	registry   *websocket.Registry
	router     *router.Router
	hub        *hub.Hub
	intake     *intake.Service
	apiServer  *api.Server
	mux        *http.ServeMux
	httpServer *http.Server

	stopOnce sync.Once
	cancel   context.CancelFunc
	log      zerolog.Logger
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Logging → Database → Registry → Hub → Router → Intake → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 0: Logging first so every component captures the configured logger
	if err := logging.Configure(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	logger := logging.For("app")

	// STEP 1: Initialize database manager (foundation layer)
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	if !dbConfig.InMemory() {
		dbConfig.MaxConnections = 10
		dbConfig.ConnMaxLifetime = cfg.Database.Timeout
		dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3
	}

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	if err := pkgdatabase.NewMigrationManager(dbManager.GetDB()).ApplyMigrations(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info().Bool("in_memory", dbConfig.InMemory()).Msg("database migrations applied")

	// STEP 2: Connection registry shared by handler, router, hub and health
	registry := websocket.NewRegistry()

	// STEP 3: Hub serialises status and notification broadcasts
	statusHub := hub.NewHub(registry, 0)

	// STEP 4: Router interprets envelopes and drives the hub
	messageRouter := router.NewRouter(registry, dbManager, statusHub, router.Config{
		DoctorLabel:       cfg.Relay.DoctorLabel,
		AckForwarded:      cfg.Relay.AckForwarded,
		AckStored:         cfg.Relay.AckStored,
		MessagesPerMinute: cfg.Relay.MessagesPerMinute,
	})

	// STEP 5: Fallback intake notifies doctors through the same hub
	intakeService := intake.NewService(dbManager, statusHub)

	// STEP 6: REST surface
	apiServer := api.NewServer(intakeService, dbManager, registry, statusHub)

	// STEP 7: WebSocket handler hands frames to the router
	wsHandler := websocket.NewHandler(registry, messageRouter, websocket.HandlerConfig{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})

	// STEP 8: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc(cfg.WebSocket.Path, wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:     cfg,
		dbManager:  dbManager,
		registry:   registry,
		router:     messageRouter,
		hub:        statusHub,
		intake:     intakeService,
		apiServer:  apiServer,
		mux:        mux,
		httpServer: httpServer,
		log:        logger,
	}, nil
}

// Start begins application execution
// Hub starts first to handle broadcasts, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.log.Info().Str("addr", app.httpServer.Addr).Str("ws_path", app.config.WebSocket.Path).Msg("starting tanyarelay")

	// STEP 1: background components
	if err := app.StartBackground(ctx); err != nil {
		return err
	}

	// STEP 2: Start HTTP server (accepts connections)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Verify server is ready before returning
	select {
	case err := <-serverErrCh:
		app.stopBackground()
		return err
	case <-time.After(100 * time.Millisecond):
		app.log.Info().Msg("tanyarelay started")
		return nil
	case <-ctx.Done():
		app.stopBackground()
		return ctx.Err()
	}
}

// StartBackground runs the hub and the rate limiter janitor. Start calls it;
// callers serving Handler() themselves call it directly.
func (app *Application) StartBackground(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	if err := app.hub.Start(bgCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start status hub: %w", err)
	}
	app.cancel = cancel

	go func() {
		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				app.router.CleanupRateLimits()
			case <-bgCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (app *Application) stopBackground() {
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.log.Warn().Err(err).Msg("status hub shutdown error")
	}
	if app.cancel != nil {
		app.cancel()
	}
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Database
func (app *Application) Stop(ctx context.Context) error {
	var stopErr error
	app.stopOnce.Do(func() {
		app.log.Info().Msg("shutting down tanyarelay")

		// STEP 1: Stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.log.Warn().Err(err).Msg("HTTP server shutdown error")
			stopErr = err
		}

		// STEP 1.5: hijacked websockets survive Shutdown; close them explicitly
		for _, conn := range app.registry.Connections() {
			_ = conn.Close()
		}

		// STEP 2: Stop broadcast processing
		app.stopBackground()

		// STEP 3: Close database connections
		if err := app.dbManager.Close(); err != nil {
			app.log.Warn().Err(err).Msg("database shutdown error")
			stopErr = err
		}

		app.log.Info().Msg("tanyarelay shutdown complete")
	})
	return stopErr
}

// Handler returns the routed mux, for embedding or tests.
func (app *Application) Handler() http.Handler {
	return app.mux
}

// GetAddr returns the server address for external connections
func (app *Application) GetAddr() string {
	return app.httpServer.Addr
}
