// Package app wires the chatline components together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatline/internal/ack"
	"chatline/internal/api"
	"chatline/internal/config"
	"chatline/internal/database"
	"chatline/internal/hub"
	"chatline/internal/metrics"
	"chatline/internal/presence"
	"chatline/internal/router"
	"chatline/internal/session"
	"chatline/internal/websocket"
	dbconfig "chatline/pkg/database"
)

const (
	limiterCleanupInterval = time.Minute
	limiterIdleTimeout     = 10 * time.Minute
)

// Application coordinates all system components
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	db       *database.Manager
	mirror   *presence.RedisMirror
	registry *websocket.Registry
	presence *presence.Registry
	sessions *session.Manager
	router   *router.Router
	hub      *hub.Hub
	handler  http.Handler

	httpServer *http.Server
	listener   net.Listener
	stop       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewApplication builds every component in dependency order:
// database, metrics, connections, presence, router, acks, hub, HTTP.
// Presence rows left over from a previous run are reset to offline.
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := OpenDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info("database ready", zap.String("path", cfg.Database.Path))

	m := metrics.New()
	registry := websocket.NewRegistry(logger, m)

	opts := []presence.Option{presence.WithMetrics(m)}
	var mirror *presence.RedisMirror
	if cfg.Presence.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		mirror, err = presence.NewRedisMirror(ctx, presence.RedisConfig{
			Addr:     cfg.Presence.RedisAddr,
			Password: cfg.Presence.RedisPassword,
			DB:       cfg.Presence.RedisDB,
			Prefix:   cfg.Presence.RedisPrefix,
			TTL:      cfg.Presence.RedisTTL,
		})
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect presence mirror: %w", err)
		}
		opts = append(opts, presence.WithMirror(mirror))
		logger.Info("presence mirror enabled", zap.String("redis", cfg.Presence.RedisAddr))
	}

	presenceRegistry := presence.NewRegistry(db, registry, logger, opts...)
	if err := presenceRegistry.Restore(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to restore presence: %w", err)
	}

	messageRouter := router.NewRouter(db, presenceRegistry, router.Config{
		MaxBodyLength: cfg.Delivery.MaxBodyLength,
		RatePerMinute: cfg.Delivery.RatePerMinute,
		Burst:         cfg.Delivery.Burst,
	}, logger, m)
	acks := ack.NewHandler(db, presenceRegistry, logger, m)
	sessions := session.NewManager()

	eventHub := hub.NewHub(sessions, presenceRegistry, messageRouter, acks, hub.Config{
		QueueSize:           cfg.Delivery.QueueSize,
		RedeliverOnRegister: cfg.Delivery.RedeliverOnRegister,
	}, logger, m)

	wsHandler := websocket.NewHandler(registry, eventHub, websocket.HandlerConfig{
		Options: websocket.Options{
			BufferSize:     cfg.WebSocket.BufferSize,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			ReadTimeout:    cfg.WebSocket.ReadTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		},
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Verifier:       websocket.NewTokenVerifier(cfg.Auth.JWTSecret),
	}, logger)

	apiServer := api.NewServer(api.Deps{
		Store:       db,
		Presence:    presenceRegistry,
		Reconciler:  messageRouter,
		Loop:        eventHub,
		Connections: registry,
		Metrics:     m.Handler(),
		Logger:      logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", apiServer)

	return &Application{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		db:       db,
		mirror:   mirror,
		registry: registry,
		presence: presenceRegistry,
		sessions: sessions,
		router:   messageRouter,
		hub:      eventHub,
		handler:  mux,
		httpServer: &http.Server{
			Addr:         cfg.HTTP.Addr(),
			Handler:      mux,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		stop: make(chan struct{}),
	}, nil
}

// OpenDatabase opens the store described by cfg without migrating it,
// creating the parent directory of the database file if needed.
func OpenDatabase(cfg *config.Config, logger *zap.Logger) (*database.Manager, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dbCfg := dbconfig.DefaultConfig()
	dbCfg.DatabasePath = cfg.Database.Path
	dbCfg.MaxConnections = cfg.Database.MaxConnections
	dbCfg.WriteTimeout = cfg.Database.Timeout

	db, err := database.NewManager(dbCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	return db, nil
}

// Handler is the root HTTP handler: /ws plus the API routes.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Hub exposes the event loop.
func (app *Application) Hub() *hub.Hub {
	return app.hub
}

// Start runs the event loop and begins serving HTTP. It returns once the
// listener is bound. Cancelling ctx does not stop the loop; Stop does, after
// the remaining online users are marked offline.
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start event hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = ln

	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	go app.cleanupLimiter(ctx)
	if app.mirror != nil {
		app.wg.Add(1)
		go app.refreshMirror(app.mirror.TTL() / 3)
	}

	app.logger.Info("chatline started", zap.String("addr", ln.Addr().String()))
	return nil
}

func (app *Application) cleanupLimiter(ctx context.Context) {
	defer app.wg.Done()
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := app.router.Limiter().Cleanup(limiterIdleTimeout); n > 0 {
				app.logger.Debug("rate limiter entries expired", zap.Int("count", n))
			}
		case <-app.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// refreshMirror keeps the mirror's online keys from expiring under users who
// are still connected. It runs until Stop.
func (app *Application) refreshMirror(interval time.Duration) {
	defer app.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := app.presence.RefreshMirror(ctx)
			cancel()
			if err != nil {
				app.logger.Warn("presence mirror refresh failed", zap.Error(err))
			} else if n > 0 {
				app.logger.Debug("presence mirror refreshed", zap.Int("users", n))
			}
		case <-app.stop:
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP, connections, hub,
// mirror, database. Users still online are marked offline first so the
// stored state and the mirror do not claim live connections.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down chatline")
	app.stopOnce.Do(func() { close(app.stop) })

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}
	// Background tickers must be gone before the offline pass, or a late
	// mirror refresh could rewrite a user as online.
	app.wg.Wait()

	app.markAllOffline(ctx)

	app.registry.CloseAll()
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		app.logger.Warn("event hub shutdown error", zap.Error(err))
	}
	app.sessions.CloseAll()

	if app.mirror != nil {
		if err := app.mirror.Close(); err != nil {
			app.logger.Warn("presence mirror close error", zap.Error(err))
		}
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn("database shutdown error", zap.Error(err))
	}

	app.logger.Info("chatline shutdown complete")
	return nil
}

// markAllOffline clears every live presence entry. It runs on the loop when
// the loop is up, and directly otherwise since nothing else is handling events.
func (app *Application) markAllOffline(ctx context.Context) {
	pass := func(ctx context.Context) {
		for _, userID := range app.presence.Online() {
			if conn, ok := app.presence.Connection(userID); ok {
				app.presence.MarkOffline(ctx, conn)
			}
		}
	}

	if app.hub.Running() {
		err := app.hub.Do(ctx, pass)
		if err == nil {
			return
		}
		if !errors.Is(err, hub.ErrHubNotRunning) {
			app.logger.Warn("failed to mark users offline", zap.Error(err))
			return
		}
	}
	pass(ctx)
}

// Addr returns the bound listen address, or the configured one before Start.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
