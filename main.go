// Package main is the entry point for the IB Stream API
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/nsvirk/ibstreamapi/api/stream"
	"github.com/nsvirk/ibstreamapi/api/ws"
	"github.com/nsvirk/ibstreamapi/background"
	"github.com/nsvirk/ibstreamapi/config"
	"github.com/nsvirk/ibstreamapi/contracts"
	"github.com/nsvirk/ibstreamapi/database"
	"github.com/nsvirk/ibstreamapi/router"
	"github.com/nsvirk/ibstreamapi/services"
	"github.com/nsvirk/ibstreamapi/shared/logger"
	"github.com/nsvirk/ibstreamapi/shared/middleware"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
	"github.com/nsvirk/ibstreamapi/storage"
	"github.com/nsvirk/ibstreamapi/upstream"
	"github.com/nsvirk/ibstreamapi/upstream/ibgw"
)

// appContext is the single owning value for every component; it is
// constructed once at startup and threaded into the route table.
type appContext struct {
	cfg           *config.Config
	storage       *storage.MultiStorage
	router        *router.Router
	interactive   *upstream.Connection
	supervisor    *upstream.Supervisor
	manager       *background.Manager
	streamService *stream.Service
	wsManager     *ws.Manager
	cronService   *services.CronService
}

func main() {
	// Setup logger
	defer zaplogger.Sync()

	// startUpMessage
	zaplogger.Info(config.SingleLine)
	zaplogger.Info("IB Stream API")

	// Load configuration
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	zaplogger.SetLogLevel(cfg.LogLevel)
	zaplogger.Info("  * loaded")

	// Create a new Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Setup middleware
	middleware.Setup(e)

	// Connect to Postgres (optional)
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	// Connect Redis (optional)
	redisClient, err := database.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Database-backed event logger
	dbLogger, err := logger.New(db, "SERVICE LOGS")
	if err != nil {
		log.Fatalf("Failed to create service logger: %v", err)
	}

	app, err := buildApp(cfg, db, redisClient, dbLogger)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}

	// Setup routes
	setupRoutes(e, app)

	// Start the upstream supervisors and the background manager
	app.supervisor.Start()
	app.manager.Start()

	// Setup and start cron jobs
	app.cronService.Start()

	// Start the server, then wait for a shutdown signal
	go startServer(e, cfg)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdown(e, app)
}

// buildApp constructs every component and wires the collaborators
// explicitly; there are no package-level singletons beyond the loggers.
func buildApp(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, dbLogger *logger.Logger) (*appContext, error) {
	// Storage writers and the fan-out orchestrator
	var writers []storage.Writer
	if cfg.EnableJSON {
		writers = append(writers, storage.NewJSONWriter(cfg.StoragePath))
	}
	if cfg.EnableProtobuf {
		writers = append(writers, storage.NewProtobufWriter(cfg.StoragePath))
	}
	multi := storage.NewMultiStorage(writers...)
	if redisClient != nil {
		multi.SetPublisher(storage.NewRedisPublisher(redisClient))
	}
	if err := multi.Start(); err != nil {
		return nil, fmt.Errorf("start storage: %w", err)
	}

	// Stream router: the only path from upstream ticks to storage
	rt := router.New(multi, cfg.EnableClientStreamStorage)

	// Interactive upstream session + its supervisor
	interactive := upstream.NewConnection(ibgw.NewDriver, cfg.ClientID, rt)
	supervisor := &upstream.Supervisor{
		Name:    "interactive-session",
		Conn:    interactive,
		Host:    cfg.Host,
		Ports:   cfg.PortList(),
		Timeout: cfg.ConnectTimeout(),
		OnDown: func(failures int) {
			rt.ClientsConnectionLost()
		},
	}

	// Contract hydration with optional Postgres cache
	contractsRepo, err := contracts.NewRepository(db)
	if err != nil {
		return nil, fmt.Errorf("contract cache: %w", err)
	}
	contractsSvc := contracts.NewService(contracts.NewClient(cfg.ContractsURL), contractsRepo)

	// Background manager on its own session and client id
	trackedContracts, err := background.ParseTrackedContracts(cfg.TrackedContracts)
	if err != nil {
		return nil, fmt.Errorf("tracked contracts: %w", err)
	}
	bgSession := upstream.NewConnection(ibgw.NewDriver, cfg.ClientID+background.ClientIDOffset, rt)
	manager := background.NewManager(bgSession, rt, contractsSvc, dbLogger,
		cfg.Host, cfg.PortList(), cfg.ConnectTimeout(), cfg.StalenessThreshold(), trackedContracts)

	// Client-facing subscription service and transports
	streamService := stream.NewService(rt, interactive, cfg.MaxStreams, time.Duration(cfg.StreamTimeout)*time.Second)
	wsManager := ws.NewManager(streamService)

	cronService := services.NewCronService(cfg, dbLogger, manager, multi, contractsSvc)

	return &appContext{
		cfg:           cfg,
		storage:       multi,
		router:        rt,
		interactive:   interactive,
		supervisor:    supervisor,
		manager:       manager,
		streamService: streamService,
		wsManager:     wsManager,
		cronService:   cronService,
	}, nil
}

// startServer starts the Echo server on the specified port
func startServer(e *echo.Echo, cfg *config.Config) {
	startupMessage := fmt.Sprintf("%s Server [:%s] started", cfg.APIName, cfg.HTTPPort)
	zaplogger.Info(config.SingleLine)
	zaplogger.Info(startupMessage)
	zaplogger.Info(config.SingleLine)
	if err := e.Start(":" + cfg.HTTPPort); err != nil {
		zaplogger.Info("server stopped", zaplogger.Fields{"reason": err.Error()})
	}
}

// shutdown tears components down in dependency order: subscribers first,
// then sessions, then storage.
func shutdown(e *echo.Echo, app *appContext) {
	zaplogger.Info("Shutting down")

	app.router.Shutdown()
	app.wsManager.Shutdown()
	app.manager.Stop()
	app.supervisor.Stop()
	app.cronService.Stop()
	app.storage.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		zaplogger.Warn("http shutdown", zaplogger.Fields{"error": err})
	}
	zaplogger.Info("Bye")
}
