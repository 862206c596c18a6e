package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/fleet-api/internal/alerts"
	"github.com/ksred/fleet-api/internal/auth"
	"github.com/ksred/fleet-api/internal/benchmark"
	"github.com/ksred/fleet-api/internal/bot"
	"github.com/ksred/fleet-api/internal/config"
	"github.com/ksred/fleet-api/internal/dashboard"
	"github.com/ksred/fleet-api/internal/database"
	"github.com/ksred/fleet-api/internal/failover"
	"github.com/ksred/fleet-api/internal/fleet"
	"github.com/ksred/fleet-api/internal/orders"
	"github.com/ksred/fleet-api/internal/ratelimit"
	"github.com/ksred/fleet-api/internal/remote"
	"github.com/ksred/fleet-api/internal/secrets"
	"github.com/ksred/fleet-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the fleet control plane with graceful shutdown
// support. It wires the store, the provider registry consumers, the
// background loops and all API routes.
func main() {
	cfg, err := config.Load(os.Getenv("FLEET_CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	middleware.SetJWTSecret(cfg.Auth.JWTSecret)
	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	codec := secrets.NewCodec(cfg.Crypto.EncryptionSecret)
	keys := remote.NewKeyStore(db, cfg.Crypto.EncryptionSecret, cfg.Crypto.FallbackSSHKey)
	executor := remote.NewExecutor(keys, cfg.Agent.ControlPort, cfg.Agent.SSHUser)
	notifier := alerts.NewNotifier(cfg.Telegram)

	fleetService := fleet.NewService(db, codec, executor)
	fleetHandlers := fleet.NewGinHandlers(fleetService)

	botService := bot.NewService(db, fleetService, executor)
	botHandlers := bot.NewGinHandlers(botService, cfg.Agent.ControlPort)

	limiter := ratelimit.NewCoordinator(cfg.RateLimit)
	limiterHandlers := ratelimit.NewGinHandlers(limiter)
	sweeper := ratelimit.NewSweeper(limiter)

	failoverService := failover.NewService(db, fleetService, notifier, cfg.Agent.ControlPort, cfg.Failover)
	failoverHandlers := failover.NewGinHandlers(failoverService)

	prices := orders.NewTickerSource()
	orderService := orders.NewService(db, fleetService, failoverService, limiter, prices, cfg.Agent.ControlPort)
	paperEngine := orders.NewPaperEngine(orderService.DB(), prices, orderService.Risk())
	orderHandlers := orders.NewGinHandlers(orderService, paperEngine)

	benchmarkService := benchmark.NewService(fleetService, failoverService, cfg.Agent.ControlPort)
	benchmarkHandlers := benchmark.NewGinHandlers(benchmarkService)

	hub := dashboard.NewHub()
	dashboardService := dashboard.NewService(db)
	dashboardHandlers := dashboard.NewGinHandlers(dashboardService, hub)

	if err := database.RegisterChangeNotifier(db, func(table, action string) {
		hub.Notify(dashboard.ChangeEvent{Table: table, Action: action})
	}); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register change notifier")
	}

	// Start background loops
	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()

	go limiter.Run(loopCtx)
	go sweeper.Run(loopCtx)
	go failoverService.Run(loopCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, fleetHandlers, botHandlers, orderHandlers,
		failoverHandlers, benchmarkHandlers, limiterHandlers, dashboardHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	loopCancel()

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Fleet, bot, order and rate-limit routes: Protected by JWT
// - Dashboard routes: Read-only composite view plus the change stream
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	fleetHandlers *fleet.GinHandlers,
	botHandlers *bot.GinHandlers,
	orderHandlers *orders.GinHandlers,
	failoverHandlers *failover.GinHandlers,
	benchmarkHandlers *benchmark.GinHandlers,
	limiterHandlers *ratelimit.GinHandlers,
	dashboardHandlers *dashboard.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Fleet routes
		fleetGroup := v1.Group("/fleet")
		fleetGroup.Use(middleware.JWTAuth())
		{
			fleetGroup.POST("/machines", fleetHandlers.DeployHandler())
			fleetGroup.GET("/machines", fleetHandlers.ListMachinesHandler())
			fleetGroup.GET("/machines/:machine_id", fleetHandlers.GetMachineHandler())
			fleetGroup.DELETE("/machines/:machine_id", fleetHandlers.DestroyHandler())
			fleetGroup.POST("/machines/:machine_id/reboot", fleetHandlers.RebootHandler())
			fleetGroup.POST("/machines/:machine_id/benchmark", benchmarkHandlers.RunHandler())
			fleetGroup.POST("/benchmark", benchmarkHandlers.RunMeshHandler())

			fleetGroup.GET("/providers", fleetHandlers.ProvidersHandler())
			fleetGroup.GET("/providers/:provider/catalog", fleetHandlers.CatalogHandler())
			fleetGroup.PUT("/providers/:provider/credentials", fleetHandlers.SaveProviderCredentialsHandler())
			fleetGroup.POST("/providers/:provider/credentials/validate", fleetHandlers.ValidateCredentialsHandler())
			fleetGroup.GET("/providers/:provider/timeline", fleetHandlers.TimelineHandler())
			fleetGroup.PUT("/exchanges/:exchange/credentials", fleetHandlers.SaveExchangeCredentialsHandler())

			fleetGroup.GET("/failover", failoverHandlers.ListRecordsHandler())
			fleetGroup.PUT("/failover", failoverHandlers.UpsertRecordHandler())
			fleetGroup.GET("/failover/primary", failoverHandlers.PrimaryHandler())
			fleetGroup.POST("/failover/switch", failoverHandlers.SwitchPrimaryHandler())

			fleetGroup.POST("/deployments/:deployment_id/start", botHandlers.StartHandler())
			fleetGroup.POST("/deployments/:deployment_id/stop", botHandlers.StopHandler())
			fleetGroup.POST("/deployments/:deployment_id/restart", botHandlers.RestartHandler())
			fleetGroup.GET("/deployments/:deployment_id/status", botHandlers.StatusHandler())
			fleetGroup.GET("/deployments/:deployment_id/logs", botHandlers.LogsHandler())
			fleetGroup.GET("/deployments/:deployment_id/health", botHandlers.HealthHandler())

			fleetGroup.GET("/trading/config", botHandlers.GetTradingConfigHandler())
			fleetGroup.PATCH("/trading/config", botHandlers.UpdateTradingConfigHandler())
		}

		// Order routes
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth())
		{
			orderGroup.POST("", orderHandlers.PlaceOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
		}

		// Position routes
		positionGroup := v1.Group("/positions")
		positionGroup.Use(middleware.JWTAuth())
		{
			positionGroup.GET("", orderHandlers.ListPositionsHandler())
			positionGroup.POST("/:position_id/close", orderHandlers.ClosePositionHandler())
		}

		// Rate-limit observability
		ratelimitGroup := v1.Group("/ratelimit")
		ratelimitGroup.Use(middleware.JWTAuth())
		{
			ratelimitGroup.GET("", limiterHandlers.SnapshotsHandler())
			ratelimitGroup.GET("/:exchange", limiterHandlers.SnapshotHandler())
		}

		// Dashboard routes
		dashboardGroup := v1.Group("/dashboard")
		{
			dashboardGroup.GET("/state", dashboardHandlers.StateHandler())
			dashboardGroup.GET("/stream", dashboardHandlers.SubscribeHandler())
		}
	}
}
