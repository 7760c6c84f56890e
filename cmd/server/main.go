package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/pipethedev/polymarket-trader/internal/auth"
	"github.com/pipethedev/polymarket-trader/internal/config"
	"github.com/pipethedev/polymarket-trader/internal/database"
	"github.com/pipethedev/polymarket-trader/internal/executor"
	"github.com/pipethedev/polymarket-trader/internal/idempotency"
	"github.com/pipethedev/polymarket-trader/internal/markets"
	"github.com/pipethedev/polymarket-trader/internal/trading"
	"github.com/pipethedev/polymarket-trader/internal/venue"
	"github.com/pipethedev/polymarket-trader/pkg/middleware"
	"github.com/pipethedev/polymarket-trader/pkg/response"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the trading service: venue client, idempotent intake, the
// executor worker pool, the market syncer, and the HTTP API, with graceful
// shutdown for all of them.
func main() {
	cfg := config.Load()

	db, err := database.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	tradingVenue := venue.New(venue.Config{
		Name:          cfg.Venue.Name,
		ReadOnly:      cfg.Venue.ReadOnly,
		TransientRate: cfg.Venue.TransientRate,
		RejectRate:    cfg.Venue.RejectRate,
	})

	store := idempotency.NewStore(db, idempotency.Config{TTL: cfg.Intake.IdempotencyTTL})

	marketService := markets.NewService(db, tradingVenue)
	marketHandlers := markets.NewGinHandlers(marketService)

	orderExecutor := executor.New(trading.NewDatabase(db), tradingVenue, executor.Config{
		Workers:           cfg.Executor.Workers,
		MaxAttempts:       cfg.Executor.MaxAttempts,
		BackoffBase:       cfg.Executor.BackoffBase,
		BackoffCap:        cfg.Executor.BackoffCap,
		PollInterval:      cfg.Executor.PollInterval,
		PartialFillPolicy: cfg.Executor.PartialFillPolicy,
	})

	tradingService := trading.NewService(db, store, marketService.GetDB(), orderExecutor, tradingVenue,
		trading.Config{AwaitTimeout: cfg.Intake.AwaitTimeout})
	tradingHandlers := trading.NewGinHandlers(tradingService)

	authService := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	authHandlers := auth.NewGinHandlers(authService)
	if cfg.Environment != "production" {
		authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	}

	// Background workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go orderExecutor.Start(workerCtx)

	syncer := markets.NewSyncer(marketService.GetDB(), tradingVenue, cfg.Sync.Interval)
	go syncer.Start(workerCtx)

	// HTTP API
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg.JWTSecret, authHandlers, tradingHandlers, marketHandlers)

	router.GET("/health", func(c *gin.Context) {
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			response.ServiceUnavailable(c, "database unreachable")
			return
		}
		if !tradingVenue.HealthCheck(c.Request.Context()) {
			response.ServiceUnavailable(c, "venue unreachable")
			return
		}
		c.JSON(http.StatusOK, response.Response{Success: true, Data: gin.H{"status": "ok"}})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

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

	workerCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers, grouped by
// concern: public auth routes, JWT-protected order routes, and market
// read routes.
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	marketHandlers *markets.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(jwtSecret))
		{
			orders.POST("", tradingHandlers.PlaceOrderHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.POST("/:order_id/cancel", tradingHandlers.CancelOrderHandler())
		}

		marketGroup := v1.Group("/markets")
		marketGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			marketGroup.GET("", marketHandlers.ListMarketsHandler())
			marketGroup.GET("/:market_id", marketHandlers.GetMarketHandler())
			marketGroup.GET("/:market_id/price", marketHandlers.GetPriceHandler())
		}
	}
}
