package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chatforge/jobs-service/config"
	"github.com/chatforge/jobs-service/internal/chat"
	"github.com/chatforge/jobs-service/internal/database"
	"github.com/chatforge/jobs-service/internal/embeddings"
	"github.com/chatforge/jobs-service/internal/handlers"
	"github.com/chatforge/jobs-service/internal/importer"
	"github.com/chatforge/jobs-service/internal/lineevents"
	"github.com/chatforge/jobs-service/internal/middleware"
	"github.com/chatforge/jobs-service/internal/queue"
	"github.com/chatforge/jobs-service/internal/takeover"
	"github.com/chatforge/jobs-service/internal/telemetry"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	logger.Info().Msg("Starting jobs service")

	dbURL := config.GetDatabaseURL()
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}

	ctx := context.Background()
	if err := database.Connect(
		ctx,
		dbURL,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	logger.Info().Msg("Database connected")

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.GetConfigFromEnv())
	if err != nil {
		logger.Warn().Err(err).Msg("Telemetry init failed, continuing without tracing")
	}

	opts := queue.Options{
		MaxAttempts: cfg.Workers.MaxAttempts,
		StaleAfter:  cfg.Workers.StaleAfter,
	}
	if cfg.Workers.RetryBackoff > 0 {
		opts.RetryDelay = queue.LinearBackoff(cfg.Workers.RetryBackoff)
	}

	embeddingStore := queue.NewStore(database.Pool(), embeddings.Table, opts)
	lineStore := queue.NewStore(database.Pool(), lineevents.Table, opts)
	importStore := queue.NewStore(database.Pool(), importer.Table, opts)

	responder := chat.NewClient(cfg.Chat.APIURL, cfg.Chat.ServiceToken)

	embeddingSvc := embeddings.NewService(
		database.Pool(), embeddingStore, embeddings.NewClient(cfg.Embeddings), logger)
	importSvc := importer.NewService(database.Pool(), importStore, embeddingSvc, logger)
	lineSvc := lineevents.NewService(
		database.Pool(), lineStore, responder, lineevents.NewPushClient(cfg.Line), logger)
	sweeper := takeover.NewSweeper(database.Pool(), responder, logger)

	embeddingRunner := queue.NewRunner(embeddingStore, embeddingSvc.Handler(), logger)
	lineRunner := lineSvc.Runner()

	stores := map[string]*queue.Store{
		"embeddings":   embeddingStore,
		"line-events":  lineStore,
		"import-items": importStore,
	}

	reportStuckJobs(ctx, logger, stores)

	if cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	setupMiddleware(router, logger)

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	webhooks := router.Group("/webhooks")
	webhooks.Use(middleware.RateLimitMiddleware())
	{
		webhooks.POST("/line/:integrationId", handlers.LineWebhook(lineSvc))
	}

	workers := router.Group("/internal/workers")
	workers.Use(middleware.ServiceRateLimitMiddleware(10, 20))
	{
		workers.POST("/embeddings",
			middleware.WorkerSecretAuth(cfg.Secrets.EmbeddingWorker),
			handlers.ProcessCycle(embeddingRunner, "embed",
				cfg.Workers.EmbeddingBatchSize, handlers.EmbeddingBatchMax))
		workers.POST("/line-events",
			middleware.WorkerSecretAuth(cfg.Secrets.LineWorker),
			handlers.ProcessCycle(lineRunner, "line",
				cfg.Workers.LineBatchSize, handlers.LineBatchMax))
		workers.POST("/takeovers",
			middleware.WorkerSecretAuth(cfg.Secrets.TakeoverWorker),
			handlers.SweepTakeovers(sweeper,
				cfg.Workers.TakeoverBatchSize, handlers.TakeoverBatchMax))
	}

	api := router.Group("/api")
	api.Use(middleware.SessionAuth(database.Pool))
	{
		imports := api.Group("/imports")
		{
			imports.POST("", handlers.CreateImport(importSvc))
			imports.POST("/process", handlers.ProcessImport(importSvc))
			imports.GET("/:id", handlers.GetImport(importSvc))
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("/stats", handlers.JobStats(stores))
			jobs.POST("/:family/retry-failed", handlers.RetryAllFailed(stores))
			jobs.POST("/:family/:id/retry", handlers.RetryJob(stores))
		}

		conversations := api.Group("/conversations")
		{
			conversations.POST("/:id/takeover", handlers.OpenTakeover())
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}

	logger.Info().Msg("Server exited")
}

// reportStuckJobs logs processing rows whose lock predates the last
// restart window. They are not touched here; the next lease cycle
// reclaims them once the lock passes the stale threshold.
func reportStuckJobs(ctx context.Context, logger *zerolog.Logger, stores map[string]*queue.Store) {
	for family, store := range stores {
		stuck, err := store.Stuck(ctx, time.Minute)
		if err != nil {
			logger.Warn().Err(err).Str("family", family).Msg("Failed to check for stuck jobs")
			continue
		}
		if len(stuck) == 0 {
			continue
		}
		for _, job := range stuck {
			logger.Info().
				Str("family", family).
				Str("id", job.ID).
				Str("locked_by", derefString(job.LockedBy)).
				Int("attempts", job.Attempts).
				Msg("Job still locked from before restart")
		}
		logger.Info().Str("family", family).Int("count", len(stuck)).Msg("Stuck jobs will be reclaimed on next cycle")
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "jobs-service").Logger()
	return &logger
}

func setupMiddleware(router *gin.Engine, logger *zerolog.Logger) {
	router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		end := time.Now()
		latency := end.Sub(start)

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	})
}
