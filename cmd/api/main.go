package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/api/handlers"
	"github.com/context-engine/backend/internal/cache/redis"
	"github.com/context-engine/backend/internal/catalog"
	"github.com/context-engine/backend/internal/embedding"
	"github.com/context-engine/backend/internal/ingestion"
	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/internal/middleware/ratelimit"
	"github.com/context-engine/backend/internal/middleware/security"
	"github.com/context-engine/backend/internal/middleware/validation"
	"github.com/context-engine/backend/internal/notify"
	"github.com/context-engine/backend/internal/query"
	"github.com/context-engine/backend/internal/storage/sqlite"
	"github.com/context-engine/backend/internal/vector"
	"github.com/context-engine/backend/internal/vector/local"
	"github.com/context-engine/backend/internal/vector/milvus"
	"github.com/context-engine/backend/internal/vector/pgvector"
	"github.com/context-engine/backend/pkg/config"
	appLogger "github.com/context-engine/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Context Engine API Server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	if _, err := sqliteClient.RecoverInterruptedJobs(ctx); err != nil {
		appLogger.Fatal("Failed to recover interrupted jobs", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(ctx, redis.Options{
			Addr:         cfg.Redis.Addr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			QueryTTL:     time.Duration(cfg.Redis.QueryTTLSec) * time.Second,
			EmbeddingTTL: time.Duration(cfg.Redis.EmbeddingTTLSec) * time.Second,
		})
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
	}

	embedder, err := embedding.New(ctx, cfg.Embedding)
	if err != nil {
		appLogger.Fatal("Failed to create embedding provider", zap.Error(err))
	}
	if closer, ok := embedder.(io.Closer); ok {
		defer closer.Close()
	}
	if redisClient != nil {
		embedder = embedding.NewCachedProvider(embedder, redisClient)
	}

	backend, err := newVectorBackend(cfg.Vector)
	if err != nil {
		appLogger.Fatal("Failed to create vector backend", zap.Error(err))
	}
	vectorService := vector.NewService(backend, embedder, vector.Options{
		CollectionPrefix: cfg.Vector.CollectionPrefix,
	})
	defer vectorService.Close()

	// A backend that is down at boot is retried lazily on first use.
	if err := vectorService.Initialize(ctx); err != nil {
		appLogger.Warn("Vector store unavailable at startup", zap.Error(err))
	}

	engineOpts := query.Options{
		DefaultTopK:  cfg.Retrieval.DefaultTopK,
		MaxTopK:      cfg.Retrieval.MaxTopK,
		PreviewChars: cfg.Retrieval.PreviewChars,
	}
	if redisClient != nil {
		engineOpts.Cache = redisClient
	}
	queryEngine := query.NewEngine(vectorService, engineOpts)

	hub := notify.NewHub(0)
	worker := ingestion.NewProcessWorker(cfg.Worker.Command, cfg.Worker.Args...)
	runner := ingestion.NewRunner(sqliteClient, vectorService, worker, hub, ingestion.RunnerOptions{
		PollInterval:  time.Duration(cfg.Jobs.PollIntervalSec) * time.Second,
		WorkerTimeout: time.Duration(cfg.Jobs.WorkerTimeoutSec) * time.Second,
		Cache:         queryEngine,
	})

	catalogService := catalog.NewService(sqliteClient, vectorService, catalog.Options{
		RemoveSourceFiles: cfg.Documents.RemoveSourceFiles,
		Cache:             queryEngine,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.Server.AllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	ready := map[string]handlers.ReadinessCheck{
		"sqlite": sqliteClient.Ping,
		"vector": vectorService.Initialize,
	}
	if redisClient != nil {
		ready["redis"] = redisClient.Ping
	}

	handlers.Register(app, handlers.Routes{
		Projects:  handlers.NewProjectHandler(catalogService),
		Documents: handlers.NewDocumentHandler(catalogService),
		Query:     handlers.NewQueryHandler(queryEngine, catalogService),
		WebSocket: handlers.NewWebSocketHandler(hub),
		Ready:     ready,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go runner.Start(runCtx)

	addr := cfg.Server.Addr()
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	runner.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func newVectorBackend(cfg config.VectorConfig) (vector.Backend, error) {
	switch cfg.Backend {
	case "local":
		return local.New(cfg.Local.Dir), nil
	case "milvus":
		return milvus.NewClient(milvus.Options{
			Endpoint: cfg.Milvus.Endpoint,
			APIKey:   cfg.Milvus.APIKey,
			NList:    cfg.Milvus.NList,
			NProbe:   cfg.Milvus.NProbe,
		}), nil
	case "pgvector":
		return pgvector.New(pgvector.Options{
			URL:      cfg.Postgres.URL,
			MaxConns: cfg.Postgres.MaxConns,
		}), nil
	}
	return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
}
