package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/noah-isme/assignment-progress-api/api/swagger"
	"github.com/noah-isme/assignment-progress-api/internal/handler"
	"github.com/noah-isme/assignment-progress-api/internal/middleware"
	"github.com/noah-isme/assignment-progress-api/internal/models"
	"github.com/noah-isme/assignment-progress-api/internal/repository"
	"github.com/noah-isme/assignment-progress-api/internal/service"
	"github.com/noah-isme/assignment-progress-api/pkg/cache"
	"github.com/noah-isme/assignment-progress-api/pkg/config"
	"github.com/noah-isme/assignment-progress-api/pkg/database"
	"github.com/noah-isme/assignment-progress-api/pkg/events"
	"github.com/noah-isme/assignment-progress-api/pkg/export"
	"github.com/noah-isme/assignment-progress-api/pkg/jobs"
	"github.com/noah-isme/assignment-progress-api/pkg/lock"
	"github.com/noah-isme/assignment-progress-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/assignment-progress-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/assignment-progress-api/pkg/middleware/requestid"
)

// @title Assignment Progress API
// @version 1.0.0
// @description Lifecycle engine for freelance assignment progress
// @BasePath /
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

type eventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

type auditTrail interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
	ListByResource(ctx context.Context, resource, resourceID string, limit int) ([]models.AuditLog, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(rootCtx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db, cfg.Database.MigrationsDir, logr); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer redisClient.Close() //nolint:errcheck
	}

	metricsSvc := service.NewMetricsService()

	progressRepo := repository.NewProgressRepository(db)
	marksRepo := repository.NewMarksRepository(db)
	freelancerRepo := repository.NewFreelancerRepository(db)

	var locker lock.Locker
	switch {
	case cfg.Progress.LockBackend == config.LockBackendRedis && redisClient != nil:
		locker = lock.NewRedisLocker(redisClient, lock.RedisConfig{
			Prefix:        "progress:lock:",
			TTL:           cfg.Progress.LockTTL,
			RetryInterval: cfg.Progress.LockRetryInterval,
		}, logr)
	case cfg.Progress.LockBackend == config.LockBackendRedis:
		logr.Warn("redis lock backend requested but redis is disabled; using in-process locks")
		locker = lock.NewKeyedMutex()
	default:
		locker = lock.NewKeyedMutex()
	}

	var activitySvc *service.ActivityService
	if cfg.Events.Enabled {
		var publisher eventPublisher
		if cfg.RabbitMQ.Enabled {
			rabbit, err := events.NewRabbitMQPublisher(cfg.RabbitMQ, logr)
			if err != nil {
				logr.Fatal("failed to connect rabbitmq", zap.Error(err))
			}
			defer rabbit.Close() //nolint:errcheck
			publisher = rabbit
		}
		var audit auditTrail
		if cfg.Events.AuditLog {
			audit = repository.NewAuditRepository(db)
		}

		queue := jobs.NewQueue("progress-activity", jobs.QueueConfig{
			Workers:    cfg.Events.Workers,
			BufferSize: cfg.Events.BufferSize,
			MaxRetries: cfg.Events.MaxRetries,
			RetryDelay: cfg.Events.RetryDelay,
			Logger:     logr,
		})
		activitySvc = service.NewActivityService(queue, publisher, audit, service.ActivityConfig{
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		}, metricsSvc, logr)
		queue.Start(rootCtx)
		defer queue.Stop()
	}

	opts := []service.ProgressServiceOption{
		service.WithProgressMetrics(metricsSvc),
		service.WithLockTimeout(cfg.Progress.LockTimeout),
		service.WithTimelineProjector(service.NewTimelineProjector(cfg.Progress.DateLayout)),
		service.WithUnitOfWork(repository.NewTxManager(db)),
	}
	var cacheRepo *repository.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
		cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, service.CacheConfig{
			Namespace: cfg.Progress.CacheNamespace,
			TTL:       cfg.Progress.ProjectionCacheTTL,
			Enabled:   true,
		}, logr)
		// Projections rendered by a previous build may use another date layout.
		if err := cacheSvc.Flush(rootCtx); err != nil {
			logr.Warn("failed to flush cached projections", zap.Error(err))
		}
		opts = append(opts, service.WithProjectionCache(cacheSvc, cfg.Progress.ProjectionCacheTTL))
	}
	if activitySvc != nil {
		opts = append(opts, service.WithActivitySink(activitySvc))
	}
	progressSvc := service.NewProgressService(progressRepo, marksRepo, freelancerRepo, locker, logr, opts...)

	var csvOpts []export.CSVOption
	if cfg.Progress.ExportCSVBOM {
		csvOpts = append(csvOpts, export.WithByteOrderMark())
	}
	exportSvc := service.NewExportService(progressSvc, export.NewCSVExporter(csvOpts...), export.NewPDFExporter("Assignment Progress API"), logr)
	tokenSvc := service.NewTokenService(service.TokenConfig{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
	})

	progressHandler := handler.NewProgressHandler(progressSvc, exportSvc, nil)
	if activitySvc != nil {
		progressHandler = handler.NewProgressHandler(progressSvc, exportSvc, activitySvc)
	}

	dependencies := map[string]handler.Pinger{"postgres": db}
	if cacheRepo != nil {
		dependencies["redis"] = handler.PingFunc(cacheRepo.Ping)
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, dependencies)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc, "/metrics", "/health", "/ready"))
	r.Use(middleware.RequestOrigin())
	r.Use(middleware.WithResponseMeta())

	registerRoutes(r, cfg, routeDeps{
		tokens:   tokenSvc,
		progress: progressHandler,
		metrics:  metricsHandler,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
