package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"groupbuy-service/config"
	"groupbuy-service/internal/api"
	"groupbuy-service/internal/broker"
	"groupbuy-service/internal/clock"
	"groupbuy-service/internal/redisclient"
	"groupbuy-service/internal/service"
	"groupbuy-service/internal/store"
	"groupbuy-service/internal/store/memory"
	"groupbuy-service/internal/util"
	"groupbuy-service/internal/worker"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting groupbuy service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	var (
		repo    store.Repository
		locker  service.ActorLocker
		claimer worker.EventClaimer
		checks  = map[string]api.ReadinessCheck{}
	)

	switch cfg.Database.Driver {
	case "memory":
		repo = memory.New()
		locker = service.NewLocalLocker()
		logger.Warn("Using in-memory store; state is lost on restart")

	case "postgres":
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database connected")

		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			time.Duration(cfg.Redis.LockTTLSeconds)*time.Second)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		repo, locker, claimer = db, redisClient, redisClient
		checks["database"] = db.Ping
		checks["redis"] = redisClient.Ping

	default:
		logger.Fatal("Unknown database driver", zap.String("driver", cfg.Database.Driver))
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAudit)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicAudit))

	audit := broker.NewEventPublisher(producer)
	clk := clock.System()

	commitmentService := service.NewCommitmentService(repo, clk, cfg.Policy)
	cancellationPolicy := service.NewCancellationPolicy(repo, locker, audit, clk, cfg.Policy)
	advancementPolicy := service.NewAdvancementPolicy(repo, audit, clk, cfg.Policy)
	selectionEngine := service.NewSelectionEngine(repo, repo, audit, clk, cfg.Policy)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	triggerConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicTriggers, cfg.Kafka.ConsumerGroup,
		broker.RetryConfig{
			MaxAttempts:     cfg.Kafka.MaxDeliveryAttempts,
			InitialBackoff:  time.Duration(cfg.Kafka.RetryBackoffMs) * time.Millisecond,
			MaxBackoff:      time.Duration(cfg.Kafka.MaxRetryBackoffMs) * time.Millisecond,
			DeadLetterTopic: cfg.Kafka.TopicDeadLetter,
		})
	closureWorker := worker.NewClosureWorker(triggerConsumer, repo, selectionEngine, claimer)
	go func() {
		if err := closureWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Closure worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(commitmentService, cancellationPolicy, advancementPolicy, selectionEngine)
	for name, check := range checks {
		handler.AddReadinessCheck(name, check)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := closureWorker.Stop(); err != nil {
		logger.Error("Error stopping closure worker", zap.Error(err))
	}
	if err := repo.Close(); err != nil {
		logger.Error("Error closing store", zap.Error(err))
	}

	logger.Info("Server exited")
}
