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

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/seatchart"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	chart := seatchart.NewClient(cfg.Chart.BaseURL, cfg.Chart.SecretKey, cfg.Chart.Timeout)

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCheckoutEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicCheckoutEvents))

	eventPublisher := broker.NewEventPublisher(producer)

	checkoutService := service.NewCheckoutService(db, redisClient, redisClient, chart,
		service.WithSeatLockTTL(cfg.Business.SeatLockTTL),
		service.WithTransitionLockTTL(cfg.Business.TransitionLockTTL),
		service.WithSweepBatchSize(cfg.Business.SweepBatchSize),
		service.WithEventKeyResolver(service.FormatEventKey(cfg.Chart.EventKeyFormat)),
	)
	seatMapService := service.NewSeatMapService(db, redisClient)
	paymentCoordinator := service.NewPaymentCoordinator(checkoutService, db,
		service.NewSignatureVerifier(cfg.Payment.HashSecret))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewExpirySweeper(checkoutService, cfg.Business.SweepInterval)
	if err := sweeper.Start(workerCtx); err != nil {
		logger.Fatal("Failed to start expiry sweeper", zap.Error(err))
	}

	relay := worker.NewOutboxRelay(db, eventPublisher, cfg.Business.OutboxPollInterval, cfg.Business.OutboxBatchSize)
	go func() {
		if err := relay.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Outbox relay error", zap.Error(err))
		}
	}()

	callbackConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentCallbacks, cfg.Kafka.ConsumerGroup)
	callbackWorker := worker.NewPaymentCallbackWorker(callbackConsumer, paymentCoordinator, db)
	go func() {
		if err := callbackWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Payment callback worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, seatMapService, paymentCoordinator, cfg.Auth.JWTSecret,
		map[string]api.Pinger{
			"database": db,
			"redis":    redisClient,
		})
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
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := sweeper.Stop(); err != nil {
		logger.Warn("Error stopping expiry sweeper", zap.Error(err))
	}
	if err := callbackWorker.Stop(); err != nil {
		logger.Warn("Error stopping payment callback worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
