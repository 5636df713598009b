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

	"stockflow/config"
	"stockflow/internal/api"
	"stockflow/internal/app"
	"stockflow/internal/auth"
	"stockflow/internal/broker"
	"stockflow/internal/redisclient"
	"stockflow/internal/service"
	"stockflow/internal/util"
	"stockflow/internal/worker"

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
	logger.Info("Starting stockflow",
		zap.String("env", cfg.Server.Env),
		zap.String("store", cfg.Store.Driver))

	tp, err := util.InitTracer("stockflow", cfg.Observ.JaegerEndpoint)
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

	loc, err := cfg.Business.Location()
	if err != nil {
		logger.Fatal("Invalid TIMEZONE", zap.String("timezone", cfg.Business.Timezone), zap.Error(err))
	}

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		logger.Fatal("JWT_SECRET must be set", zap.Error(err))
	}

	ctx := context.Background()
	db, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open document store", zap.Error(err))
	}
	defer db.Close()
	if err := app.Migrate(ctx, db); err != nil {
		logger.Fatal("Failed to migrate document store", zap.Error(err))
	}
	logger.Info("Document store ready", zap.String("driver", cfg.Store.Driver))

	checks := map[string]api.Checker{}
	if p, ok := db.(app.Pinger); ok {
		checks["store"] = p.Ping
	}

	var (
		sequencer   service.Sequencer
		idempotency service.IdempotencyStore
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, using store counters and no sale idempotency", zap.Error(err))
	} else {
		defer redisClient.Close()
		sequencer = redisClient
		idempotency = redisClient
		checks["redis"] = redisClient.Ping
		logger.Info("Redis connected")
	}

	var publisher service.Publisher = service.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicStockEvents)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	threshold := cfg.Business.DefaultLowStockThreshold
	svc := api.Services{
		Stock:     service.NewStockService(db, publisher, idempotency, threshold),
		Orders:    service.NewPurchaseOrderService(db, sequencer, publisher, cfg.Business.OrderNumberStart),
		Catalog:   service.NewCatalogService(db, threshold),
		Profiles:  service.NewProfileService(db),
		Dashboard: service.NewDashboardService(db, threshold, loc),
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var saleWorker *worker.SaleWorker
	if len(cfg.Kafka.Brokers) > 0 {
		saleConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSaleRequests, cfg.Kafka.ConsumerGroup)
		saleWorker = worker.NewSaleWorker(saleConsumer, svc.Profiles, svc.Catalog, svc.Stock)
		go func() {
			if err := saleWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Sale worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(svc, verifier, checks)
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

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if saleWorker != nil {
		if err := saleWorker.Stop(); err != nil {
			logger.Error("Error stopping sale worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
