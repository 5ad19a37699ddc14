package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-svc/bidding"
	"marketplace-svc/circuitbreaker"
	"marketplace-svc/config"
	"marketplace-svc/database"
	"marketplace-svc/finalizer"
	"marketplace-svc/handlers"
	"marketplace-svc/kafka"
	"marketplace-svc/ledger"
	"marketplace-svc/middleware"
	"marketplace-svc/orderstate"
	"marketplace-svc/payments"
	"marketplace-svc/webhook"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.InitDB(cfg.DSN(), logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Redis backs the shared webhook rate-limit counters
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()
	publisher := kafka.NewPublisher(producer, logger)

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("marketplace-service", cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Core components
	engine := bidding.NewEngine(db, publisher, cfg.AuctionTopic, logger)
	machine := orderstate.NewMachine(db, logger)
	ledgerStore := ledger.NewStore(db, logger)
	gatewayClient := payments.NewHTTPClient(cfg.PaymentGatewayURL, cfg.PaymentGatewayKey, logger)
	breaker := circuitbreaker.New("payment-gateway", 5, 30*time.Second, logger)
	fin := finalizer.New(db, gatewayClient, breaker, publisher, cfg.AuctionTopic, cfg.FeeRateBps, logger)

	limiter := webhook.NewRedisRateLimiter(redisClient, cfg.WebhookRateLimit, cfg.WebhookRateWindow, logger)
	gateway := webhook.New(db, machine, ledgerStore, limiter, publisher, webhook.Config{
		Secret:            cfg.WebhookSecret,
		MaxAge:            cfg.WebhookMaxAge,
		ClockSkew:         cfg.WebhookClockSkew,
		NotificationTopic: cfg.NotificationTopic,
	}, logger)

	// Scheduled finalizer sweep; manual retries via the finalize endpoint
	// race it safely.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("* * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Second)
		defer cancel()
		fin.SweepEnded(ctx)
	}); err != nil {
		logger.Fatal("Failed to schedule finalizer sweep", zap.Error(err))
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("marketplace-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", middleware.PrometheusHandler())

	auctionHandler := handlers.NewAuctionHandler(db, engine, fin, logger)
	router.POST("/auctions/:id/bids", auctionHandler.PlaceBid)
	router.GET("/auctions/:id", auctionHandler.GetAuction)
	router.POST("/auctions/:id/finalize", auctionHandler.Finalize)

	orderHandler := handlers.NewOrderHandler(db, ledgerStore, logger)
	router.GET("/orders/:id", orderHandler.GetOrder)
	router.GET("/orders/:id/ledger", orderHandler.GetOrderLedger)

	router.POST("/webhooks/payment", gateway.Handle)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Marketplace Service started", zap.String("addr", cfg.HTTPAddr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
