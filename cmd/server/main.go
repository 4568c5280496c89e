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

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/mailer"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	if cfg.Gateway.WebhookSecret == "" {
		log.Fatal("GATEWAY_WEBHOOK_SECRET is required")
	}
	if cfg.Token.Secret == "" {
		log.Fatal("ACCESS_TOKEN_SECRET is required")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	verifier := gateway.NewVerifier(cfg.Gateway.WebhookSecret,
		time.Duration(cfg.Gateway.SignatureToleranceSeconds)*time.Second)
	tokenService := service.NewAccessTokenService(cfg.Token.Secret,
		cfg.Token.Issuer, cfg.Token.Audience,
		time.Duration(cfg.Token.TTLHours)*time.Hour)

	entitlementService := service.NewEntitlementService(db)
	fulfillmentEngine := service.NewFulfillmentEngine(db)
	ingestService := service.NewIngestService(verifier, db, fulfillmentEngine,
		redisClient, eventPublisher, cfg.Business.MaxProcessingAttempts)
	accessService := service.NewAccessService(db, entitlementService,
		tokenService, redisClient, eventPublisher)

	mailClient := mailer.NewClient(cfg.Mailer.Endpoint, cfg.Mailer.APIKey, cfg.Mailer.From)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	emailConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicFulfillment, cfg.Kafka.ConsumerGroup)
	emailWorker := worker.NewEmailWorker(emailConsumer, tokenService, mailClient,
		cfg.Business.PublicBaseURL, cfg.Business.MaxConcurrentSends)
	go func() {
		if err := emailWorker.Start(workerCtx); err != nil {
			log.Printf("Email worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(ingestService, accessService, entitlementService, db)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	emailWorker.Stop()

	log.Println("Server exited")
}
