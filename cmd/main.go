/**
 * @description
 * This is the main entry point for the credit-service.
 * It initializes and wires together all the components of the application:
 * configuration, database connection, repository, ledger and proration
 * services, event producer, rollover scheduler, and the HTTP router.
 * Finally, it starts the HTTP server to listen for incoming requests.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/meterline/credit-service/internal/api"
	"github.com/meterline/credit-service/internal/app"
	"github.com/meterline/credit-service/internal/config"
	"github.com/meterline/credit-service/internal/domain"
	"github.com/meterline/credit-service/internal/store"
	"github.com/meterline/credit-service/pkg/rabbitmq"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env if present, then configuration from environment variables
	_ = godotenv.Load()
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	increment, err := decimal.NewFromString(cfg.CreditIncrement)
	if err != nil {
		logger.Error("invalid CREDIT_INCREMENT", "value", cfg.CreditIncrement, "error", err)
		os.Exit(1)
	}
	policy, err := domain.NewIncrementPolicy(increment)
	if err != nil {
		logger.Error("invalid credit increment configuration", "error", err)
		os.Exit(1)
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up channel to listen for OS signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Establish connection to the PostgreSQL database with pool configuration
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// IMPORTANT: Disable prepared statements to work with PgBouncer transaction pooling
	// Use simple protocol to avoid statement cache errors (SQLSTATE 42P05)
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	// Register shopspring decimal codec so numeric columns scan losslessly
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Redis is optional; without it the idempotency fast path is disabled and
	// duplicates fall through to the durable request-id check in Postgres.
	var redisClient redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		logger.Info("redis connection configured")
	}

	// Event producer with no-op fallback when the broker is unreachable
	var publisher rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("rabbitmq unavailable, falling back to no-op publisher", "error", err)
			publisher = &rabbitmq.EventProducerFallback{}
		} else {
			publisher = producer
		}
	} else {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	defer publisher.Close()

	// Initialize application layers
	repository := store.NewPostgresRepository(dbpool)
	idempotency := app.NewIdempotencyCache(redisClient, "credit:deduction",
		time.Duration(cfg.IdempotencyRetentionHours)*time.Hour, logger)
	monitor := app.NewDepletionMonitor(publisher,
		decimal.NewFromInt(int64(cfg.LowBalanceThresholdPercent)), logger)
	ledger := app.NewService(repository, policy, idempotency, monitor, logger)
	proration := app.NewProrationEngine(repository, policy, logger)
	tiers := app.NewTierService(repository, logger)

	handler := api.NewHandler(ledger, proration, tiers, policy)
	router := api.NewRouter(handler, cfg.JWTSecret, cfg.InternalAPIKey)

	// Start the billing period rollover scheduler
	jobs := app.NewJobs(repository, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.RolloverSchedule)
	scheduler.Start()

	// Configure and start the HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for an OS signal
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	// Stop scheduling new jobs and wait for running ones
	<-scheduler.Stop().Done()

	// Create a context with a timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Attempt to gracefully shut down the server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
