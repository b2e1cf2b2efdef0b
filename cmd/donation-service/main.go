/**
 * @description
 * This is the main entry point for the donation-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, wires the repository, application service,
 * charge-result consumer and HTTP router together, and serves until it receives a
 * termination signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Status change rate limiting.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/donorhub/recurring-donation-service/internal/api"
	"github.com/donorhub/recurring-donation-service/internal/app"
	"github.com/donorhub/recurring-donation-service/internal/config"
	"github.com/donorhub/recurring-donation-service/internal/store"
	"github.com/donorhub/recurring-donation-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateDonationService(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting donation-service", "port", cfg.ServerPort)

	dbpool, err := connectDatabase(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = repository.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		logger.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}

	var publisher rabbitmq.Publisher
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	service := app.NewService(repository, publisher, cfg.DonationEventsExchange, logger)

	if redisClient := connectRedis(cfg.RedisURL, logger); redisClient != nil {
		defer redisClient.Close()
		service.SetStatusChangeLimiter(
			app.NewRedisStatusChangeLimiter(redisClient, cfg.RedisRateLimitPrefix, cfg.StatusChangeRateLimitPerMin),
		)
	}

	chargeConsumer := app.NewChargeResultConsumer(service, logger)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable; schedules advance only through the internal API", "error", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]rabbitmq.HandlerFunc{
			cfg.ChargeSucceededRoutingKey: chargeConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.PaymentEventsExchange, cfg.ChargeResultQueue, bindings); err != nil {
			logger.Error("charge result consumer start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("charge result consumer started", "queue", cfg.ChargeResultQueue)
	}

	handler := api.NewHandler(service, logger)
	auth := api.ClerkAuthMiddleware(cfg.ClerkJWKSURL, api.TokenPolicy{
		AdminRole: cfg.AdminRole,
		Audience:  cfg.ClerkAudience,
		Issuer:    cfg.ClerkIssuer,
	})
	router := api.NewRouter(handler, auth, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func connectDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// connectRedis returns nil when Redis is not configured or not reachable; rate limiting
// is then disabled.
func connectRedis(redisURL string, logger *slog.Logger) *redis.Client {
	if redisURL == "" {
		logger.Warn("redis url missing; status change rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("redis url parse failed; status change rate limiting disabled", "error", err)
		return nil
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed; status change rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	logger.Info("redis connected")
	return client
}
