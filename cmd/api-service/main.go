package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/rate-bulk/db/migrations"
	"github.com/cuongbtq/rate-bulk/internal/api/admission"
	"github.com/cuongbtq/rate-bulk/internal/api/audit"
	"github.com/cuongbtq/rate-bulk/internal/api/handler"
	"github.com/cuongbtq/rate-bulk/internal/api/quota"
	"github.com/cuongbtq/rate-bulk/internal/api/router"
	"github.com/cuongbtq/rate-bulk/internal/api/stats"
	"github.com/cuongbtq/rate-bulk/internal/api/storage"
	"github.com/cuongbtq/rate-bulk/internal/api/tenant"
	"github.com/cuongbtq/rate-bulk/internal/config"
	"github.com/cuongbtq/rate-bulk/shared/clock"
	"github.com/cuongbtq/rate-bulk/shared/logger"
	"github.com/cuongbtq/rate-bulk/shared/postgresql"
	"github.com/cuongbtq/rate-bulk/shared/rabbitmq"
	"github.com/cuongbtq/rate-bulk/shared/servicetoken"
	"github.com/cuongbtq/rate-bulk/shared/tracing"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.StringP("config", "c", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging, cfg.App.Name)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	publicKey, err := servicetoken.ParsePublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("invalid auth public_key: %w", err)
	}

	tracerProvider, err := tracing.NewProvider(context.Background(), &tracing.Config{
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Service:     cfg.App.Name,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(context.Background(), migrations.Files); err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		dbClient.Close()
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	redisClient := initRedis(&cfg.Redis, appLogger.Logger)

	tracer := tracerProvider.Tracer()
	store := storage.NewStorage(dbClient, appLogger.Logger)
	emitter := audit.NewEmitter(store, appLogger.WithGroup("audit").Logger, tracer, cfg.Admission.AuditTimeout)

	orchestrator := initAdmission(cfg, admissionDeps{
		logger:  appLogger.Logger,
		store:   store,
		emitter: emitter,
		rabbit:  rabbitClient,
		redis:   redisClient,
		tracer:  tracer,
		tokens:  tenant.NewSignedTokenVerifier(publicKey, cfg.Auth.Audience, clock.Real()),
	})

	r := initRouter(cfg, appLogger.Logger, dbClient, orchestrator)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		emitter.Close()
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			appLogger.Warn("Tracer shutdown failed", slog.Any("error", err))
		}
		if redisClient != nil {
			redisClient.Close()
		}
		rabbitClient.Close()
		dbClient.Close()
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		QueueMaxPriority:   cfg.Queue.MaxPriority,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRedis returns nil when statistics are disabled
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) *redis.Client {
	if cfg.Addr == "" {
		logger.Info("Redis address not set, admission statistics disabled")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// statistics are best-effort, keep serving without them
		logger.Warn("Redis unreachable at startup", slog.String("addr", cfg.Addr), slog.Any("error", err))
	}

	return rdb
}

type admissionDeps struct {
	logger  *slog.Logger
	store   *storage.Storage
	emitter *audit.Emitter
	rabbit  *rabbitmq.Client
	redis   *redis.Client
	tracer  trace.Tracer
	tokens  tenant.TokenVerifier
}

// initAdmission wires the admission orchestrator and its collaborators
func initAdmission(cfg *config.Config, deps admissionDeps) *admission.Orchestrator {
	statsStore := stats.NewRedisStore(deps.redis,
		stats.WithPrefix(cfg.Redis.Prefix),
		stats.WithTTL(cfg.Redis.StatsTTL),
		stats.WithTrackCompanies(cfg.Redis.TrackKeys),
	)

	return admission.NewOrchestrator(admission.Config{
		PerJobEstimate: cfg.Admission.PerJobEstimate,
		RequestTimeout: cfg.Admission.RequestTimeout,
		RatingFunction: cfg.Admission.RatingFunction,
		StatsTimeout:   cfg.Redis.Timeout,
	}, admission.Dependencies{
		Resolver:  tenant.NewResolver(deps.tokens, deps.store, deps.logger),
		Quota:     quota.NewEngine(quota.PoliciesFromConfig(cfg.Tiers), cfg.Admission.QuotaWindow),
		Store:     deps.store,
		Publisher: deps.rabbit,
		Audit:     deps.emitter,
		Stats:     statsStore,
		Clock:     clock.Real(),
		Tracer:    deps.tracer,
		Logger:    deps.logger,
	})
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, admitter handler.Admitter) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Admission:   admitter,
		Database:    dbClient,
		ServiceName: cfg.App.Name,
	})
}
