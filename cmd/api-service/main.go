package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/testrun-service/internal/api/handler"
	"github.com/cuongbtq/testrun-service/internal/api/router"
	"github.com/cuongbtq/testrun-service/internal/config"
	"github.com/cuongbtq/testrun-service/internal/notifier"
	"github.com/cuongbtq/testrun-service/internal/queue"
	queuepostgres "github.com/cuongbtq/testrun-service/internal/queue/postgres"
	queueredis "github.com/cuongbtq/testrun-service/internal/queue/redis"
	storepostgres "github.com/cuongbtq/testrun-service/internal/store/postgres"
	"github.com/cuongbtq/testrun-service/internal/submission"
	"github.com/cuongbtq/testrun-service/shared/logger"
	"github.com/cuongbtq/testrun-service/shared/postgresql"
	"github.com/cuongbtq/testrun-service/shared/rabbitmq"
	"github.com/cuongbtq/testrun-service/shared/redis"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	healthChecks := map[string]handler.HealthCheck{
		"database": dbClient.HealthCheck,
	}

	// Initialize the job queue
	jobQueue, queueHealth, closeQueue, err := initQueue(cfg, dbClient.GetDB(), appLogger.Component("queue"))
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer closeQueue()
	if queueHealth != nil {
		healthChecks["queue"] = queueHealth
	}

	// Initialize RabbitMQ client, used only for wake-up hints
	var publisher submission.Publisher
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		publisher = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	runStore := storepostgres.NewStore(dbClient.GetDB(), appLogger.Component("store"))

	runService := submission.New(&submission.Config{
		Logger:    appLogger.Component("submission"),
		Store:     runStore,
		Queue:     jobQueue,
		Publisher: publisher,
	})

	statusNotifier := notifier.New(&notifier.Config{
		Logger:       appLogger.Component("notifier"),
		Store:        runStore,
		PollInterval: cfg.Notifier.PollInterval,
		MaxPolls:     cfg.Notifier.MaxPolls,
	})

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:          appLogger.Logger,
		Runs:            runService,
		Notifier:        statusNotifier,
		HealthChecks:    healthChecks,
		ServiceName:     cfg.App.Name,
		SubmitRateLimit: cfg.Server.SubmitRateLimit,
		SubmitBurst:     cfg.Server.SubmitBurst,
	})

	// Streams follow this context so Shutdown does not wait on them
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down server",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	// End open status streams, then drain regular requests
	cancelBase()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete",
		slog.Int("open_streams", statusNotifier.Active()),
	)
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
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
		AutoMigrate:     cfg.AutoMigrate,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initQueue builds the configured queue backend. The returned health check may be nil.
func initQueue(cfg *config.Config, db *sqlx.DB, logger *slog.Logger) (queue.Queue, handler.HealthCheck, func(), error) {
	opts := queue.Options{
		LeaseDuration:   cfg.Queue.LeaseDuration,
		MaxLeaseRetries: cfg.Queue.MaxLeaseRetries,
	}

	switch cfg.Queue.Backend {
	case config.QueueBackendRedis:
		redisClient, err := redis.NewClient(&redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		q := queueredis.New(redisClient.GetClient(), opts,
			queueredis.WithPrefix(cfg.Redis.KeyPrefix),
			queueredis.WithLogger(logger),
		)
		return q, redisClient.HealthCheck, func() { redisClient.Close() }, nil
	default:
		return queuepostgres.NewQueue(db, opts, logger), nil, func() {}, nil
	}
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
		MessageTTL:         cfg.Queue.MessageTTL,
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	if cfg.Metrics.Enabled {
		deps.MetricsPath = cfg.Metrics.Path
	}

	// Setup router
	return router.SetupRouter(deps)
}
