package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/testrun-service/internal/artifact"
	"github.com/cuongbtq/testrun-service/internal/config"
	"github.com/cuongbtq/testrun-service/internal/executor"
	"github.com/cuongbtq/testrun-service/internal/generator"
	"github.com/cuongbtq/testrun-service/internal/queue"
	queuepostgres "github.com/cuongbtq/testrun-service/internal/queue/postgres"
	queueredis "github.com/cuongbtq/testrun-service/internal/queue/redis"
	"github.com/cuongbtq/testrun-service/internal/recovery"
	storepostgres "github.com/cuongbtq/testrun-service/internal/store/postgres"
	"github.com/cuongbtq/testrun-service/internal/worker"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	// Initialize the job queue
	jobQueue, closeQueue, err := initQueue(cfg, dbClient.GetDB(), appLogger.Component("queue"))
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	defer closeQueue()

	runStore := storepostgres.NewStore(dbClient.GetDB(), appLogger.Component("store"))

	// Repair whatever the previous run left behind before taking new work
	coordinator := recovery.New(&recovery.Config{
		Logger:          appLogger.Component("recovery"),
		Store:           runStore,
		Queue:           jobQueue,
		StaleThreshold:  cfg.Recovery.StaleThreshold,
		MaxLeaseRetries: cfg.Queue.MaxLeaseRetries,
		Concurrency:     cfg.Recovery.Concurrency,
	})
	cleanupPolicy := recovery.CleanupPolicy{
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
		Limit:              cfg.Queue.CleanupLimit,
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	coordinator.Run(startupCtx)
	coordinator.Cleanup(startupCtx, cleanupPolicy)
	cancelStartup()

	// Collaborators
	var artifacts artifact.Store
	if cfg.Storage.Endpoint != "" {
		minioStore, err := artifact.NewMinioStore(&artifact.MinioConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			URLExpiry: cfg.Storage.URLExpiry,
		}, appLogger.Component("artifacts"))
		if err != nil {
			return fmt.Errorf("failed to initialize artifact storage: %w", err)
		}
		artifacts = minioStore
	} else {
		appLogger.Warn("No storage endpoint configured, artifacts will not be uploaded")
	}

	testGenerator := generator.New(&generator.Config{
		Logger:      appLogger.Component("generator"),
		APIKey:      cfg.Generator.APIKey,
		Model:       cfg.Generator.Model,
		BaseURL:     cfg.Generator.BaseURL,
		Temperature: cfg.Generator.Temperature,
		MaxTokens:   cfg.Generator.MaxTokens,
		Timeout:     cfg.Generator.Timeout,
	})

	testExecutor := executor.New(&executor.Config{
		Logger:    appLogger.Component("executor"),
		Command:   cfg.Executor.Command,
		Dir:       cfg.Executor.Dir,
		WorkDir:   cfg.Executor.WorkDir,
		Timeout:   cfg.Executor.Timeout,
		Artifacts: artifacts,
		Cleanup:   cfg.Executor.Cleanup,
	})

	workerCfg := &worker.Config{
		Logger:         appLogger.Component("worker"),
		WorkerID:       workerID,
		Queue:          jobQueue,
		Store:          runStore,
		Generator:      testGenerator,
		Executor:       testExecutor,
		Concurrency:    cfg.Worker.Concurrency,
		PollInterval:   cfg.Worker.PollInterval,
		MaxPollBackoff: cfg.Worker.MaxPollBackoff,
		RenewInterval:  cfg.Worker.RenewInterval,
		LeaseDuration:  cfg.Queue.LeaseDuration,
		JobTimeout:     cfg.Worker.JobTimeout,
	}

	// Initialize RabbitMQ client, used only for wake-up hints
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		workerCfg.Wakeups = rabbitClient

		appLogger.Info("RabbitMQ connection established")
	}

	// Create worker instance
	workerInstance := worker.NewWorker(workerCfg)

	// runCtx aborts in-flight jobs; it is only canceled when draining takes too long
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	sweepCtx, stopSweep := context.WithCancel(runCtx)
	defer stopSweep()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return workerInstance.Start(gctx)
	})
	if cfg.Worker.SweepInterval > 0 {
		g.Go(func() error {
			sweep(sweepCtx, coordinator, cleanupPolicy, cfg.Worker.SweepInterval)
			return nil
		})
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- g.Wait()
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
		}
		return err
	}

	// Stop leasing and let in-flight jobs finish
	stopSweep()
	workerInstance.Stop()

	timer := time.NewTimer(cfg.Worker.ShutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-errChan:
		if err != nil {
			return err
		}
		appLogger.Info("Worker stopped gracefully")
	case <-timer.C:
		appLogger.Warn("Worker shutdown timeout exceeded, returning in-flight jobs to the queue")
		cancelRun()
		if err := <-errChan; err != nil {
			return err
		}
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// sweep re-runs recovery so records whose entries were dead-lettered reach FAILED
func sweep(ctx context.Context, coordinator *recovery.Coordinator, policy recovery.CleanupPolicy, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coordinator.Run(ctx)
			coordinator.Cleanup(ctx, policy)
		}
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
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

// initQueue builds the configured queue backend
func initQueue(cfg *config.Config, db *sqlx.DB, logger *slog.Logger) (queue.Queue, func(), error) {
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
			return nil, nil, err
		}
		q := queueredis.New(redisClient.GetClient(), opts,
			queueredis.WithPrefix(cfg.Redis.KeyPrefix),
			queueredis.WithLogger(logger),
		)
		return q, func() { redisClient.Close() }, nil
	default:
		return queuepostgres.NewQueue(db, opts, logger), func() {}, nil
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
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
