package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/taskfleet/internal/config"
	"github.com/cuongbtq/taskfleet/internal/coordinator/dispatch"
	"github.com/cuongbtq/taskfleet/internal/coordinator/events"
	"github.com/cuongbtq/taskfleet/internal/coordinator/handler"
	"github.com/cuongbtq/taskfleet/internal/coordinator/health"
	"github.com/cuongbtq/taskfleet/internal/coordinator/lock"
	"github.com/cuongbtq/taskfleet/internal/coordinator/registry"
	"github.com/cuongbtq/taskfleet/internal/coordinator/router"
	"github.com/cuongbtq/taskfleet/internal/coordinator/storage"
	"github.com/cuongbtq/taskfleet/shared/logger"
	"github.com/cuongbtq/taskfleet/shared/postgresql"
	"github.com/cuongbtq/taskfleet/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
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
	defaultConfigPath := os.Getenv("COORDINATOR_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/coordinator-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateCoordinatorConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting coordinator service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client. Event publishing is optional: an empty
	// host runs the coordinator without a broker.
	var rabbitClient *rabbitmq.Client
	if cfg.RabbitMQ.Host != "" {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		appLogger.Info("RabbitMQ connection established")
	} else {
		appLogger.Info("RabbitMQ not configured, event publishing disabled")
	}

	// Each coordinator instance owns its dispatch-gating leases under a
	// unique identity, so TTL expiry can reclaim them after a crash.
	instanceID := "coordinator-" + uuid.NewString()

	db := dbClient.GetDB()
	lockManager := lock.NewManager(storage.NewLockStore(db, appLogger.Logger), appLogger.Logger)
	workerRegistry := registry.NewRegistry(storage.NewWorkerStore(db, appLogger.Logger), appLogger.Logger)
	taskStore := storage.NewTaskStore(db, appLogger.Logger)

	var broker events.Broker
	if rabbitClient != nil {
		broker = rabbitClient
	}
	publisher := events.NewPublisher(broker, appLogger.Logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Concurrency:      cfg.Coordinator.DispatchConcurrency,
		RequestTimeout:   cfg.Coordinator.DispatchTimeout,
		DefaultWorkerURL: cfg.Coordinator.DefaultWorkerURL,
		Token:            firstToken(cfg.Auth.Tokens),
	}, appLogger.Logger)

	handlerDeps := &handler.Dependencies{
		Logger:     appLogger.Logger,
		Locks:      lockManager,
		Registry:   workerRegistry,
		Tasks:      taskStore,
		Dispatcher: dispatcher,
		Events:     publisher,
		InstanceID: instanceID,
		LockTTL:    cfg.Coordinator.LockTTL,
		DBHealth:   dbClient.HealthCheck,
	}

	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r := router.SetupRouter(handlerDeps, &cfg.Auth, appLogger.Logger)

	// Background loops: worker health polling and expired-lease cleanup.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	monitor := health.NewMonitor(health.Config{
		Interval: cfg.Coordinator.HealthInterval,
		Timeout:  cfg.Coordinator.HealthTimeout,
	}, workerRegistry, appLogger.Logger)
	go monitor.Start(bgCtx)

	go runLockJanitor(bgCtx, lockManager, cfg.Coordinator.CleanupInterval, appLogger.Logger)

	// Create HTTP server
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
		slog.String("instance_id", instanceID),
		slog.Duration("lock_ttl", cfg.Coordinator.LockTTL),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Coordinator service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	bgCancel()
	monitor.Wait()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
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

// runLockJanitor deletes expired leases on a fixed interval. TTL expiry is
// the only automatic reclamation path; this just keeps dead rows from
// accumulating between acquires.
func runLockJanitor(ctx context.Context, locks *lock.Manager, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := locks.CleanupExpired(ctx)
			if err != nil {
				logger.Error("Expired lock cleanup failed",
					slog.Any("error", err),
				)
				continue
			}
			if removed > 0 {
				logger.Info("Removed expired locks",
					slog.Int64("removed", removed),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// firstToken returns the token the coordinator presents to workers when
// dispatching batches.
func firstToken(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
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
