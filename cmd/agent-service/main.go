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

	"github.com/cuongbtq/taskfleet/internal/agent"
	"github.com/cuongbtq/taskfleet/internal/agent/client"
	"github.com/cuongbtq/taskfleet/internal/agent/executor"
	"github.com/cuongbtq/taskfleet/internal/agent/handler"
	"github.com/cuongbtq/taskfleet/internal/agent/payload"
	"github.com/cuongbtq/taskfleet/internal/config"
	"github.com/cuongbtq/taskfleet/shared/logger"
	"github.com/cuongbtq/taskfleet/shared/postgresql"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("AGENT_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/agent-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAgentConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting agent service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("base_url", cfg.Agent.BaseURL),
		slog.Int("capacity", cfg.Agent.Capacity),
	)

	// Initialize PostgreSQL client (local accounts table)
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Coordinator client: registration, heartbeats, status callbacks.
	coordClient := client.New(client.Config{
		CoordinatorURL: cfg.Agent.CoordinatorURL,
		Token:          cfg.Agent.Token,
	}, appLogger.Logger)

	// Automation payload and batch executor.
	automation := payload.NewHTTPPayload(payload.HTTPConfig{
		BaseURL: cfg.Agent.AutomationURL,
		Timeout: cfg.Agent.AutomationTimeout,
	}, appLogger.Logger)

	exec := executor.NewExecutor(executor.Config{
		MaxConcurrentItems: cfg.Agent.MaxConcurrentItems,
		MaxRetriesPerItem:  cfg.Agent.MaxRetriesPerItem,
		BackoffBase:        cfg.Agent.RetryBackoffBase,
		BackoffMax:         cfg.Agent.RetryBackoffMax,
	}, automation.Execute, appLogger.Logger)

	source := payload.NewAccountSource(dbClient.GetDB(), appLogger.Logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	handlerDeps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		Executor:    exec,
		Source:      source,
		Reporter:    coordClient,
		Token:       cfg.Agent.Token,
		BaseContext: bgCtx,
	}

	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r, batches := handler.SetupRouter(handlerDeps)

	// Registration and heartbeat loop against the coordinator.
	runner := agent.NewRunner(agent.Config{
		BaseURL:           cfg.Agent.BaseURL,
		Name:              cfg.Agent.Name,
		Capacity:          cfg.Agent.Capacity,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
	}, coordClient, appLogger.Logger)

	go runner.Start(bgCtx)

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

	appLogger.Info("Agent service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Cancel in-flight batch work and wait for it to wind down before the
	// server stops; otherwise late callbacks race the dying process.
	bgCancel()
	batches.Wait()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
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
