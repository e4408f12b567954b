package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/config"
	"github.com/cuongbtq/audio-pipeline/internal/jobstore"
	"github.com/cuongbtq/audio-pipeline/internal/messages"
	"github.com/cuongbtq/audio-pipeline/internal/metrics"
	"github.com/cuongbtq/audio-pipeline/internal/objectstore"
	"github.com/cuongbtq/audio-pipeline/internal/provider/gemini"
	"github.com/cuongbtq/audio-pipeline/internal/worker"
	"github.com/cuongbtq/audio-pipeline/shared/logger"
	"github.com/cuongbtq/audio-pipeline/shared/postgresql"
	"github.com/cuongbtq/audio-pipeline/shared/rabbitmq"
	"github.com/joho/godotenv"
)

// metricsShutdownTimeout bounds the metrics server drain. It is separate
// from the worker shutdown budget, which may already be spent.
const metricsShutdownTimeout = 5 * time.Second

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

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	defer appLogger.Close()

	appLogger.Info("Starting worker service",
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

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	metrics.MustRegister()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := jobstore.NewPostgresStore(dbClient.GetDB(), cfg.RetryPolicy(), appLogger.Component("jobstore"))
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure job store schema: %w", err)
	}

	storage, err := objectstore.NewLocalStorage(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("failed to initialize object storage: %w", err)
	}

	geminiClient, err := gemini.NewClient(ctx, gemini.Config{
		APIKey:  cfg.Providers.Gemini.APIKey,
		BaseURL: cfg.Providers.Gemini.BaseURL,
		Model:   cfg.Providers.Gemini.Model,
	}, appLogger.Component("gemini"))
	if err != nil {
		return fmt.Errorf("failed to initialize Gemini client: %w", err)
	}

	// Create worker instance
	workerInstance, err := worker.NewProcessingWorker(&worker.Config{
		Logger:       appLogger.Logger,
		WorkerID:     cfg.Worker.ID,
		JobStore:     store,
		Messages:     messages.NewPostgresRepository(dbClient.GetDB(), appLogger.Component("messages")),
		Storage:      storage,
		Transcriber:  gemini.NewTranscriber(geminiClient),
		Sentiment:    gemini.NewSentimentAnalyzer(geminiClient, cfg.Pipeline.MaxSentimentChars),
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		JobTimeout:   cfg.Worker.JobTimeout,
		Pipeline: worker.PipelineConfig{
			Language:          cfg.Pipeline.Language,
			Diarization:       cfg.Pipeline.Diarization,
			MaxAudioBytes:     cfg.Pipeline.MaxAudioBytes,
			TranscribeTimeout: cfg.Pipeline.TranscribeTimeout,
			SentimentTimeout:  cfg.Pipeline.SentimentTimeout,
		},
		Janitor: worker.JanitorConfig{
			Interval:      cfg.Queue.PruneInterval,
			KeepCompleted: cfg.Queue.KeepCompleted,
			KeepFailed:    cfg.Queue.KeepFailed,
		},
		Wakeups:       rabbitClient,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, appLogger.Logger)

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
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
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop claiming; running attempts finish on their own context
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if err := stopMetricsServer(metricsServer, metricsShutdownTimeout); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
		store.Close()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
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
		ApplicationName: "audio-worker-service",
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
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterQueue:    cfg.Queue.DeadLetterQueue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// startMetricsServer exposes /metrics on its own port; a zero port disables it
func startMetricsServer(port int, logger *slog.Logger) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed",
				slog.Any("error", err),
			)
		}
	}()

	logger.Info("Metrics server started",
		slog.String("address", srv.Addr),
	)
	return srv
}

// stopMetricsServer drains the metrics server on its own deadline
func stopMetricsServer(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
