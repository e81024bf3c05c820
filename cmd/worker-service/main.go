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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/jobengine/internal/bootstrap"
	"github.com/cuongbtq/jobengine/internal/config"
	"github.com/cuongbtq/jobengine/internal/engine"
	"github.com/cuongbtq/jobengine/internal/notify"
	"github.com/cuongbtq/jobengine/shared/logger"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage, cache and cipher
	res, err := bootstrap.Open(ctx, cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer res.Close()

	// Handlers jobs may invoke
	registry := bootstrap.NewRegistry(cfg)
	if err := registerHandlers(registry); err != nil {
		return fmt.Errorf("failed to register handlers: %w", err)
	}
	appLogger.Info("Handlers registered", slog.Any("methods", registry.Methods()))

	engineCfg, err := bootstrap.EngineConfig(cfg, res, registry, appLogger.Logger)
	if err != nil {
		return err
	}
	eng, err := engine.New(engineCfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Optional RabbitMQ wake-ups; polling works without them
	broker, err := res.OpenBroker(cfg, false)
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if broker != nil {
		var opts []notify.ListenerOption
		if d := cfg.RabbitMQ.Connection.RetryInterval; d > 0 {
			opts = append(opts, notify.WithReconnectDelay(d))
		}
		listener := notify.NewListener(broker, eng, cfg.RabbitMQ.Consumer.Tag, cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Logger, opts...)
		g.Go(func() error {
			return listener.Run(gctx)
		})
	}

	appLogger.Info("Worker service started successfully",
		slog.String("process_id", eng.ProcessID()),
	)

	// Wait for a signal or a listener failure
	<-gctx.Done()
	if ctx.Err() != nil {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Give running jobs StopServerDelay to finish, plus time to persist outcomes
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Engine.StopServerDelay+10*time.Second)
	defer shutdownCancel()

	if err := eng.Stop(shutdownCtx); err != nil {
		appLogger.Error("Engine stop failed", slog.Any("error", err))
	}

	if err := g.Wait(); err != nil {
		appLogger.Error("Worker error", slog.Any("error", err))
		return err
	}

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
