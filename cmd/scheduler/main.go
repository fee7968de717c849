// Package main provides the Bananas scheduler service for managing cron-based job scheduling.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/queue/factory"
	"github.com/muaviaUsmani/bananas/internal/scheduler"
	"github.com/redis/go-redis/v9"
)

// createRedisClient creates a Redis client from the Redis URL
func createRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// connectWithRetry builds the default queue with exponential backoff so a
// scheduler restarted alongside its store doesn't give up immediately.
func connectWithRetry(qf *factory.Factory, broker config.BrokerKind, name string, maxRetries int, log logger.Logger) (queue.Queue, error) {
	var q queue.Queue
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		q, err = qf.Create(broker, name)
		if err == nil {
			return q, nil
		}

		// Calculate exponential backoff delay: 2^attempt seconds (max 30 seconds)
		// #nosec G115 - attempt is bounded by maxRetries parameter, overflow not possible
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("Failed to connect to broker, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, err)
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()

	// Set as default logger
	logger.SetDefault(log)

	// Create component-specific logger
	schedulerLog := log.WithComponent(logger.ComponentScheduler).WithSource(logger.LogSourceInternal)

	schedulerLog.Info("Scheduler starting",
		"broker", cfg.Broker,
		"max_retries", cfg.MaxRetries)

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		schedulerLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		// Create server with timeouts for security
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			schedulerLog.Error("pprof server failed", "error", err)
		}
	}()

	qf := factory.New(cfg, nil)

	queueName := os.Getenv("SCHEDULER_QUEUE")
	if queueName == "" {
		queueName = "default"
	}

	// Build the target queue with retry logic
	q, err := connectWithRetry(qf, cfg.Broker, queueName, 5, schedulerLog)
	if err != nil {
		schedulerLog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}

	schedulerLog.Info("Successfully connected", "queue", queueName, "broker", cfg.Broker)

	// Create Redis client for the cron scheduler's distributed locks
	redisClient, err := createRedisClient(cfg.RedisURL)
	if err != nil {
		schedulerLog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			schedulerLog.Error("Failed to close Redis client", "error", err)
		}
	}()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize cron scheduler if enabled
	if cfg.CronSchedulerEnabled {
		registry := scheduler.NewRegistry()

		// Register example schedules (users should replace this with their own schedules)
		// Example: Daily report at midnight UTC
		// registry.MustRegister(&scheduler.Schedule{
		// 	ID:          "daily-report",
		// 	Cron:        "0 0 * * *",
		// 	Job:         "generate_report",
		// 	Priority:    job.PriorityNormal,
		// 	Timezone:    "UTC",
		// 	Enabled:     true,
		// 	Description: "Generate daily report",
		// })

		cronScheduler := scheduler.NewCronScheduler(registry, q, redisClient, cfg.CronSchedulerInterval)
		schedulerLog.Info("Cron scheduler initialized",
			"interval", cfg.CronSchedulerInterval,
			"schedules", registry.Count())

		// Start cron scheduler in background
		go cronScheduler.Start(ctx)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	schedulerLog.Info("Scheduler ready")

	// Wait for shutdown signal
	sig := <-sigChan
	schedulerLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	// Cancel context to stop background goroutine
	cancel()

	// Close queues (the work-queue backend's delayed watcher stops with it)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer closeCancel()
	if err := qf.CloseAll(closeCtx); err != nil {
		schedulerLog.Error("Failed to close queues", "error", err)
	}

	schedulerLog.Info("Scheduler shut down successfully")
}
