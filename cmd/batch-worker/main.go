// Package main provides the Bananas batch worker service for bulk
// notification processing.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muaviaUsmani/bananas/internal/batch"
	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue/factory"
	"github.com/muaviaUsmani/bananas/internal/serialization"
)

// batchQueueName is the batch worker's dedicated queue, distinct from the
// application queues.
const batchQueueName = "batch-notifications"

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
	batchLog := log.WithComponent(logger.ComponentBatch).WithSource(logger.LogSourceInternal)

	batchCfg := batch.Config{
		BatchSize:       getEnvAsInt("BATCH_SIZE", 50),
		Concurrency:     cfg.WorkerConcurrency,
		CollectInterval: getEnvAsDuration("BATCH_COLLECT_INTERVAL", time.Minute),
	}

	batchLog.Info("Batch worker starting",
		"broker", cfg.Broker,
		"queue", batchQueueName,
		"batch_size", batchCfg.BatchSize,
		"concurrency", batchCfg.Concurrency)

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6063"
	}
	go func() {
		batchLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		// Create server with timeouts for security
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			batchLog.Error("pprof server failed", "error", err)
		}
	}()

	qf := factory.New(cfg, nil)
	q, err := qf.Create(cfg.Broker, batchQueueName)
	if err != nil {
		batchLog.Error("Failed to create batch queue", "error", err)
		os.Exit(1)
	}

	// TODO: Replace the in-memory collaborators with your notification
	// repository and delivery providers.
	repo := newMemoryRepository()
	sender := newLoggingSender(batchLog)

	registry := prometheus.NewRegistry()
	metrics := batch.NewMetrics(registry)
	worker := batch.New(q, repo, sender, serialization.NewJSONSerializer(), batchCfg, metrics)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		batchLog.Error("Failed to start batch worker", "error", err)
		os.Exit(1)
	}

	// Expose the batch counters for scraping
	metricsPort := os.Getenv("BATCH_METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9091"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              ":" + metricsPort,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		batchLog.Info("Batch metrics listening", "port", metricsPort)
		if err := server.ListenAndServe(); err != nil {
			batchLog.Error("metrics server failed", "error", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	batchLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()
	worker.Close()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer closeCancel()
	if err := qf.CloseAll(closeCtx); err != nil {
		batchLog.Error("Failed to close queues", "error", err)
	}

	batchLog.Info("Batch worker shut down successfully")
}

func getEnvAsInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
