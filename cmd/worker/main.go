// Package main provides the Bananas worker service for processing background jobs.
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
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Load worker-specific configuration
	workerCfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load worker config: %v\n", err)
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
	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)

	workerLog.Info("Worker starting",
		"mode", workerCfg.Mode,
		"broker", cfg.Broker,
		"concurrency", workerCfg.Concurrency,
		"queues", workerCfg.RoutingKeys,
		"job_types", len(workerCfg.JobTypes),
		"job_timeout", cfg.JobTimeout)

	// Log detailed worker configuration
	workerLog.Info("Worker configuration details", "config", workerCfg.String())

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		// Create server with timeouts for security
		server := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	qf := factory.New(cfg, nil)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One queue per configured routing key; processors are registered on
	// each unless this process is a dedicated scheduler.
	queues := make([]queue.Queue, 0, len(workerCfg.RoutingKeys))
	for _, queueName := range workerCfg.RoutingKeys {
		q, err := qf.Create(cfg.Broker, queueName)
		if err != nil {
			workerLog.Error("Failed to create queue", "queue", queueName, "error", err)
			os.Exit(1)
		}
		queues = append(queues, q)
	}

	if workerCfg.Mode != config.WorkerModeSchedulerOnly {
		jobTypes := workerCfg.JobTypes
		if len(jobTypes) == 0 {
			jobTypes = defaultJobTypes()
		}
		for _, q := range queues {
			for _, jobType := range jobTypes {
				processor, ok := lookupProcessor(jobType)
				if !ok {
					workerLog.Warn("No processor for job type, skipping", "job_type", jobType)
					continue
				}
				if err := q.Process(jobType, workerCfg.Concurrency, processor); err != nil {
					workerLog.Error("Failed to register processor", "queue", q.Name(), "job_type", jobType, "error", err)
					os.Exit(1)
				}
			}
		}
		workerLog.Info("Registered job processors", "count", len(jobTypes), "queues", len(queues))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start periodic metrics logging
	go func() {
		ticker := time.NewTicker(cfg.DefaultJobOptions.MetricsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					m, err := q.GetMetrics(ctx)
					if err != nil {
						workerLog.Warn("Failed to read queue metrics", "queue", q.Name(), "error", err)
						continue
					}
					workerLog.Info("Queue metrics",
						"queue", m.Name,
						"waiting", m.Counts["waiting"],
						"active", m.Counts["active"],
						"processed", m.Processed,
						"failed", m.Failed,
						"processing_rate", fmt.Sprintf("%.2f/s", m.ProcessingRate),
						"error_rate", fmt.Sprintf("%.2f/s", m.ErrorRate),
					)
				}
			}
		}
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	workerLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	// Cancel context to stop background loops
	cancel()

	// Close every queue (drains in-flight work)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer closeCancel()
	if err := qf.CloseAll(closeCtx); err != nil {
		workerLog.Error("Failed to close queues", "error", err)
	}

	workerLog.Info("Worker shut down successfully")
}
