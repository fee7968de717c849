// Package main provides the Bananas admin server: the queue dashboard,
// per-queue operations, and the Prometheus export.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/muaviaUsmani/bananas/internal/admin"
	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/logger"
	"github.com/muaviaUsmani/bananas/internal/queue/factory"
)

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
	adminLog := log.WithComponent(logger.ComponentAdmin).WithSource(logger.LogSourceInternal)

	adminLog.Info("Admin server starting",
		"broker", cfg.Broker,
		"api_port", cfg.APIPort,
		"monitoring_enabled", cfg.Monitoring.Enabled,
		"monitoring_interval", cfg.Monitoring.Interval)

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		adminLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			adminLog.Error("pprof server failed", "error", err)
		}
	}()

	qf := factory.New(cfg, nil)

	// Attach the queues this admin instance observes. Defaults to the
	// "default" application queue on the configured broker.
	queueNames := strings.Split(getEnv("ADMIN_QUEUES", "default"), ",")
	for _, name := range queueNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := qf.Create(cfg.Broker, name); err != nil {
			adminLog.Error("Failed to attach queue", "queue", name, "error", err)
			os.Exit(1)
		}
	}

	service := admin.NewService(qf)
	server := admin.NewServer(service)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic metrics sampler keeps the Prometheus gauges fresh
	if cfg.Monitoring.Enabled {
		go server.Exporter().RunSampler(ctx, cfg.Monitoring.Interval)
	}

	addr := ":" + cfg.APIPort
	adminLog.Info("Admin server listening", "address", addr)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			adminLog.Error("Admin server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	adminLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		adminLog.Error("HTTP shutdown failed", "error", err)
	}
	if err := qf.CloseAll(shutdownCtx); err != nil {
		adminLog.Error("Failed to close queues", "error", err)
	}

	adminLog.Info("Admin server shut down successfully")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
