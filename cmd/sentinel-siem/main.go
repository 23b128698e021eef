// Package main is the entry point for the sentinel-siem daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel-siem/internal/config"
	"sentinel-siem/internal/pipeline"
	"sentinel-siem/internal/startup"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Show version and exit")
	checkOnly := flag.Bool("check", false, "Run startup diagnostics and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentinel-siem %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"queue_size", cfg.Queue.Size,
		"workers", cfg.Queue.Workers,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(ctx)
	if *checkOnly {
		if diag.HasErrors() {
			os.Exit(1)
		}
		return
	}
	if diag.HasErrors() {
		slog.Warn("startup diagnostics reported errors, continuing anyway")
	}

	rt, err := pipeline.Build(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	if err := rt.Start(ctx); err != nil {
		slog.Error("failed to start pipeline", "error", err)
		rt.Close()
		os.Exit(1)
	}
	slog.Info("pipeline started")

	// Metrics endpoint
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", rt.Metrics.Handler())
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		metricsServer = &http.Server{
			Addr:         cfg.Metrics.ListenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			slog.Info("metrics server listening", "address", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
		shutdownCancel()
	}

	cancel()
	rt.Close()

	slog.Info("shutdown complete", "stats", rt.Service.Stats())
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
