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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/vaultlink/internal/link"
	"github.com/lsm/vaultlink/internal/link/proxy"
	"github.com/lsm/vaultlink/internal/observability"
	"github.com/lsm/vaultlink/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		portFlag        = flag.Int("port", 0, "Override listen port (e.g., 3601)")
		configFlag      = flag.String("config", "", "Path to config file. Can also be set via "+link.ConfigPathEnv+" env var.")
		metricsPortFlag = flag.Int("metrics-port", 0, "Override metrics port")
		logLevelFlag    = flag.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via "+observability.LogLevelEnv+" env var.")
	)
	flag.Parse()

	level := observability.GetLogLevel(*logLevelFlag)
	logger := observability.NewLogger("vault-link", level, nil)
	slog.SetDefault(logger)

	configPath := link.ConfigPath(*configFlag)
	cfg, err := link.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *portFlag > 0 {
		cfg.ListenAddr = fmt.Sprintf(":%d", *portFlag)
	}
	if *metricsPortFlag > 0 {
		cfg.MetricsAddr = fmt.Sprintf(":%d", *metricsPortFlag)
	}

	logger.Info("loaded config", "vaults", len(cfg.Vaults), "listenAddr", cfg.ListenAddr)

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("vault-link"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := link.NewMetrics(reg)
	challengeMetrics := observability.NewMetrics(reg)

	buildOpts := proxy.BuildOptions{
		Logger:           logger,
		Metrics:          metrics,
		ChallengeMetrics: challengeMetrics,
		Tracer:           tracer,
	}
	targets, err := proxy.BuildTargets(cfg.Vaults, nil, buildOpts)
	if err != nil {
		return fmt.Errorf("build vault targets: %w", err)
	}
	store := proxy.NewTargetStore(targets)

	handler := proxy.NewHandler(proxy.Config{
		Targets:          store,
		Metrics:          metrics,
		ChallengeMetrics: challengeMetrics,
		Tracer:           tracer,
		Logger:           logger,
	})

	health := observability.NewHealthServer()
	health.SetVaults(store.Len())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsMux.Handle("GET /healthz", health.Handler())
	metricsMux.Handle("GET /readyz", health.Handler())

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	proxyMux := http.NewServeMux()
	proxyMux.Handle(proxy.RoutePrefix, handler)

	proxyServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           proxyMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	watcher := link.NewWatcher(configPath, logger, metrics, func(next *link.Config) {
		targets, err := proxy.BuildTargets(next.Vaults, store, buildOpts)
		if err != nil {
			logger.Error("config reload rejected", "error", err)
			return
		}
		store.Update(targets)
		health.SetVaults(store.Len())
		logger.Info("vaults reloaded", "vaults", store.Names())
	})
	go func() {
		if err := watcher.Watch(ctx.Done()); err != nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go func() {
		logger.Info("proxy server starting", "addr", cfg.ListenAddr)
		if err := proxyServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	health.SetReady(true)
	logger.Info("vault-link started", "vaults", store.Names())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return err
	}

	health.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy server shutdown error", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
