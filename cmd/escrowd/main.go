package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clearhold/config"
	"clearhold/escrow"
	"clearhold/observability/logging"
	"clearhold/observability/metrics"
	gateway "clearhold/services/escrow-gateway"
	"clearhold/storage"
)

func main() {
	configPath := flag.String("config", "./clearhold.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup(logging.Options{Service: "escrowd"}).Error("load config", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{
		Service: "escrowd",
		Env:     cfg.Environment,
		File:    cfg.LogFile,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	store, err := storage.NewBoltStore(cfg.DatabasePath())
	if err != nil {
		logger.Error("open escrow store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	gatewayStore, err := gateway.NewSQLiteStore(cfg.GatewayDatabasePath())
	if err != nil {
		logger.Error("open gateway store", "err", err)
		os.Exit(1)
	}
	defer gatewayStore.Close()

	registry := prometheus.NewRegistry()
	escrowMetrics := metrics.NewEscrow(registry)

	engine := escrow.NewEngine(store)
	queue := gateway.NewWebhookQueue(gatewayStore, logger, escrowMetrics)
	queue.Start()
	defer queue.Stop()
	engine.SetEmitter(queue)

	skew, err := cfg.Skew()
	if err != nil {
		logger.Error("parse timestamp skew", "err", err)
		os.Exit(1)
	}
	auth := gateway.NewAuthenticator(cfg.Secrets(), skew, nil)
	server := gateway.NewServer(engine, auth, gatewayStore, logger, escrowMetrics, cfg.RateLimitPerSecond, cfg.RateLimitBurst)

	api := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddress)
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway server", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = api.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)
}
