package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/config"
	"github.com/quercusdb/quercus/pkg/storage/gc"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "json" {
		logger.SetJSON()
	}
	logger.Info("Quercus starting: store=%s", cfg.Store.Type)

	broker, err := config.CreateBroker(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	collector := gc.NewCollector(broker, cfg.GC)
	collector.Start()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("Metrics endpoint listening on %s", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics endpoint failed: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Database is running. Press Ctrl+C to stop.")
	<-sigChan

	logger.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("Metrics endpoint shutdown: %v", err)
		}
	}
	if err := collector.Stop(ctx); err != nil {
		logger.Warn("Collector shutdown: %v", err)
	}
	if err := broker.Close(); err != nil {
		logger.Error("Storage shutdown: %v", err)
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}
