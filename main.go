package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"upbitflow/config"
	"upbitflow/internal/engine"
	"upbitflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Upbitflow.Name,
		"version": cfg.Upbitflow.Version,
	}).Info("starting upbitflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if cfg.Metrics.Enabled || strings.ToLower(cfg.Logging.Level) == "report" {
		interval := cfg.Metrics.ReportInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		logger.StartReport(ctx, log, interval)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.WithError(err).Error("failed to build engine")
		os.Exit(1)
	}

	if err := eng.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start engine")
		os.Exit(1)
	}

	// Drain the feeds so slow consumers never stall the sessions when the
	// binary runs stand-alone.
	go func() {
		for ev := range eng.MarketEvents() {
			if ev.Err != nil {
				log.WithComponent("main").WithError(ev.Err).Warn("market stream error")
			}
		}
	}()
	go func() {
		for order := range eng.Updates() {
			log.WithComponent("main").WithFields(logger.Fields{
				"order":  order.Key(),
				"market": order.Market,
				"state":  string(order.State),
			}).Info("order update")
		}
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		eng.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("upbitflow stopped")
}
