package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"otoflow/config"
	"otoflow/internal/channel"
	"otoflow/internal/market"
	"otoflow/internal/orchestrator"
	"otoflow/internal/placement"
	"otoflow/internal/registry"
	"otoflow/internal/session"
	"otoflow/internal/userstream"
	"otoflow/logger"
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
		"service": cfg.Otoflow.Name,
		"version": cfg.Otoflow.Version,
	}).Info("starting otoflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.TickBuffer,
		cfg.Channels.OrderEventBuffer,
	)

	marketManager := market.NewManager(cfg, channels)

	creds := session.Credentials{Cookie: os.Getenv("SESSION_COOKIE")}
	if key := os.Getenv("SESSION_API_KEY"); key != "" {
		creds.Header = http.Header{"X-MBX-APIKEY": []string{key}}
	}
	userStream := userstream.New(cfg, creds, channels)

	var placer placement.Placer
	if cfg.Placement.Enabled {
		placer = placement.NewBinancePlacer(cfg.Placement.APIKey, cfg.Placement.SecretKey, cfg.Placement.BaseURL)
	} else {
		log.WithComponent("main").Info("order placement disabled; running in observe mode")
	}

	reg := registry.New()
	engine := orchestrator.New(cfg, reg, marketManager, placer, channels)

	if err := marketManager.StartAll(ctx); err != nil {
		log.WithError(err).Error("failed to start market monitors")
		os.Exit(1)
	}
	if err := userStream.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start user stream")
		marketManager.StopAll()
		os.Exit(1)
	}
	if err := engine.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start orchestrator")
		userStream.Stop()
		marketManager.StopAll()
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping market monitors")
		marketManager.StopAll()

		log.Info("stopping user stream")
		userStream.Stop()

		log.Info("stopping orchestrator")
		engine.Stop()
		close(done)
	}()

	select {
	case <-done:
		channels.Close()
		stats := engine.Stats()
		log.WithFields(logger.Fields{
			"pairs":         stats.Pairs,
			"volume_traded": stats.VolumeTraded.String(),
		}).Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		// Leave the channels open: a straggling sender must not panic
		// on a closed channel while the process is already exiting.
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("otoflow stopped")
}
