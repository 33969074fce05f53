package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"floorwatch/alert"
	"floorwatch/catalog"
	"floorwatch/config"
	"floorwatch/dispatch"
	"floorwatch/internal/channel"
	"floorwatch/logger"
	"floorwatch/notify"
	"floorwatch/scanner"
	"floorwatch/stream"
	"floorwatch/subscriber"
	"floorwatch/writer"
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
		"service": cfg.Floorwatch.Name,
		"version": cfg.Floorwatch.Version,
	}).Info("starting floorwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Metrics.CloudWatch.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(channel.ChannelSizes{
		Updates:    cfg.Channels.UpdateBuffer,
		Changed:    cfg.Channels.ChangedBuffer,
		Candidates: cfg.Channels.CandidateBuffer,
		Alerts:     cfg.Channels.AlertBuffer,
	})
	defer channels.Close()

	store := catalog.NewStore()
	latch := &catalog.ScanLatch{}

	subscribers := subscriber.NewStore()
	if err := subscribers.Load(cfg.Subscribers.File); err != nil {
		log.WithError(err).Warn("failed to load subscribers, starting without recipients")
	}

	detector := catalog.NewDetector(store, channels)
	toplistScanner := scanner.NewScanner(cfg, channels, latch)
	subscriptions := stream.NewSubscriptionManager(cfg)
	streamClient := stream.NewClient(cfg, channels, subscriptions)

	sender := notify.NewTelegram(&cfg.Telegram)
	registry := dispatch.NewRegistry(&cfg.Dispatch, sender)
	engine := alert.NewEngine(cfg, store, latch, subscribers, registry, channels)

	var historyWriter *writer.HistoryWriter
	if cfg.Storage.S3.Enabled {
		historyWriter, err = writer.NewHistoryWriter(cfg, channels)
		if err != nil {
			log.WithError(err).Error("failed to create history writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping history writer")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := registry.Start(ctx); err != nil {
			log.WithError(err).Warn("dispatch registry failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Start(ctx); err != nil {
			log.WithError(err).Warn("alert engine failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := detector.Start(ctx); err != nil {
			log.WithError(err).Warn("change detector failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := streamClient.Start(ctx); err != nil {
			log.WithError(err).Warn("stream client failed to start")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := toplistScanner.Start(ctx); err != nil {
			log.WithError(err).Warn("toplist scanner failed to start")
		}
	}()

	if historyWriter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := historyWriter.Start(ctx); err != nil {
				log.WithError(err).Warn("history writer failed to start")
			}
		}()
	}

	time.Sleep(2 * time.Second)
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping toplist scanner")
	toplistScanner.Stop()

	log.Info("stopping stream client")
	streamClient.Stop()

	log.Info("stopping change detector")
	detector.Stop()

	log.Info("stopping alert engine")
	engine.Stop()

	log.Info("stopping dispatch registry")
	registry.Stop()

	if historyWriter != nil {
		log.Info("stopping history writer")
		historyWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("floorwatch stopped")
}
