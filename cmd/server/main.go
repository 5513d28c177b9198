package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camuig/mt5-bonus/internal/config"
	"github.com/camuig/mt5-bonus/internal/engine"
	"github.com/camuig/mt5-bonus/internal/gateway"
	"github.com/camuig/mt5-bonus/internal/logger"
	"github.com/camuig/mt5-bonus/internal/monitor"
	"github.com/camuig/mt5-bonus/internal/scheduler"
	"github.com/camuig/mt5-bonus/internal/storage"
	"github.com/camuig/mt5-bonus/internal/telegram"
	"github.com/camuig/mt5-bonus/internal/trigger"
	"github.com/camuig/mt5-bonus/internal/web"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Init logger
	log := logger.New(cfg.Logging.Level)

	mode := "LIVE"
	if cfg.UseMockGateway() {
		mode = "MOCK"
	}
	log.Info("starting mt5-bonus", "mode", mode)

	// Init database
	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	repo := storage.NewRepository(db)

	// Context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Select the trading gateway
	var gw gateway.Gateway
	if cfg.UseMockGateway() {
		log.Warn("no MT5 server configured, using in-memory mock gateway")
		gw = gateway.NewSeededMock()
	} else {
		api := gateway.NewWebAPI(cfg, log)
		if err := api.Connect(ctx); err != nil {
			log.Error("MT5 gateway connect failed", "error", err)
			os.Exit(1)
		}
		log.Info("MT5 gateway connected", "server", cfg.MT5.ServerURL)
		gw = api
	}

	// Init services
	notifier := telegram.NewNotifier(cfg, log)
	eng := engine.New(gw, repo, notifier, log)
	dispatcher := trigger.NewDispatcher(eng, repo, log)
	mon := monitor.New(gw, repo, eng, dispatcher, notifier, log, cfg.Monitor.AutoDiscover)
	sched := scheduler.NewScheduler(mon, notifier, cfg, log)
	webServer := web.NewServer(eng, dispatcher, repo, cfg, log)

	// Start scheduler in goroutine
	schedDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(schedDone)
	}()

	// Start web server in goroutine
	go func() {
		if err := webServer.Start(); err != nil {
			log.Error("web server error", "error", err)
		}
	}()

	notifier.NotifyStatus(fmt.Sprintf("🤖 MT5 bonus service started (%s)", mode))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	cancel() // stop scheduler

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	// An in-flight reconciliation cycle is allowed to finish before exit.
	<-schedDone

	notifier.NotifyStatus("🛑 MT5 bonus service stopped")
	log.Info("mt5-bonus stopped")
}
