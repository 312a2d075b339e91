package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"kbcrawler/internal/api"
	"kbcrawler/internal/config"
	"kbcrawler/internal/crawler"
	"kbcrawler/internal/fetcher"
	"kbcrawler/internal/logging"
	"kbcrawler/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML configuration (environment only when empty)")
	addr := flag.String("addr", "", "HTTP listen address, overrides api.addr")
	maxRunning := flag.Int("max-running", 0, "Maximum concurrently running tasks, overrides api.max_running_tasks")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if *maxRunning > 0 {
		cfg.API.MaxRunningTasks = *maxRunning
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialise logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := storage.Open(ctx, *cfg, logger)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer stores.Close()

	f, err := fetcher.New(*cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialise fetcher: %v", err)
	}

	orchestrator := crawler.New(f, stores.Tasks, stores.Pages,
		crawler.WithLogger(logger),
		crawler.WithShutdownTimeout(cfg.Orchestrator.ShutdownTimeout.Duration),
	)
	service := api.NewTaskService(ctx, stores.Tasks, stores.Pages, orchestrator, cfg.Tasks, cfg.API.MaxRunningTasks, logger)

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.NewServer(service, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
	}()

	logger.Info("api server listening", "addr", cfg.API.Addr, "max_running_tasks", cfg.API.MaxRunningTasks)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
	}
	stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.ShutdownTimeout.Duration)
	defer cancel()
	if err := service.Wait(waitCtx); err != nil {
		logger.Warn("tasks still running at exit", "running", service.Running(), "error", err)
	}
	logger.Info("api server stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}
