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

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	amqpadapter "github.com/mlett/crossport/internal/adapters/amqp"
	dockeradapter "github.com/mlett/crossport/internal/adapters/docker"
	"github.com/mlett/crossport/internal/adapters/duckdb"
	"github.com/mlett/crossport/internal/config"
	"github.com/mlett/crossport/internal/core/domain"
	"github.com/mlett/crossport/internal/core/services"
	"github.com/mlett/crossport/internal/logging"
	"github.com/mlett/crossport/pkg/kernel"
)

func main() {
	if err := godotenv.Load(); err != nil {
		// A missing .env is the normal case outside development.
		slog.Debug("no .env file loaded", "error", err)
	}

	configPath := flag.String("config", "config/crossport.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info("starting crossport kernel", "addr", cfg.Server.Addr)

	if err := run(logger, cfg); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	store, err := duckdb.NewStore(cfg.Store.Path, cfg.Store.TTL)
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	defer store.Close()

	runtimes := make(map[domain.ChannelID]dockeradapter.ChannelRuntime, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		runtimes[ch.ID] = dockeradapter.ChannelRuntime{Image: ch.Image, EntryURL: ch.EntryURL}
	}
	launcher, err := dockeradapter.NewLauncher(cfg.Server.PublicURL, cfg.AMQP.URL, runtimes)
	if err != nil {
		return fmt.Errorf("init worker launcher: %w", err)
	}
	defer launcher.Close()

	// Workers cannot re-register across kernel restarts; anything still
	// running from a previous life is a zombie.
	if err := launcher.CleanupOrphans(ctx); err != nil {
		return fmt.Errorf("orphan cleanup failed: %w", err)
	}

	signaler, err := amqpadapter.NewSignaler(amqpadapter.Config{
		URL:           cfg.AMQP.URL,
		Exchange:      cfg.AMQP.Exchange,
		RetryAttempts: cfg.AMQP.RetryAttempts,
		RetryInterval: cfg.AMQP.RetryInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("init signaler: %w", err)
	}
	defer signaler.Close()

	eventBus := services.NewEventBus(logger)
	orch := services.NewOrchestrator(logger, store, launcher, signaler, eventBus, services.OrchestratorConfig{
		MaxJobs:               cfg.Store.MaxJobs,
		MaxConcurrentLaunches: cfg.Workers.MaxConcurrentLaunches,
	})
	sweeper := services.NewSweeper(logger, orch, cfg.Store.SweepInterval)

	apiServer := kernel.NewServer(logger, orch, eventBus, cfg.Channels)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("control api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("draining api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
