package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/blackmichael/bluesky-tagstore/internal/config"
	"github.com/blackmichael/bluesky-tagstore/internal/domain"
	"github.com/blackmichael/bluesky-tagstore/internal/httpserver"
	"github.com/blackmichael/bluesky-tagstore/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The store implements the post, sub-state, and collection repositories
	// on one pooled connection.
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logger.Info("store opened", "path", cfg.DatabasePath)

	feedConfigs := domain.GetFeedConfigs(cfg.PublisherDID)
	feedService, err := domain.NewFeedService(feedConfigs, store, store, store, logger)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Background maintenance: strip expired feed tags (garbage collecting
	// posts left tagless) and refresh the hot-threads collection.
	go feedService.StartSweepJob(ctx, cfg.SweepInterval, cfg.PostMaxAge)
	go feedService.StartHotThreadsJob(ctx, cfg.SweepInterval, domain.HotThreadsConfig{
		Tag:       "art",
		Threshold: 3,
		Limit:     25,
		OutKey:    cfg.HotThreadsKey,
	})

	// Start the HTTP server
	server := httpserver.NewServer(cfg, feedService, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname)

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
