// Command repopulse runs the workspace intelligence server: GitHub push
// ingestion, the conflict/feature/health engines, and the dashboard
// WebSocket feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/repopulse/repopulse/internal/align"
	"github.com/repopulse/repopulse/internal/bus"
	"github.com/repopulse/repopulse/internal/config"
	"github.com/repopulse/repopulse/internal/engine"
	"github.com/repopulse/repopulse/internal/ratelimit"
	"github.com/repopulse/repopulse/internal/storage/sqlite"
	"github.com/repopulse/repopulse/internal/telemetry"
	"github.com/repopulse/repopulse/internal/webhook"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "repopulse",
		Short:   "Event-driven workspace intelligence server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Printf("repopulse: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := telemetry.Init(ctx, "repopulse", version); err != nil {
		log.Printf("telemetry disabled: %v", err)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutCtx)
	}()

	store, err := sqlite.New(ctx, cfg.DBPath, cfg.PoolSize)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	store.SetDefaultActivityWindowHours(cfg.ActivityWindowHours)

	hub := bus.NewHub()
	defer hub.Close()

	var aligner engine.Aligner
	if a := align.New(store, align.Config{
		APIKey:     cfg.LMAPIKey,
		BaseURL:    cfg.LMBaseURL,
		Model:      cfg.LMModel,
		Timeout:    cfg.LMTimeout,
		MaxRetries: cfg.LMMaxRetries,
		RetryDelay: cfg.LMRetryDelay,
		RateMax:    cfg.LMRateMax,
		RateWindow: cfg.LMRateWindow,
	}); a != nil {
		aligner = a
	} else {
		log.Printf("align: no API key configured, alignment analysis disabled")
	}

	engines := engine.New(store, hub, aligner)
	dispatcher := engine.NewDispatcher(engines)
	defer dispatcher.Close()

	limiter := ratelimit.New(cfg.WebhookRateMax, cfg.WebhookRateWindow)
	server := webhook.NewServer(store, hub, dispatcher, cfg.WebhookSecret, limiter)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := cfg.Watch(ctx); err != nil {
			log.Printf("config watch stopped: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("repopulse %s listening on %s", version, cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	return nil
}
