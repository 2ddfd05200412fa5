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
	"time"

	"github.com/aluiziolira/go-scrape-prices/cache"
	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/notify"
	"github.com/aluiziolira/go-scrape-prices/pipeline"
	"github.com/aluiziolira/go-scrape-prices/scraper"
	"github.com/aluiziolira/go-scrape-prices/server"
)

func main() {
	configFile := flag.String("config", "", "Optional YAML config file")
	listenAddr := flag.String("listen", "", "HTTP listen address (overrides SCRAPER_LISTEN_ADDR)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		if err := config.LoadFile(cfg, *configFile); err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *verbose {
		cfg.Verbose = true
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.APIToken == "" {
		slog.Warn("API_SECRET_TOKEN is empty, every scrape request will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, cache.Open))
}

type storeOpener func(context.Context, *config.Config) (cache.Store, error)

// run serves until ctx is done or the listener fails. Everything opened here
// is released before it returns the exit code.
func run(ctx context.Context, cfg *config.Config, openStore storeOpener) int {
	store, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("opening price cache", slog.String("backend", cfg.CacheBackend), slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("closing price cache", slog.Any("error", err))
		}
	}()

	detector, err := cache.NewDetector(store, cfg.CacheLRUSize)
	if err != nil {
		slog.Error("creating change detector", slog.Any("error", err))
		return 1
	}

	metrics := scraper.NewMetrics()
	files := pipeline.NewFileStore(cfg.DataDir, &http.Client{Timeout: cfg.ImageTimeout}, cfg.ImageTimeout).
		WithRecorder(metrics)

	svc := server.NewService(cfg, detector, files, metrics)
	if email, err := notify.NewEmail(cfg); err == nil {
		svc.WithEmail(email)
	} else {
		slog.Info("email notification unavailable", slog.Any("error", err))
	}

	app := server.New(server.Dependencies{
		Scraper:  svc,
		Token:    cfg.APIToken,
		Gatherer: metrics.Registry,
	})

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
				slog.Error("server shutdown failed", slog.Any("error", err))
			}
		case <-stopped:
		}
	}()

	slog.Info("listening", slog.String("addr", cfg.ListenAddr))
	if err := app.Listen(cfg.ListenAddr); err != nil {
		slog.Error("server listen failed", slog.Any("error", err))
		return 1
	}
	return 0
}
