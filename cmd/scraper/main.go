package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-scrape-prices/cache"
	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/notify"
	"github.com/aluiziolira/go-scrape-prices/pipeline"
	"github.com/aluiziolira/go-scrape-prices/scraper"
)

func main() {
	defaults := config.DefaultConfig()

	configFile := flag.String("config", "", "Optional YAML config file")
	pages := flag.Int("pages", defaults.Pages, "Number of listing pages to scrape")
	workers := flag.Int("workers", defaults.Workers, "Pages processed concurrently")
	proxyURL := flag.String("proxy", "", "Forward proxy URL (http, https or socks5)")
	baseURL := flag.String("base-url", defaults.BaseURL, "Listing base URL; page N is <base-url>N/")
	maxRetries := flag.Int("max-retries", defaults.MaxRetries, "Total attempts per page on server errors")
	retryDelay := flag.Duration("retry-delay", defaults.RetryDelay, "Fixed delay between attempts")
	timeout := flag.Duration("timeout", defaults.Timeout, "Per-request timeout")
	dataDir := flag.String("data-dir", defaults.DataDir, "Directory for product records and images")
	cacheBackend := flag.String("cache", defaults.CacheBackend, "Price cache backend: redis, sqlite, or memory")
	redisAddr := flag.String("redis-addr", defaults.RedisAddr, "Redis address for the redis cache backend")
	sqlitePath := flag.String("sqlite-path", defaults.SQLitePath, "Database file for the sqlite cache backend")
	exportFile := flag.String("export", "", "Optional export file for updated products")
	exportFormat := flag.String("export-format", defaults.ExportFormat, "Export format: csv, json, or dual")
	respectRobots := flag.Bool("respect-robots", defaults.RespectRobotsTxt, "Respect robots.txt directives")
	sendEmail := flag.Bool("email", false, "Email the completion message when products were updated")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
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
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "pages":
			cfg.Pages = *pages
		case "workers":
			cfg.Workers = *workers
		case "proxy":
			cfg.ProxyURL = *proxyURL
		case "base-url":
			cfg.BaseURL = *baseURL
		case "max-retries":
			cfg.MaxRetries = *maxRetries
		case "retry-delay":
			cfg.RetryDelay = *retryDelay
		case "timeout":
			cfg.Timeout = *timeout
		case "data-dir":
			cfg.DataDir = *dataDir
		case "cache":
			cfg.CacheBackend = strings.ToLower(*cacheBackend)
		case "redis-addr":
			cfg.RedisAddr = *redisAddr
		case "sqlite-path":
			cfg.SQLitePath = *sqlitePath
		case "export":
			cfg.ExportFile = *exportFile
		case "export-format":
			cfg.ExportFormat = strings.ToLower(*exportFormat)
		case "respect-robots":
			cfg.RespectRobotsTxt = *respectRobots
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "v":
			cfg.Verbose = *verbose
		}
	})

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	os.Exit(run(ctx, cfg, *sendEmail))
}

func run(ctx context.Context, cfg *config.Config, sendEmail bool) int {
	metrics := scraper.NewMetrics()
	router, err := scraper.NewRouter(cfg, metrics)
	if err != nil {
		slog.Error("initialising fetch router", slog.Any("error", err))
		return 1
	}
	defer router.Close()

	store, err := cache.Open(ctx, cfg)
	if err != nil {
		slog.Error("opening price cache", slog.String("backend", cfg.CacheBackend), slog.Any("error", err))
		return 1
	}
	defer store.Close()

	detector, err := cache.NewDetector(store, cfg.CacheLRUSize)
	if err != nil {
		slog.Error("creating change detector", slog.Any("error", err))
		return 1
	}

	files := pipeline.NewFileStore(cfg.DataDir, &http.Client{Timeout: cfg.ImageTimeout}, cfg.ImageTimeout).
		WithRecorder(metrics)

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	slog.Info("starting scrape",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("pages", cfg.Pages),
		slog.Int("workers", cfg.Workers),
		slog.String("cache", cfg.CacheBackend),
		slog.Bool("proxied", cfg.ProxyURL != ""),
	)

	p := pipeline.NewPipeline(router, detector, files, cfg.PageURL).
		WithWorkers(cfg.Workers).
		WithRecorder(metrics)
	if cfg.Verbose {
		p.StartMetricsReporting(ctx, 10*time.Second)
	}

	result, runErr := p.Run(ctx, cfg.Pages)
	if result == nil {
		slog.Error("scraping failed", slog.Any("error", runErr))
		return 1
	}

	if cfg.ExportFile != "" {
		if err := export(cfg.ExportFormat, cfg.ExportFile, result.Products); err != nil {
			slog.Error("export failed", slog.String("file", cfg.ExportFile), slog.Any("error", err))
		}
	}

	notifiers := []notify.Notifier{notify.Console{}}
	if sendEmail {
		email, err := notify.NewEmail(cfg)
		if err != nil {
			slog.Warn("email notification disabled", slog.Any("error", err))
		} else {
			notifiers = append(notifiers, email)
		}
	}
	if runErr == nil {
		notify.Run(ctx, result, notifiers...)
	}

	printSummary(result, cfg.ExportFile, p.GetMetrics())

	if runErr != nil {
		slog.Error("scraping stopped early", slog.Any("error", runErr))
		return 1
	}
	return 0
}

func export(format, filename string, products []*models.Product) error {
	writer, err := pipeline.NewExportWriter(format, filename)
	if err != nil {
		return err
	}
	if err := writer.Write(products); err != nil {
		writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return writer.Validate()
}

func printSummary(result *models.RunResult, exportFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	duration := result.EndTime.Sub(result.StartTime)

	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")
	fmt.Printf("  Run ID:        %s\n", result.RunID)
	fmt.Printf("  Pages:         %d\n", result.Pages)
	fmt.Printf("  Updated:       %d\n", result.UpdatedCount)
	fmt.Printf("  Unchanged:     %d\n", result.Unchanged)
	fmt.Printf("  Dropped:       %d\n", result.Dropped)
	fmt.Printf("  Failed pages:  %v\n", result.FailedPages)
	if outcomes, ok := metrics["outcomes"].(map[string]int); ok && outcomes["persist_failed"] > 0 {
		fmt.Printf("  Write errors:  %d\n", outcomes["persist_failed"])
	}
	fmt.Printf("  Duration:      %v\n", duration)
	if exportFile != "" {
		fmt.Printf("  Export file:   %s\n", exportFile)
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
