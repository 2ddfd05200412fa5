package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aluiziolira/go-scrape-prices/cache"
	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/notify"
	"github.com/aluiziolira/go-scrape-prices/pipeline"
	"github.com/aluiziolira/go-scrape-prices/scraper"
)

// ErrInvalidRequest marks scrape requests rejected before any page is fetched.
var ErrInvalidRequest = errors.New("server: invalid scrape request")

// Service runs one pipeline per scrape request. The change detector, file
// store and metrics are shared across requests; the fetch router is built
// per request so each one may use its own proxy.
type Service struct {
	cfg       *config.Config
	detector  *cache.Detector
	files     *pipeline.FileStore
	metrics   *scraper.Metrics
	transport http.RoundTripper
	email     notify.Notifier
}

func NewService(cfg *config.Config, detector *cache.Detector, files *pipeline.FileStore, metrics *scraper.Metrics) *Service {
	return &Service{
		cfg:      cfg,
		detector: detector,
		files:    files,
		metrics:  metrics,
	}
}

// WithTransport makes every request router use rt.
func (s *Service) WithTransport(rt http.RoundTripper) *Service {
	s.transport = rt
	return s
}

// WithEmail sets the notifier used for requests that ask for email.
func (s *Service) WithEmail(n notify.Notifier) *Service {
	s.email = n
	return s
}

// Ping checks the price cache.
func (s *Service) Ping(ctx context.Context) error {
	return s.detector.Ping(ctx)
}

// Scrape runs pages 1..req.Pages and notifies on updates.
func (s *Service) Scrape(ctx context.Context, req models.ScrapeRequest) (*models.RunResult, error) {
	if req.Pages <= 0 {
		return nil, fmt.Errorf("%w: pages must be greater than 0", ErrInvalidRequest)
	}
	if s.cfg.MaxPages > 0 && req.Pages > s.cfg.MaxPages {
		return nil, fmt.Errorf("%w: pages must not exceed %d", ErrInvalidRequest, s.cfg.MaxPages)
	}

	runCfg := *s.cfg
	if req.ProxyURL != nil {
		runCfg.ProxyURL = *req.ProxyURL
	}
	router, err := scraper.NewRouter(&runCfg, s.metrics)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	defer router.Close()
	if s.transport != nil {
		router.WithTransport(s.transport)
	}

	slog.Info("scrape requested",
		slog.Int("pages", req.Pages),
		slog.Bool("proxied", runCfg.ProxyURL != ""),
		slog.Bool("send_email", req.SendEmail),
	)

	result, err := pipeline.NewPipeline(router, s.detector, s.files, runCfg.PageURL).
		WithWorkers(runCfg.Workers).
		WithRecorder(s.metrics).
		Run(ctx, req.Pages)
	if err != nil {
		return result, err
	}

	notifiers := []notify.Notifier{notify.Console{}}
	if req.SendEmail {
		if s.email == nil {
			slog.Warn("email requested but not configured", slog.String("run_id", result.RunID))
		} else {
			notifiers = append(notifiers, s.email)
		}
	}
	notify.Run(ctx, result, notifiers...)
	return result, nil
}
