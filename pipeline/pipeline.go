package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-scrape-prices/cache"
	"github.com/aluiziolira/go-scrape-prices/models"
	"github.com/aluiziolira/go-scrape-prices/parser"
)

var (
	// ErrPipelineClosed is returned when Run is called after a fatal error.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// Fetcher retrieves the markup of one listing page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) ([]byte, error)
}

// ChangeDetector runs persist only for products whose price changed.
type ChangeDetector interface {
	Apply(ctx context.Context, id string, price int, persist func() error) (bool, error)
}

// Persister stores one product and returns it enriched with its local paths.
type Persister interface {
	Persist(ctx context.Context, product *models.Product, page int) (*models.Product, error)
}

// Recorder receives product outcome counts. *scraper.Metrics satisfies it.
type Recorder interface {
	IncProduct(outcome string)
}

// OutputWriter defines the interface for run exports.
type OutputWriter interface {
	Write(products []*models.Product) error
	Close() error
	Validate() error
}

// Pipeline drives fetch, extract, change detection and persistence across
// a page range.
type Pipeline struct {
	fetcher   Fetcher
	detector  ChangeDetector
	persister Persister
	recorder  Recorder
	pageURL   func(page int) string
	workers   int

	metrics metrics

	mu  sync.Mutex // guards err
	err error
}

// NewPipeline wires the collaborators of one run. pageURL maps a page
// number to its listing URL.
func NewPipeline(fetcher Fetcher, detector ChangeDetector, persister Persister, pageURL func(int) string) *Pipeline {
	return &Pipeline{
		fetcher:   fetcher,
		detector:  detector,
		persister: persister,
		pageURL:   pageURL,
		workers:   1,
		metrics:   newMetrics(),
	}
}

// WithWorkers bounds the number of pages processed concurrently.
func (p *Pipeline) WithWorkers(workers int) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	p.workers = workers
	return p
}

// WithRecorder attaches an outcome recorder.
func (p *Pipeline) WithRecorder(r Recorder) *Pipeline {
	p.recorder = r
	return p
}

type pageResult struct {
	page      int
	failed    bool
	updated   []*models.Product
	unchanged int
	dropped   int
}

// Run processes pages 1..pages. A page whose fetch fails is recorded in
// FailedPages and the run continues. A cache store failure stops the run;
// the result collected so far is returned together with the error.
func (p *Pipeline) Run(ctx context.Context, pages int) (*models.RunResult, error) {
	if err := p.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineClosed, err)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("pages must be greater than 0, got %d", pages)
	}

	result := &models.RunResult{
		RunID:     uuid.NewString(),
		Pages:     pages,
		Products:  []*models.Product{},
		StartTime: time.Now(),
	}
	log := slog.With(slog.String("run_id", result.RunID))
	log.Info("run started", slog.Int("pages", pages), slog.Int("workers", p.workers))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		resultsMu sync.Mutex
		results   []pageResult
	)
	jobs := make(chan int)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				res, err := p.processPage(runCtx, log, page)
				resultsMu.Lock()
				results = append(results, res)
				resultsMu.Unlock()
				if err != nil {
					p.setErr(err)
					cancel()
				}
			}
		}()
	}

dispatch:
	for page := 1; page <= pages; page++ {
		select {
		case <-runCtx.Done():
			break dispatch
		case jobs <- page:
		}
	}
	close(jobs)
	wg.Wait()

	slices.SortFunc(results, func(a, b pageResult) int { return cmp.Compare(a.page, b.page) })
	for _, res := range results {
		if res.failed {
			result.FailedPages = append(result.FailedPages, res.page)
		}
		result.Products = append(result.Products, res.updated...)
		result.Unchanged += res.unchanged
		result.Dropped += res.dropped
	}
	result.UpdatedCount = len(result.Products)
	result.EndTime = time.Now()

	log.Info("run finished",
		slog.Int("updated", result.UpdatedCount),
		slog.Int("unchanged", result.Unchanged),
		slog.Int("dropped", result.Dropped),
		slog.Any("failed_pages", result.FailedPages),
		slog.Duration("duration", result.EndTime.Sub(result.StartTime)),
	)

	if err := p.Err(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run interrupted: %w", err)
	}
	return result, nil
}

func (p *Pipeline) processPage(ctx context.Context, log *slog.Logger, page int) (pageResult, error) {
	res := pageResult{page: page}
	pageURL := p.pageURL(page)
	log = log.With(slog.Int("page", page))

	body, err := p.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		log.Error("page fetch failed", slog.String("url", pageURL), slog.Any("error", err))
		p.metrics.addFailedPage()
		res.failed = true
		return res, nil
	}

	outcomes, err := parser.Extract(body)
	if err != nil {
		log.Error("page extraction failed", slog.String("url", pageURL), slog.Any("error", err))
		p.metrics.addFailedPage()
		res.failed = true
		return res, nil
	}
	log.Debug("page extracted", slog.Int("items", len(outcomes)))

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			reason := dropReason(outcome.Err)
			log.Warn("item dropped",
				slog.Int("index", outcome.Index),
				slog.String("title", outcome.Title),
				slog.String("reason", reason),
				slog.Any("error", outcome.Err),
			)
			p.count("dropped_" + reason)
			res.dropped++
			continue
		}

		product := outcome.Product
		id := product.ID()
		var stored *models.Product
		changed, err := p.detector.Apply(ctx, id, product.Price, func() error {
			out, err := p.persister.Persist(ctx, product, page)
			stored = out
			return err
		})
		switch {
		case errors.Is(err, cache.ErrUnavailable):
			log.Error("price cache unavailable", slog.String("id", id), slog.Any("error", err))
			return res, fmt.Errorf("page %d: %w", page, err)
		case err != nil:
			log.Error("persist failed", slog.String("id", id), slog.String("url", product.URL), slog.Any("error", err))
			p.count("persist_failed")
		case changed:
			log.Debug("product updated", slog.String("id", id), slog.Int("price", product.Price))
			p.count("updated")
			res.updated = append(res.updated, stored)
		default:
			p.count("unchanged")
			res.unchanged++
		}
	}
	return res, nil
}

func (p *Pipeline) count(outcome string) {
	p.metrics.addOutcome(outcome)
	if p.recorder != nil {
		p.recorder.IncProduct(outcome)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, parser.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, parser.ErrInvalidRecord):
		return "invalid_record"
	default:
		return "other"
	}
}

// Err returns the first fatal error encountered during a run.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs until ctx is done.
func (p *Pipeline) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Int64("failed_pages", m["failed_pages"].(int64)),
					slog.Any("outcomes", m["outcomes"]),
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

type metrics struct {
	mu          *sync.Mutex
	failedPages int64
	outcomes    map[string]int
}

func newMetrics() metrics {
	return metrics{
		mu:       &sync.Mutex{},
		outcomes: make(map[string]int),
	}
}

func (m *metrics) addFailedPage() {
	m.mu.Lock()
	m.failedPages++
	m.mu.Unlock()
}

func (m *metrics) addOutcome(kind string) {
	m.mu.Lock()
	m.outcomes[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyOutcomes := make(map[string]int, len(m.outcomes))
	for k, v := range m.outcomes {
		copyOutcomes[k] = v
	}

	return map[string]interface{}{
		"failed_pages": m.failedPages,
		"outcomes":     copyOutcomes,
	}
}
