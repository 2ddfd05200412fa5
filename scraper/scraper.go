package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/gocolly/colly/v2"
)

// ErrFetchFailed is the single outward signal for any page that could not be
// retrieved; the concrete cause is wrapped.
var ErrFetchFailed = errors.New("scraper: fetch failed")

const (
	ctxBody   = "body"
	ctxStatus = "status"
)

// Router issues GET requests, optionally through a forward proxy, retrying
// server-side failures with a fixed delay.
type Router struct {
	collector  *colly.Collector
	transport  http.RoundTripper
	maxRetries int
	retryDelay time.Duration
	proxyURL   string
	Metrics    *Metrics
}

// NewRouter builds a router configured from cfg. A non-empty cfg.ProxyURL
// routes every request through that proxy.
func NewRouter(cfg *config.Config, metrics *Metrics) (*Router, error) {
	var proxy func(*http.Request) (*url.URL, error)
	if cfg.ProxyURL != "" {
		if err := config.ValidateProxyURL(cfg.ProxyURL); err != nil {
			return nil, err
		}
		parsed, _ := url.Parse(cfg.ProxyURL)
		proxy = http.ProxyURL(parsed)
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	transport := &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	collector.WithTransport(transport)

	r := &Router{
		collector:  collector,
		transport:  transport,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		proxyURL:   cfg.ProxyURL,
		Metrics:    metrics,
	}
	r.configureHandlers()
	return r, nil
}

// WithTransport swaps the underlying round tripper.
func (r *Router) WithTransport(rt http.RoundTripper) {
	r.transport = rt
	r.collector.WithTransport(rt)
}

// Close drops the idle keep-alive connections held by the router's
// transport. The router must not be used afterwards.
func (r *Router) Close() {
	if closer, ok := r.transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

func (r *Router) configureHandlers() {
	r.collector.OnRequest(func(req *colly.Request) {
		req.Ctx.Put("start", time.Now())
		r.Metrics.IncRequest("started")
	})

	r.collector.OnResponse(func(resp *colly.Response) {
		resp.Ctx.Put(ctxStatus, resp.StatusCode)
		resp.Ctx.Put(ctxBody, resp.Body)
		if start, ok := resp.Request.Ctx.GetAny("start").(time.Time); ok {
			r.Metrics.ObserveDuration(time.Since(start))
		}
	})
}

// Fetch returns the body of a 2xx response for pageURL. Responses >= 500
// are retried after the fixed delay until maxRetries attempts have been
// made; transport errors and other statuses fail immediately. Every
// failure wraps ErrFetchFailed.
func (r *Router) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	attempts := r.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		body, status, err := r.get(pageURL)
		if err == nil && status >= 200 && status < 300 {
			r.Metrics.IncRequest("succeeded")
			return body, nil
		}

		classified := classifyError(err, status)
		if classified == nil {
			classified = fmt.Errorf("unexpected status %d", status)
		}
		category := errorTypeLabel(classified)
		r.Metrics.IncError(category)
		lastErr = classified

		slog.Warn("request failed",
			slog.String("url", pageURL),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Int("status", status),
			slog.String("category", category),
			slog.Bool("proxied", r.proxyURL != ""),
			slog.Any("error", classified),
		)

		if !retryable(status) {
			break
		}
		if attempt == attempts {
			break
		}

		r.Metrics.IncRetries()
		slog.Info("retrying request",
			slog.String("url", pageURL),
			slog.Duration("delay", r.retryDelay),
			slog.Int("next_attempt", attempt+1),
		)
		if err := wait(ctx, r.retryDelay); err != nil {
			lastErr = err
			break
		}
	}

	r.Metrics.IncRequest("failed")
	return nil, fmt.Errorf("%w: %s: %w", ErrFetchFailed, pageURL, lastErr)
}

func (r *Router) get(pageURL string) ([]byte, int, error) {
	reqCtx := colly.NewContext()
	err := r.collector.Request(http.MethodGet, pageURL, nil, reqCtx, nil)

	status, _ := reqCtx.GetAny(ctxStatus).(int)
	body, _ := reqCtx.GetAny(ctxBody).([]byte)
	return body, status, err
}

// retryable reports whether a response was received with a server error.
func retryable(status int) bool {
	return status >= http.StatusInternalServerError
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	var urlErr *url.Error
	if statusCode == 0 && errors.As(err, &urlErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 && (statusCode < 200 || statusCode >= 300) {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrServer{Status: statusCode, Err: wrapped}
		}
		return wrapped
	}

	return err
}
