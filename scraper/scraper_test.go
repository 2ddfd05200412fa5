package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-prices/config"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const pageURL = "http://shop.test/shop/page/1/"

func newTestRouter(t *testing.T, mutate func(*config.Config)) (*Router, *httpmock.MockTransport) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://shop.test/shop/page/"
	cfg.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	r, err := NewRouter(cfg, NewMetrics())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	transport := httpmock.NewMockTransport()
	r.WithTransport(transport)
	return r, transport
}

func calls(transport *httpmock.MockTransport) int {
	return transport.GetCallCountInfo()["GET "+pageURL]
}

func TestFetchSuccessUsesOneAttempt(t *testing.T) {
	r, transport := newTestRouter(t, nil)
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(200, "<html>ok</html>"))

	body, err := r.Fetch(context.Background(), pageURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "<html>ok</html>" {
		t.Fatalf("body = %q", body)
	}
	if got := calls(transport); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
	if got := testutil.ToFloat64(r.Metrics.RetriesTotal); got != 0 {
		t.Fatalf("retries = %v, want 0", got)
	}
}

func TestFetchServerErrorRetriesUpToMax(t *testing.T) {
	r, transport := newTestRouter(t, func(cfg *config.Config) {
		cfg.MaxRetries = 3
	})
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(500, "boom"))

	_, err := r.Fetch(context.Background(), pageURL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	var server ErrServer
	if !errors.As(err, &server) || server.Status != 500 {
		t.Fatalf("expected wrapped ErrServer 500, got %v", err)
	}
	if got := calls(transport); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if got := testutil.ToFloat64(r.Metrics.RetriesTotal); got != 2 {
		t.Fatalf("retries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.Metrics.ErrorsTotal.WithLabelValues("server_error")); got != 3 {
		t.Fatalf("server errors = %v, want 3", got)
	}
}

func TestFetchClientErrorDoesNotRetry(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusForbidden, http.StatusTooManyRequests} {
		r, transport := newTestRouter(t, func(cfg *config.Config) {
			cfg.RetryDelay = time.Hour
		})
		transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(status, ""))

		_, err := r.Fetch(context.Background(), pageURL)
		if !errors.Is(err, ErrFetchFailed) {
			t.Fatalf("status %d: expected ErrFetchFailed, got %v", status, err)
		}
		if got := calls(transport); got != 1 {
			t.Fatalf("status %d: attempts = %d, want 1", status, got)
		}
	}
}

func TestFetchRecoversAfterTransientServerError(t *testing.T) {
	r, transport := newTestRouter(t, nil)
	var n int32
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&n, 1) == 1 {
			return httpmock.NewStringResponse(503, "busy"), nil
		}
		return httpmock.NewStringResponse(200, "<html>second</html>"), nil
	})

	body, err := r.Fetch(context.Background(), pageURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "<html>second</html>" {
		t.Fatalf("body = %q", body)
	}
	if got := calls(transport); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestFetchTransportErrorDoesNotRetry(t *testing.T) {
	r, transport := newTestRouter(t, func(cfg *config.Config) {
		cfg.RetryDelay = time.Hour
	})
	transport.RegisterResponder("GET", pageURL, httpmock.NewErrorResponder(
		&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
	))

	_, err := r.Fetch(context.Background(), pageURL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if got := calls(transport); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestFetchRetryWaitHonoursContext(t *testing.T) {
	r, transport := newTestRouter(t, func(cfg *config.Config) {
		cfg.RetryDelay = time.Hour
	})
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(502, ""))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Fetch(ctx, pageURL)
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled fetch failure, got %v", err)
	}
	if got := calls(transport); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestFetchGoesThroughProxy(t *testing.T) {
	var seen atomic.Value
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen.Store(req.URL.String())
		_, _ = w.Write([]byte("<html>via proxy</html>"))
	}))
	defer proxy.Close()

	cfg := config.DefaultConfig()
	cfg.ProxyURL = proxy.URL
	r, err := NewRouter(cfg, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	body, err := r.Fetch(context.Background(), pageURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "<html>via proxy</html>" {
		t.Fatalf("body = %q", body)
	}
	if got, _ := seen.Load().(string); got != pageURL {
		t.Fatalf("proxy saw %q, want %q", got, pageURL)
	}
}

func TestFetchUnreachableProxyFailsWithoutRetry(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	cfg := config.DefaultConfig()
	cfg.ProxyURL = "http://" + addr
	cfg.RetryDelay = time.Hour
	r, err := NewRouter(cfg, NewMetrics())
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	start := time.Now()
	_, err = r.Fetch(context.Background(), pageURL)
	if !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}
	if errorTypeLabel(err) != "connection" {
		t.Fatalf("category = %q, want connection (%v)", errorTypeLabel(err), err)
	}
	if elapsed := time.Since(start); elapsed > 30*time.Second {
		t.Fatalf("unreachable proxy should not wait for retries, took %v", elapsed)
	}
	if got := testutil.ToFloat64(r.Metrics.RetriesTotal); got != 0 {
		t.Fatalf("retries = %v, want 0", got)
	}
}

func TestNewRouterRejectsBadProxy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ProxyURL = "not a proxy"
	if _, err := NewRouter(cfg, nil); err == nil {
		t.Fatalf("expected proxy validation error")
	}
}

type idleCountingTransport struct {
	*httpmock.MockTransport
	closed atomic.Int32
}

func (t *idleCountingTransport) CloseIdleConnections() {
	t.closed.Add(1)
}

func TestRouterCloseReleasesIdleConnections(t *testing.T) {
	r, err := NewRouter(config.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if _, ok := r.transport.(*http.Transport); !ok {
		t.Fatalf("default transport = %T, want *http.Transport", r.transport)
	}
	r.Close()

	transport := &idleCountingTransport{MockTransport: httpmock.NewMockTransport()}
	transport.RegisterResponder("GET", pageURL, httpmock.NewStringResponder(200, "ok"))
	r.WithTransport(transport)
	if _, err := r.Fetch(context.Background(), pageURL); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	r.Close()
	if got := transport.closed.Load(); got != 1 {
		t.Fatalf("idle connection closes = %d, want 1", got)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: nil, statusCode: http.StatusBadGateway, expected: "server_error"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}
