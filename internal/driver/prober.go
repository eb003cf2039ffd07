package driver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultProbeTimeout = 5 * time.Second
	probeBodyLimit      = 512
)

// HTTPProber checks service health endpoints.
type HTTPProber struct {
	once *retryablehttp.Client
	wait *retryablehttp.Client
}

// ProberOption customizes an HTTPProber.
type ProberOption func(*proberConfig)

type proberConfig struct {
	timeout      time.Duration
	insecure     bool
	waitRetries  int
	waitInterval time.Duration
}

// WithProbeTimeout bounds each health request.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(c *proberConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithInsecureTLS accepts any certificate, which development-tier
// deployments need because they serve self-signed material.
func WithInsecureTLS(insecure bool) ProberOption {
	return func(c *proberConfig) {
		c.insecure = insecure
	}
}

// WithVerifyRetries sets how often Wait retries before giving up.
func WithVerifyRetries(retries int, interval time.Duration) ProberOption {
	return func(c *proberConfig) {
		if retries >= 0 {
			c.waitRetries = retries
		}
		if interval > 0 {
			c.waitInterval = interval
		}
	}
}

// NewHTTPProber constructs a prober.
func NewHTTPProber(opts ...ProberOption) *HTTPProber {
	cfg := proberConfig{
		timeout:      defaultProbeTimeout,
		waitRetries:  10,
		waitInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // development tier only
	}
	httpClient := &http.Client{Timeout: cfg.timeout, Transport: transport}

	once := retryablehttp.NewClient()
	once.RetryMax = 0
	once.CheckRetry = func(_ context.Context, _ *http.Response, _ error) (bool, error) {
		return false, nil
	}
	once.ErrorHandler = retryablehttp.PassthroughErrorHandler
	once.Logger = nil
	once.HTTPClient = httpClient

	wait := retryablehttp.NewClient()
	wait.RetryMax = cfg.waitRetries
	wait.RetryWaitMin = cfg.waitInterval
	wait.RetryWaitMax = 4 * cfg.waitInterval
	wait.ErrorHandler = retryablehttp.PassthroughErrorHandler
	wait.Logger = nil
	wait.HTTPClient = httpClient

	return &HTTPProber{once: once, wait: wait}
}

// Check performs a single health request.
func (p *HTTPProber) Check(ctx context.Context, url string) error {
	return p.do(ctx, p.once, url)
}

// Wait retries the health request until it succeeds, the retries are spent,
// or ctx expires. Connection errors and 5xx responses are retried.
func (p *HTTPProber) Wait(ctx context.Context, url string) error {
	return p.do(ctx, p.wait, url)
}

func (p *HTTPProber) do(ctx context.Context, client *retryablehttp.Client, url string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// StatusError is a health endpoint answering with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("health endpoint %s returned %s", e.URL, e.Status)
}
