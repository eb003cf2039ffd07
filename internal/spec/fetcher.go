package spec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultMaxBytes   int64 = 1 << 20
	defaultMaxRetries       = 3
	defaultRetryDelay       = time.Second
)

// FetchResult is one response of the document server. NotModified means the
// document matched the ETag that was sent and Body is empty.
type FetchResult struct {
	Body         []byte
	ETag         string
	LastModified string
	ContentType  string
	NotModified  bool
}

// FetchError reports a non-success HTTP status.
type FetchError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %s", e.URL, e.Status)
}

// Retryable reports whether the server may answer differently later.
func (e *FetchError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// HTTPFetcher downloads a deployment document. Transport failures, 429 and
// 5xx answers are retried with a growing delay.
type HTTPFetcher struct {
	url      string
	client   *retryablehttp.Client
	maxBytes int64
}

// FetcherOption customizes an HTTPFetcher.
type FetcherOption func(*retryablehttp.Client)

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) FetcherOption {
	return func(c *retryablehttp.Client) {
		if n >= 0 {
			c.RetryMax = n
		}
	}
}

// WithRetryDelay sets the delay before the first retry.
func WithRetryDelay(d time.Duration) FetcherOption {
	return func(c *retryablehttp.Client) {
		if d > 0 {
			c.RetryWaitMin = d
			c.RetryWaitMax = 8 * d
		}
	}
}

// NewHTTPFetcher builds a fetcher for url. timeout bounds each attempt and
// maxBytes <= 0 selects a 1 MiB limit.
func NewHTTPFetcher(url string, timeout time.Duration, maxBytes int64, opts ...FetcherOption) (*HTTPFetcher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("spec url must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = defaultMaxRetries
	client.RetryWaitMin = defaultRetryDelay
	client.RetryWaitMax = 8 * defaultRetryDelay
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	for _, opt := range opts {
		opt(client)
	}
	return &HTTPFetcher{url: url, client: client, maxBytes: maxBytes}, nil
}

// Fetch downloads the document. A non-empty previousETag is sent as
// If-None-Match so an unchanged document costs no body transfer.
func (f *HTTPFetcher) Fetch(ctx context.Context, previousETag string) (FetchResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml, application/toml, application/json;q=0.9, */*;q=0.5")
	if previousETag != "" {
		req.Header.Set("If-None-Match", previousETag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return FetchResult{}, ctxErr
		}
		return FetchResult{}, fmt.Errorf("fetch spec: %w", err)
	}
	defer resp.Body.Close()

	result := FetchResult{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
	}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		result.NotModified = true
		return result, nil
	case resp.StatusCode != http.StatusOK:
		return FetchResult{}, &FetchError{URL: f.url, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return FetchResult{}, fmt.Errorf("read spec: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return FetchResult{}, fmt.Errorf("spec body exceeds %d bytes", f.maxBytes)
	}
	if len(body) == 0 {
		return FetchResult{}, errors.New("spec body is empty")
	}
	result.Body = body
	return result, nil
}

// FormatFromContentType maps a media type onto a document format.
func FormatFromContentType(contentType string) (Format, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	switch {
	case strings.HasSuffix(mediaType, "json"):
		return FormatJSON, true
	case strings.HasSuffix(mediaType, "toml"):
		return FormatTOML, true
	case strings.HasSuffix(mediaType, "yaml"), strings.HasSuffix(mediaType, "yml"):
		return FormatYAML, true
	default:
		return "", false
	}
}
