package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	responseSnippetLimit = 1024
	userAgent            = "skyward-notify"
)

// deliveryConfig bounds how often and how hard a target is hit.
type deliveryConfig struct {
	attemptTimeout time.Duration
	// interval is the minimum spacing between batches of one deployment.
	interval     time.Duration
	burst        int
	retries      int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	// deadline caps one batch including every retry.
	deadline time.Duration
}

var defaultDelivery = deliveryConfig{
	attemptTimeout: 10 * time.Second,
	interval:       time.Second,
	burst:          1,
	retries:        4,
	retryWaitMin:   time.Second,
	retryWaitMax:   10 * time.Second,
	deadline:       30 * time.Second,
}

// delivery posts JSON payloads to one HTTP endpoint. Transport errors, 429
// and 5xx answers are retried by the client; Retry-After is honoured.
type delivery struct {
	logger zerolog.Logger
	target string
	url    string
	client *retryablehttp.Client
	cfg    deliveryConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newDelivery(logger zerolog.Logger, target, url string, cfg deliveryConfig) *delivery {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: cfg.attemptTimeout}
	client.RetryMax = cfg.retries
	client.RetryWaitMin = cfg.retryWaitMin
	client.RetryWaitMax = cfg.retryWaitMax
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug().Str("target", target).Int("attempt", attempt+1).Msg("retrying notification")
		}
	}

	return &delivery{
		logger:   logger,
		target:   target,
		url:      url,
		client:   client,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// reserve blocks until deployment may send another batch.
func (d *delivery) reserve(ctx context.Context, deployment string) error {
	if d.cfg.interval <= 0 {
		return nil
	}
	d.mu.Lock()
	limiter, ok := d.limiters[deployment]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(d.cfg.interval), max(d.cfg.burst, 1))
		d.limiters[deployment] = limiter
	}
	d.mu.Unlock()
	return limiter.Wait(ctx)
}

func (d *delivery) post(ctx context.Context, payload []byte) error {
	if d.cfg.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.deadline)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", d.target, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s delivery abandoned: %w", d.target, ctxErr)
		}
		return fmt.Errorf("%s request failed: %w", d.target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetLimit))
	if text := strings.TrimSpace(string(snippet)); text != "" {
		return fmt.Errorf("%s request failed: %s (%s)", d.target, resp.Status, text)
	}
	return fmt.Errorf("%s request failed: %s", d.target, resp.Status)
}
