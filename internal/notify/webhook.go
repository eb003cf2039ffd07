package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

const defaultWebhookTemplate = `{"deployment":"{{ .Deployment }}","generated_at":"{{ .GeneratedAt.Format "2006-01-02T15:04:05Z07:00" }}","events":{{ toJson .Events }}}`

// WebhookPayload is the template context for webhook notifications.
type WebhookPayload struct {
	Deployment  string
	Events      []transition.Event
	GeneratedAt time.Time
}

// WebhookNotifier sends transition notifications to a generic webhook.
type WebhookNotifier struct {
	logger   zerolog.Logger
	template *template.Template
	delivery *delivery
	now      func() time.Time
}

// WebhookOption customizes WebhookNotifier behavior.
type WebhookOption func(*deliveryConfig)

// WithWebhookRetries sets how often a failed post is retried and the initial wait.
func WithWebhookRetries(retries int, wait time.Duration) WebhookOption {
	return func(c *deliveryConfig) {
		c.retries = retries
		c.retryWaitMin = wait
		c.retryWaitMax = 4 * wait
	}
}

// NewWebhookNotifier creates a webhook notifier with the provided template.
// An empty URL yields a nil notifier.
func NewWebhookNotifier(logger zerolog.Logger, webhookURL string, tmpl string, opts ...WebhookOption) (*WebhookNotifier, error) {
	if webhookURL == "" {
		return nil, nil
	}
	if tmpl == "" {
		tmpl = defaultWebhookTemplate
	}

	parsed, err := template.New("webhook").Funcs(template.FuncMap{
		"toJson": func(v any) (string, error) {
			encoded, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(encoded), nil
		},
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse webhook template: %w", err)
	}

	cfg := defaultDelivery
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WebhookNotifier{
		logger:   logger,
		template: parsed,
		delivery: newDelivery(logger, "webhook", webhookURL, cfg),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, deployment string, events []transition.Event) error {
	if n == nil || len(events) == 0 {
		return nil
	}
	name := deploymentKey(deployment)
	if err := n.delivery.reserve(ctx, name); err != nil {
		return err
	}

	var buf bytes.Buffer
	payload := WebhookPayload{Deployment: name, Events: events, GeneratedAt: n.now()}
	if err := n.template.Execute(&buf, payload); err != nil {
		return fmt.Errorf("render webhook template: %w", err)
	}
	if err := n.delivery.post(ctx, buf.Bytes()); err != nil {
		return err
	}

	n.logger.Debug().
		Str("deployment", name).
		Int("transitions", len(events)).
		Msg("webhook notification sent")
	return nil
}
