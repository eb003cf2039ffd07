package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nholik/skyward/internal/state"
	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// slackReservedBlocks accounts for header block + context block in each message
	slackReservedBlocks = 2
	slackMaxEvents      = slackMaxBlocks - slackReservedBlocks
)

// SlackNotifier posts transition batches to a Slack incoming webhook as
// Block Kit messages.
type SlackNotifier struct {
	logger   zerolog.Logger
	cfg      deliveryConfig
	delivery *delivery
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackRateInterval sets the minimum spacing between batches of one deployment.
func WithSlackRateInterval(d time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.cfg.interval = d
	}
}

// WithSlackRetries sets how often a failed post is retried and the initial wait.
func WithSlackRetries(retries int, wait time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.cfg.retries = retries
		s.cfg.retryWaitMin = wait
		s.cfg.retryWaitMax = 4 * wait
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{logger: logger, cfg: defaultDelivery}
	for _, opt := range opts {
		opt(notifier)
	}
	notifier.delivery = newDelivery(logger, "slack", webhookURL, notifier.cfg)
	return notifier
}

// Notify implements Notifier. Large batches are split across messages to
// stay under Slack's block limit.
func (n *SlackNotifier) Notify(ctx context.Context, deployment string, events []transition.Event) error {
	if len(events) == 0 {
		return nil
	}
	name := deploymentKey(deployment)
	if err := n.delivery.reserve(ctx, name); err != nil {
		return err
	}

	messages := buildSlackMessages(name, events)
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		if err := n.delivery.post(ctx, payload); err != nil {
			return err
		}
	}

	n.logger.Debug().
		Str("deployment", name).
		Int("transitions", len(events)).
		Int("messages", len(messages)).
		Msg("slack notification sent")
	return nil
}

func buildSlackMessages(deployment string, events []transition.Event) []slack.WebhookMessage {
	total := len(events)
	if total == 0 {
		return nil
	}

	chunkTotal := (total + slackMaxEvents - 1) / slackMaxEvents
	messages := make([]slack.WebhookMessage, 0, chunkTotal)
	for i := 0; i < total; i += slackMaxEvents {
		end := min(i+slackMaxEvents, total)
		part := i/slackMaxEvents + 1
		messages = append(messages, buildSlackMessage(deployment, events[i:end], total, part, chunkTotal))
	}
	return messages
}

func buildSlackMessage(deployment string, events []transition.Event, total, part, parts int) slack.WebhookMessage {
	summary := fmt.Sprintf("Deployment %s: %d service transition(s)", deployment, total)
	if parts > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, part, parts)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))

	elements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Deployment: *%s*", deployment), false, false),
	}
	if generation := events[0].Generation; generation != "" {
		elements = append(elements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Generation: `%s`", shortID(generation)), false, false))
	}
	if parts > 1 {
		elements = append(elements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", part, parts), false, false))
	}

	blocks := []slack.Block{header, slack.NewContextBlock("", elements...)}
	for _, event := range events {
		blocks = append(blocks, buildEventBlock(event))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildEventBlock(event transition.Event) slack.Block {
	title := fmt.Sprintf("%s *%s* (%s): `%s` → `%s`", phaseEmoji(event.To), event.Service, event.Kind, phaseLabel(event.From), phaseLabel(event.To))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	var fields []*slack.TextBlockObject
	if len(event.Causes) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Causes:*\n• "+strings.Join(event.Causes, "\n• "), false, false))
	}
	if !event.At.IsZero() {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*At:*\n"+event.At.UTC().Format(time.RFC3339), false, false))
	}
	return slack.NewSectionBlock(text, fields, nil)
}

func phaseEmoji(p state.Phase) string {
	switch p {
	case state.PhaseHealthy:
		return ":large_green_circle:"
	case state.PhaseDegraded:
		return ":large_yellow_circle:"
	case state.PhaseFailed:
		return ":red_circle:"
	case state.PhaseRemoved:
		return ":white_circle:"
	default:
		return ":large_blue_circle:"
	}
}

func phaseLabel(p state.Phase) string {
	if p == "" {
		return "UNKNOWN"
	}
	return string(p)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
