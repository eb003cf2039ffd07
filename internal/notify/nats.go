package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

// DefaultNATSSubject is the subject prefix events are published under. The
// deployment name is appended as the last token.
const DefaultNATSSubject = "skyward.transitions"

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSMessage is the JSON body of one published event.
type NATSMessage struct {
	Deployment string `json:"deployment"`
	transition.Event
}

// NATSNotifier publishes one message per transition event.
type NATSNotifier struct {
	logger  zerolog.Logger
	conn    natsConn
	subject string
}

// NewNATSNotifier connects to url. An empty url yields a noop notifier.
func NewNATSNotifier(logger zerolog.Logger, url, subject string) (Notifier, error) {
	if url == "" {
		return NewNoop(logger, "nats url not configured; event publishing disabled"), nil
	}
	conn, err := nats.Connect(url,
		nats.Name("skyward"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newNATSNotifier(logger, conn, subject), nil
}

func newNATSNotifier(logger zerolog.Logger, conn natsConn, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSNotifier{logger: logger, conn: conn, subject: strings.TrimSuffix(subject, ".")}
}

// Subject returns the subject events of deployment are published on.
func (n *NATSNotifier) Subject(deployment string) string {
	token := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(deploymentKey(deployment))
	return n.subject + "." + token
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, deployment string, events []transition.Event) error {
	if len(events) == 0 {
		return nil
	}
	name := deploymentKey(deployment)
	subject := n.Subject(name)
	for _, event := range events {
		data, err := json.Marshal(NATSMessage{Deployment: name, Event: event})
		if err != nil {
			return fmt.Errorf("marshal nats message: %w", err)
		}
		if err := n.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("publish %s: %w", subject, err)
		}
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}

	n.logger.Debug().Str("subject", subject).Int("transitions", len(events)).Msg("nats events published")
	return nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() error {
	return n.conn.Drain()
}
