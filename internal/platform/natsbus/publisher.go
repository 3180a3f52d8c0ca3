// Package natsbus publishes task lifecycle events to NATS.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/events"
)

// Conn is the subset of *nats.Conn used by Publisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher is an events.EventHandler that publishes every task event to
// the subject "<prefix>.task.<status>". Progress events go to
// "<prefix>.task.progress".
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

var _ events.EventHandler = (*Publisher)(nil)

// NewPublisher wraps an existing connection.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger.With("component", "nats_publisher"),
	}
}

// Connect dials the configured NATS server. The connection reconnects
// indefinitely; reconnects and disconnects are logged.
func Connect(cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	log := logger.With("component", "nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name("taskd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to nats", "url", nc.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(event *events.TaskEvent) string {
	if event.Type == events.TaskProgress {
		return p.prefix + ".task.progress"
	}
	return p.prefix + ".task." + string(event.Status)
}

// HandleEvent implements events.EventHandler.
func (p *Publisher) HandleEvent(ctx context.Context, event *events.TaskEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode task event: %w", err)
	}

	subject := p.Subject(event)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	p.logger.Debug("published task event",
		"subject", subject,
		"task_id", event.TaskID,
		"event_type", event.Type)
	return nil
}
