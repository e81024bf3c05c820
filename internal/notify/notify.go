// Package notify fans job events out over RabbitMQ so idle engines tick
// right away instead of waiting for their next poll. Notifications are only
// a latency hint: engines still poll, so a lost message delays but never
// drops work.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
)

// Kind names what happened to the jobs in an Event
type Kind string

const (
	KindEnqueued Kind = "enqueued"
	KindCommand  Kind = "command"
)

const contentType = "application/json"

// Event is the message body published on the exchange
type Event struct {
	Kind    Kind           `json:"kind"`
	Command domain.Command `json:"command,omitempty"`
	JobIDs  []int64        `json:"job_ids,omitempty"`
	At      time.Time      `json:"at"`
}

// Broker is the publishing side of shared/rabbitmq.Client
type Broker interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Publisher encodes events and hands them to the broker
type Publisher struct {
	broker Broker
	logger *slog.Logger
}

// NewPublisher creates a new publisher
func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	return &Publisher{broker: broker, logger: logger}
}

// Publish sends ev; a zero At is stamped with the current time
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.broker.PublishWithRetry(ctx, body, contentType); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Kind, err)
	}

	p.logger.Debug("Job event published",
		slog.String("kind", string(ev.Kind)),
		slog.String("command", string(ev.Command)),
		slog.Int("jobs", len(ev.JobIDs)),
	)
	return nil
}
