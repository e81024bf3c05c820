package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobengine/internal/domain"
)

// Source is the consuming side of shared/rabbitmq.Client
type Source interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Reconnector is implemented by sources that can redial after the broker
// closes the channel
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Engine is what a listener wakes up
type Engine interface {
	Nudge()
	RunJobs(ctx context.Context, jobIDs []int64) (int, error)
}

// Listener consumes job events and nudges the local engine
type Listener struct {
	source   Source
	engine   Engine
	tag      string
	prefetch int
	retry    time.Duration
	logger   *slog.Logger
}

// ListenerOption configures a Listener
type ListenerOption func(*Listener)

// WithReconnectDelay sets the pause between reconnect attempts
func WithReconnectDelay(d time.Duration) ListenerOption {
	return func(l *Listener) { l.retry = d }
}

// NewListener creates a listener consuming under consumerTag
func NewListener(source Source, engine Engine, consumerTag string, prefetch int, logger *slog.Logger, opts ...ListenerOption) *Listener {
	if prefetch <= 0 {
		prefetch = 16
	}
	l := &Listener{
		source:   source,
		engine:   engine,
		tag:      consumerTag,
		prefetch: prefetch,
		retry:    5 * time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes until ctx is done. When the delivery channel closes and the
// source is a Reconnector, Run redials and resumes consuming; otherwise it
// returns.
func (l *Listener) Run(ctx context.Context) error {
	for {
		deliveries, err := l.source.Consume(l.tag, l.prefetch)
		if err != nil {
			return fmt.Errorf("failed to start consuming: %w", err)
		}
		if err := l.Serve(ctx, deliveries); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		r, ok := l.source.(Reconnector)
		if !ok {
			return nil
		}
		if !l.reconnect(ctx, r) {
			return nil
		}
		// Commands sent while disconnected were missed
		l.engine.Nudge()
	}
}

// reconnect retries until it succeeds or ctx is done
func (l *Listener) reconnect(ctx context.Context, r Reconnector) bool {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(l.retry):
		}

		err := r.Reconnect(ctx)
		if err == nil {
			l.logger.Info("Job event listener reconnected", slog.Int("attempt", attempt))
			return true
		}
		l.logger.Warn("Failed to reconnect job event listener",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
}

// Serve handles deliveries already being consumed
func (l *Listener) Serve(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	l.logger.Info("Job event listener started", slog.String("consumer_tag", l.tag))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Job event listener stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				l.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			l.handle(ctx, delivery)
		}
	}
}

func (l *Listener) handle(ctx context.Context, delivery amqp.Delivery) {
	var ev Event
	if err := json.Unmarshal(delivery.Body, &ev); err != nil {
		l.logger.Error("Failed to parse job event",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages are never redelivered
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			l.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if ev.Kind == KindCommand && ev.Command == domain.CommandRunNow && len(ev.JobIDs) > 0 {
		n, err := l.engine.RunJobs(ctx, ev.JobIDs)
		if err != nil {
			l.logger.Warn("Failed to run jobs on request",
				slog.String("error", err.Error()),
				slog.Any("job_ids", ev.JobIDs),
			)
		} else {
			l.logger.Debug("Jobs run on request", slog.Int("started", n))
		}
	}
	l.engine.Nudge()

	if err := delivery.Ack(false); err != nil {
		l.logger.Error("Failed to ACK job event", slog.String("error", err.Error()))
	}
}
