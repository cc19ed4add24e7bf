package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Publisher delivers decision lifecycle events to interested consumers.
// Publishing is best-effort: the decision itself is already committed by
// the time an event goes out, so callers log failures rather than
// unwinding the write.
type Publisher interface {
	Publish(ctx context.Context, event CloudEvent) error
}

// LogPublisher writes events to the structured log. It is the fallback
// backend and is always present so no event disappears silently.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that logs each event.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event with its serialized envelope.
func (p *LogPublisher) Publish(_ context.Context, event CloudEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	p.logger.Info("event published", "type", event.Type, "subject", event.Subject, "event", string(raw))
	return nil
}

// Notifier is the Postgres NOTIFY surface the storage layer exposes.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
}

// NotifyPublisher fans events out over a Postgres NOTIFY channel, where
// the SSE broker picks them up for connected subscribers.
type NotifyPublisher struct {
	notifier Notifier
	channel  string
}

// NewNotifyPublisher creates a publisher backed by pg_notify on channel.
func NewNotifyPublisher(notifier Notifier, channel string) *NotifyPublisher {
	return &NotifyPublisher{notifier: notifier, channel: channel}
}

// Publish sends the serialized event as a NOTIFY payload.
func (p *NotifyPublisher) Publish(ctx context.Context, event CloudEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	if err := p.notifier.Notify(ctx, p.channel, string(raw)); err != nil {
		return fmt.Errorf("events: notify: %w", err)
	}
	return nil
}

// CompositePublisher sends each event to every backend. A failing
// backend is logged and skipped; the others still receive the event.
type CompositePublisher struct {
	publishers []Publisher
	logger     *slog.Logger
}

// NewCompositePublisher fans events out to all given publishers.
func NewCompositePublisher(logger *slog.Logger, publishers ...Publisher) *CompositePublisher {
	return &CompositePublisher{publishers: publishers, logger: logger}
}

// Publish delivers the event to each backend in order.
func (p *CompositePublisher) Publish(ctx context.Context, event CloudEvent) error {
	for _, pub := range p.publishers {
		if err := pub.Publish(ctx, event); err != nil {
			p.logger.Error("event backend failed", "type", event.Type, "error", err)
		}
	}
	return nil
}
