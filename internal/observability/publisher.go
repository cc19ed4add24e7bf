package observability

import (
	"context"

	"github.com/kanmon-dev/kanmon/internal/events"
)

// instrumentedPublisher counts published events by type.
type instrumentedPublisher struct {
	inner   events.Publisher
	metrics *Metrics
}

// InstrumentPublisher wraps a publisher so every successful publish is
// counted in EventsPublished.
func InstrumentPublisher(inner events.Publisher, m *Metrics) events.Publisher {
	return &instrumentedPublisher{inner: inner, metrics: m}
}

func (p *instrumentedPublisher) Publish(ctx context.Context, event events.CloudEvent) error {
	if err := p.inner.Publish(ctx, event); err != nil {
		return err
	}
	p.metrics.EventsPublished.WithLabelValues(event.Type).Inc()
	return nil
}
