package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/kanmon-dev/kanmon/internal/observability"
	"github.com/kanmon-dev/kanmon/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY messages to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a
// loop and sends each payload to the subscribers of the event's org.
type Broker struct {
	db      *storage.DB
	logger  *slog.Logger
	metrics *observability.Metrics // optional
	bufSize int

	mu          sync.RWMutex
	subscribers map[chan []byte]string // channel -> org ID
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
// metrics may be nil; bufSize <= 0 falls back to 64.
func NewBroker(db *storage.DB, logger *slog.Logger, metrics *observability.Metrics, bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broker{
		db:          db,
		logger:      logger,
		metrics:     metrics,
		bufSize:     bufSize,
		subscribers: make(map[chan []byte]string),
	}
}

// Start begins listening on the decisions channel.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelDecisions); err != nil {
		b.logger.Error("broker: listen decisions", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelDecisions)

	for {
		_, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		b.Broadcast(payload)
	}
}

// Subscribe returns a channel that receives SSE-formatted events for the
// given org. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(orgID string) chan []byte {
	ch := make(chan []byte, b.bufSize) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = orgID
	n := len(b.subscribers)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.SSESubscribers.Set(float64(n))
	}
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	n := len(b.subscribers)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.SSESubscribers.Set(float64(n))
	}
	close(ch)
}

// Broadcast delivers one notification payload (a CloudEvent JSON document)
// to the subscribers of the event's org. Slow subscribers with a full
// buffer are skipped so one slow client cannot block the others.
func (b *Broker) Broadcast(payload string) {
	eventType, orgID := parseEnvelope(payload)
	event := formatSSE(eventType, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, subOrg := range b.subscribers {
		if orgID != "" && subOrg != orgID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop this event for them.
		}
	}
}

// parseEnvelope pulls the event type and org ID out of a CloudEvent
// payload. Malformed payloads broadcast to everyone under a generic type.
func parseEnvelope(payload string) (eventType, orgID string) {
	var envelope struct {
		Type string `json:"type"`
		Data struct {
			OrgID string `json:"org_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil || envelope.Type == "" {
		return "message", ""
	}
	return envelope.Type, envelope.Data.OrgID
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
