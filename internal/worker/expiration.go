// Package worker runs the background expiration sweep that moves
// overdue pending decisions to expired and announces them.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kanmon-dev/kanmon/internal/events"
	"github.com/kanmon-dev/kanmon/internal/model"
	"github.com/kanmon-dev/kanmon/internal/observability"
	"github.com/kanmon-dev/kanmon/internal/storage"
)

// Store is the storage surface the worker needs.
type Store interface {
	ExpireOverdue(ctx context.Context) ([]storage.ExpiredDecision, error)
}

// Expiration periodically expires overdue decisions. Multiple instances
// can run against the same database: row locking in the store ensures
// each overdue decision is claimed by exactly one sweep.
type Expiration struct {
	store     Store
	publisher events.Publisher
	interval  time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics // optional

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewExpiration creates a worker that sweeps every interval.
// metrics may be nil.
func NewExpiration(store Store, publisher events.Publisher, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Expiration {
	return &Expiration{
		store:     store,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		metrics:   metrics,
	}
}

// Start launches the sweep loop. Calling Start on a running worker is a
// no-op beyond a warning.
func (w *Expiration) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.logger.Warn("expiration worker already running")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.done = make(chan struct{})

	w.logger.Info("expiration worker started", "interval", w.interval)
	go w.loop(loopCtx)
}

// Stop halts the loop and waits for any in-flight sweep to finish.
// Safe to call on a stopped worker.
func (w *Expiration) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("expiration worker stopped")
}

func (w *Expiration) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Sweep(ctx)
			if err != nil {
				// A failed sweep is not fatal; the next tick retries.
				w.logger.Error("expiration sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("expired overdue decisions", "count", n)
			}
		}
	}
}

// Sweep runs one expiration pass and returns how many decisions it
// expired. Events go out after the transaction commits; a failed publish
// is logged, never retried, and never unwinds the expiration.
func (w *Expiration) Sweep(ctx context.Context) (int, error) {
	expired, err := w.store.ExpireOverdue(ctx)
	if err != nil {
		return 0, err
	}
	if w.metrics != nil && len(expired) > 0 {
		w.metrics.DecisionsExpired.Add(float64(len(expired)))
	}

	now := time.Now().UTC()
	for _, e := range expired {
		ev := events.New(events.TypeDecisionExpired, e.ID.String(), map[string]any{
			"decision_id":  e.ID.String(),
			"org_id":       e.OrgID,
			"execution_id": e.ExecutionID.String(),
			"flow_id":      e.FlowID,
			"node_id":      e.NodeID,
			"status":       string(model.StatusExpired),
			"expires_at":   e.ExpiresAt.Format(time.RFC3339),
			"expired_at":   now.Format(time.RFC3339),
		})
		if err := w.publisher.Publish(ctx, ev); err != nil {
			w.logger.Error("publish expiration event", "decision_id", e.ID, "error", err)
		}
	}
	return len(expired), nil
}
