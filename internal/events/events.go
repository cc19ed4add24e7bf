// Package events defines the CloudEvents 1.0 envelope for decision
// lifecycle notifications and the publisher backends that carry them.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Decision lifecycle event types.
const (
	TypeDecisionPaused   = "kanmon.decision.paused"
	TypeDecisionActioned = "kanmon.decision.actioned"
	TypeDecisionExpired  = "kanmon.decision.expired"
)

// Source identifies this service in every emitted event.
const Source = "kanmon"

// CloudEvent is a CloudEvents 1.0 envelope.
// See: https://cloudevents.io/
type CloudEvent struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	SpecVersion     string         `json:"specversion"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Subject         string         `json:"subject,omitempty"`
	TraceParent     string         `json:"traceparent,omitempty"`
	Data            map[string]any `json:"data"`
}

// New builds a CloudEvent of the given type. Subject is the decision ID
// the event concerns.
func New(eventType, subject string, data map[string]any) CloudEvent {
	if data == nil {
		data = map[string]any{}
	}
	return CloudEvent{
		ID:              uuid.NewString(),
		Type:            eventType,
		Source:          Source,
		SpecVersion:     "1.0",
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Subject:         subject,
		Data:            data,
	}
}
