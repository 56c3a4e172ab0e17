// Package events provides an optional pub/sub fan-out of orchestrator
// state changes (routing-table updates, container-monitor health
// transitions), adapted from the teacher's events/bus package. NATS
// backs it when ORCH_EVENTS_NATS_URL is configured; otherwise an
// in-process bus keeps the same interface usable for same-process
// subscribers (e.g. tests).
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subject names used by C13/C10 publishers.
const (
	SubjectRoutingChanged = "orch.routing.changed"
	SubjectHealthChanged  = "orch.health.changed"
)

// Event is one published message.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh Event with a UUID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{ID: uuid.New().String(), Type: eventType, Source: source, Timestamp: time.Now().UTC(), Data: data}
}

// Handler processes one received Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the uniform publish/subscribe contract shared by the NATS and
// in-process implementations.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
