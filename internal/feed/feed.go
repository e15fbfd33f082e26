// Package feed carries ticket, counter, service and settings mutations to
// observers. Observers treat what they receive as a read replica; every
// write decision goes back to the store.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

const (
	TopicTickets  = "tickets"
	TopicCounters = "counters"
	TopicServices = "services"
	TopicSettings = "settings"
)

type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

func NewEvent(eventType, topic string, payload interface{}) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("feed marshal error type=%s: %v", eventType, err)
		raw = json.RawMessage("null")
	}
	return Event{Type: eventType, Topic: topic, Payload: raw, CreatedAt: time.Now().UTC()}
}

// Fanout publishes every event to each of its publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
