package feed

import (
	"context"
	"encoding/json"
	"testing"
)

func TestHubFiltersByTopic(t *testing.T) {
	h := NewHub()
	all := &Client{ID: "all", Send: make(chan []byte, 4)}
	counters := &Client{ID: "counters", Send: make(chan []byte, 4), Subscription: Subscription{Topics: []string{TopicCounters}}}
	h.Register(all)
	h.Register(counters)

	h.Publish(context.Background(), NewEvent("ticket.created", TopicTickets, map[string]string{"number": "A001"}))

	if len(all.Send) != 1 {
		t.Fatalf("expected unfiltered client to receive event, got %d", len(all.Send))
	}
	if len(counters.Send) != 0 {
		t.Fatalf("expected counters client to skip tickets topic")
	}

	var event Event
	if err := json.Unmarshal(<-all.Send, &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Type != "ticket.created" || event.Topic != TopicTickets {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestHubDropsWhenClientBufferFull(t *testing.T) {
	h := NewHub()
	slow := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(slow)

	h.Publish(context.Background(), NewEvent("ticket.created", TopicTickets, nil))
	h.Publish(context.Background(), NewEvent("ticket.created", TopicTickets, nil))

	if len(slow.Send) != 1 {
		t.Fatalf("expected buffered event only, got %d", len(slow.Send))
	}
	h.Unregister(slow)
	h.Unregister(slow)
	if h.Len() != 0 {
		t.Fatalf("expected no clients after unregister")
	}
}

func TestParseSubscribe(t *testing.T) {
	msg, ok := ParseSubscribe([]byte(`{"action":"subscribe","topics":["tickets"]}`))
	if !ok || len(msg.Topics) != 1 || msg.Topics[0] != TopicTickets {
		t.Fatalf("unexpected parse result %+v %v", msg, ok)
	}
	if _, ok := ParseSubscribe([]byte(`{"action":"shout"}`)); ok {
		t.Fatalf("expected unknown action to be rejected")
	}
	if _, ok := ParseSubscribe([]byte(`not json`)); ok {
		t.Fatalf("expected invalid json to be rejected")
	}
}

func TestHubPausedClientReceivesNothing(t *testing.T) {
	h := NewHub()
	client := &Client{ID: "paused", Send: make(chan []byte, 4)}
	h.Register(client)
	h.UpdateSubscription(client, Subscription{Paused: true})

	h.Publish(context.Background(), NewEvent("counter.updated", TopicCounters, nil))
	if len(client.Send) != 0 {
		t.Fatalf("expected paused client to receive nothing")
	}

	h.UpdateSubscription(client, Subscription{Topics: []string{TopicCounters}})
	h.Publish(context.Background(), NewEvent("counter.updated", TopicCounters, nil))
	if len(client.Send) != 1 {
		t.Fatalf("expected resubscribed client to receive the event")
	}
}
