package httpapi

import (
	"log"
	"net/http"

	"qms/ticket-service/internal/feed"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const clientBuffer = 32

// RealtimeHandler streams feed events to display and operator screens over
// SockJS. A new session receives every topic until it sends a subscribe
// message naming the topics it wants.
func RealtimeHandler(prefix string, hub *feed.Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &feed.Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
		hub.Register(client)
		defer hub.Unregister(client)

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := feed.ParseSubscribe([]byte(msg))
			if !ok {
				log.Printf("realtime ignored message client=%s", client.ID)
				continue
			}
			if parsed.Action == "unsubscribe" {
				hub.UpdateSubscription(client, feed.Subscription{Paused: true})
				continue
			}
			hub.UpdateSubscription(client, feed.Subscription{Topics: parsed.Topics})
		}
	})
}
