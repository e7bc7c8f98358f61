package realtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"roulette-chat/internal/delivery"
)

// WebSocketFeed reads JSON change events from a realtime gateway.
type WebSocketFeed struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
}

// NewWebSocketFeed builds a feed for the gateway at url. A non-empty token
// is sent as a bearer credential.
func NewWebSocketFeed(url, token string) *WebSocketFeed {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WebSocketFeed{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Subscribe dials the gateway.
func (f *WebSocketFeed) Subscribe(ctx context.Context) (delivery.Subscription, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.url, f.header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	sub := newSubscription(func() error {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	})
	go pumpWebSocket(conn, sub)
	log.Printf("realtime websocket subscribed url=%s", f.url)
	return sub, nil
}

func pumpWebSocket(conn *websocket.Conn, sub *subscription) {
	defer close(sub.events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-sub.done:
			default:
				log.Printf("realtime websocket read failed: %v", err)
			}
			return
		}
		ev, err := decodeEvent(data)
		if err != nil {
			log.Printf("realtime websocket bad payload: %v", err)
			continue
		}
		if !sub.emit(ev) {
			return
		}
	}
}
