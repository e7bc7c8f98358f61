package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lib/pq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roulette-chat/internal/models"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    models.ChangeEvent
		wantErr bool
	}{
		{
			name:    "trigger payload",
			payload: `{"op":"INSERT","id":12,"sender_id":"alice","receiver_id":"bob"}`,
			want:    models.ChangeEvent{Op: models.OpInsert, MessageID: 12, SenderID: "alice", ReceiverID: "bob"},
		},
		{
			name:    "delete",
			payload: `{"op":"DELETE","id":3,"sender_id":"bob","receiver_id":"alice"}`,
			want:    models.ChangeEvent{Op: models.OpDelete, MessageID: 3, SenderID: "bob", ReceiverID: "alice"},
		},
		{name: "unknown op", payload: `{"op":"TRUNCATE"}`, wantErr: true},
		{name: "not json", payload: `INSERT 12`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromNotificationResyncsAfterReconnect(t *testing.T) {
	ev, err := fromNotification(nil)
	require.NoError(t, err)
	assert.Equal(t, models.OpResync, ev.Op)

	ev, err = fromNotification(&pq.Notification{Channel: "message_changes", Extra: `{"op":"UPDATE","id":5,"sender_id":"a","receiver_id":"b"}`})
	require.NoError(t, err)
	assert.Equal(t, models.ChangeEvent{Op: models.OpUpdate, MessageID: 5, SenderID: "a", ReceiverID: "b"}, ev)
}

func TestPumpDeliveriesSkipsBadPayloads(t *testing.T) {
	deliveries := make(chan amqp.Delivery, 3)
	deliveries <- amqp.Delivery{RoutingKey: "messages.insert", Body: []byte(`{"op":"INSERT","id":1,"sender_id":"a","receiver_id":"b"}`)}
	deliveries <- amqp.Delivery{RoutingKey: "messages.insert", Body: []byte(`garbage`)}
	deliveries <- amqp.Delivery{RoutingKey: "messages.update", Body: []byte(`{"op":"UPDATE","id":1,"sender_id":"a","receiver_id":"b"}`)}
	close(deliveries)

	sub := newSubscription(nil)
	go pumpDeliveries(deliveries, sub)

	var ops []models.ChangeOp
	for ev := range sub.Events() {
		ops = append(ops, ev.Op)
	}
	assert.Equal(t, []models.ChangeOp{models.OpInsert, models.OpUpdate}, ops)
}

func TestWebSocketFeed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"INSERT","id":7,"sender_id":"bob","receiver_id":"alice"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`nope`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"DELETE","id":7,"sender_id":"bob","receiver_id":"alice"}`))
		<-release
	}))
	defer srv.Close()
	defer close(release)

	feed := NewWebSocketFeed("ws"+strings.TrimPrefix(srv.URL, "http"), "secret")
	sub, err := feed.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", <-gotAuth)

	var got []models.ChangeEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, models.OpInsert, got[0].Op)
	assert.Equal(t, int64(7), got[0].MessageID)
	assert.Equal(t, models.OpDelete, got[1].Op)

	require.NoError(t, sub.Close())
	for range sub.Events() {
	}
}

func TestWebSocketFeedDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWebSocketFeed("ws"+strings.TrimPrefix(srv.URL, "http"), "").Subscribe(context.Background())
	assert.Error(t, err)
}
