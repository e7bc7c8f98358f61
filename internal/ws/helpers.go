package ws

import "github.com/google/uuid"

const eventsRoutingKey = "ws_events.conversations"

func newConnID() string {
	return uuid.NewString()
}
