package models

// ChangeOp is the kind of row change reported by a push feed.
type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
	// OpResync is emitted when a feed may have missed events (e.g. after a reconnect).
	OpResync ChangeOp = "RESYNC"
)

// ChangeEvent describes a change to a row of the messages table.
type ChangeEvent struct {
	Op         ChangeOp `json:"op"`
	MessageID  int64    `json:"id"`
	SenderID   string   `json:"sender_id"`
	ReceiverID string   `json:"receiver_id"`
}

// Involves reports whether the event concerns the conversation between a and b.
func (e ChangeEvent) Involves(a, b string) bool {
	return (e.SenderID == a && e.ReceiverID == b) || (e.SenderID == b && e.ReceiverID == a)
}
