package models

import (
	"database/sql"
	"strings"
	"time"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusRead    MessageStatus = "read"
)

// Rank orders statuses: sending < sent < read. Unknown values rank lowest.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Advance returns the later of s and next. Statuses never move backwards.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// MessageType tags the payload carried by a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeMovie MessageType = "movie"
)

// PlaceholderPrefix marks ids of optimistic entries not yet confirmed by the store.
const PlaceholderPrefix = "temp_"

// MessageEnvelope is the persisted dual-ciphertext row.
type MessageEnvelope struct {
	ID                          int64          `db:"id" json:"id"`
	SenderID                    string         `db:"sender_id" json:"sender_id"`
	ReceiverID                  string         `db:"receiver_id" json:"receiver_id"`
	EncryptedContentForSender   string         `db:"encrypted_content_sender" json:"encrypted_content_sender"`
	EncryptedKeyForSender       string         `db:"encrypted_key_sender" json:"encrypted_key_sender"`
	IVForSender                 string         `db:"iv_sender" json:"iv_sender"`
	EncryptedContentForReceiver string         `db:"encrypted_content_receiver" json:"encrypted_content_receiver"`
	EncryptedKeyForReceiver     string         `db:"encrypted_key_receiver" json:"encrypted_key_receiver"`
	IVForReceiver               string         `db:"iv_receiver" json:"iv_receiver"`
	Status                      sql.NullString `db:"status" json:"status"`
	MessageType                 string         `db:"message_type" json:"message_type"`
	ImageURL                    sql.NullString `db:"image_url" json:"image_url"`
	MovieTMDBID                 sql.NullInt64  `db:"movie_tmdb_id" json:"movie_tmdb_id"`
	MoviePosterURL              sql.NullString `db:"movie_poster_url" json:"movie_poster_url"`
	ClientRef                   sql.NullString `db:"client_ref" json:"client_ref"`
	IsRead                      bool           `db:"is_read" json:"is_read"`
	CreatedAt                   time.Time      `db:"created_at" json:"created_at"`
}

// MessageStatusRow is the subset of a row needed to refresh delivery state.
type MessageStatusRow struct {
	ID     int64          `db:"id"`
	Status sql.NullString `db:"status"`
	IsRead bool           `db:"is_read"`
}

// Attachment is the type-specific payload of a non-text message.
// Text messages carry a nil Attachment.
type Attachment interface {
	MessageType() MessageType
}

// ImageAttachment references an uploaded image.
type ImageAttachment struct {
	URL string `json:"url"`
}

func (ImageAttachment) MessageType() MessageType { return TypeImage }

// MovieAttachment references a TMDB movie.
type MovieAttachment struct {
	TMDBID    int64  `json:"tmdb_id"`
	PosterURL string `json:"poster_url,omitempty"`
}

func (MovieAttachment) MessageType() MessageType { return TypeMovie }

// TypeOf returns the message type implied by an attachment.
func TypeOf(a Attachment) MessageType {
	if a == nil {
		return TypeText
	}
	return a.MessageType()
}

// DecryptedMessage is the in-memory, viewer-relative form of a message.
type DecryptedMessage struct {
	ID         string
	SenderID   string
	ReceiverID string
	Plaintext  string
	Status     MessageStatus
	Type       MessageType
	Attachment Attachment
	CreatedAt  time.Time
	IsMine     bool
	ClientRef  string
}

// IsPlaceholder reports whether the message is an unconfirmed optimistic entry.
func (m DecryptedMessage) IsPlaceholder() bool {
	return strings.HasPrefix(m.ID, PlaceholderPrefix)
}
