package conversation

import (
	"time"

	"roulette-chat/internal/models"
)

// View is the JSON form of a State served to clients.
type View struct {
	Phase        Phase         `json:"phase"`
	PeerID       string        `json:"peer_id"`
	Messages     []MessageView `json:"messages"`
	HasOlder     bool          `json:"has_older"`
	OldestLoaded *time.Time    `json:"oldest_loaded,omitempty"`
	LoadingOlder bool          `json:"loading_older"`
	Error        string        `json:"error,omitempty"`
	SendError    string        `json:"send_error,omitempty"`
}

type MessageView struct {
	ID         string                  `json:"id"`
	SenderID   string                  `json:"sender_id"`
	ReceiverID string                  `json:"receiver_id"`
	Text       string                  `json:"text"`
	Status     models.MessageStatus    `json:"status"`
	Type       models.MessageType      `json:"type"`
	ImageURL   string                  `json:"image_url,omitempty"`
	Movie      *models.MovieAttachment `json:"movie,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	IsMine     bool                    `json:"is_mine"`
	Pending    bool                    `json:"pending"`
}

// View renders the state for clients.
func (s State) View() View {
	v := View{
		Phase:        s.Phase,
		PeerID:       s.PeerID,
		Messages:     make([]MessageView, 0, len(s.Messages)),
		HasOlder:     s.HasOlder,
		LoadingOlder: s.LoadingOlder,
	}
	if !s.OldestLoaded.IsZero() {
		oldest := s.OldestLoaded
		v.OldestLoaded = &oldest
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if s.SendErr != nil {
		v.SendError = s.SendErr.Error()
	}
	for _, m := range s.Messages {
		v.Messages = append(v.Messages, NewMessageView(m))
	}
	return v
}

// NewMessageView renders one message.
func NewMessageView(m models.DecryptedMessage) MessageView {
	mv := MessageView{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Plaintext,
		Status:     m.Status,
		Type:       m.Type,
		CreatedAt:  m.CreatedAt,
		IsMine:     m.IsMine,
		Pending:    m.IsPlaceholder(),
	}
	switch a := m.Attachment.(type) {
	case models.ImageAttachment:
		mv.ImageURL = a.URL
	case models.MovieAttachment:
		mv.Movie = &a
	}
	return mv
}
