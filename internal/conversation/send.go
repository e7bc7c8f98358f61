package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"roulette-chat/internal/codec"
	"roulette-chat/internal/e2ee"
	"roulette-chat/internal/models"
	"roulette-chat/internal/observability"
)

// ImageLabel is the plaintext carried by image messages without a caption.
const ImageLabel = "[image]"

// Send sends a text message to the peer.
func (c *Conversation) Send(ctx context.Context, text string) (models.DecryptedMessage, error) {
	if strings.TrimSpace(text) == "" {
		return models.DecryptedMessage{}, ErrEmptyMessage
	}
	return c.send(ctx, text, nil)
}

// SendMovie sends a movie recommendation. The title is the encrypted text.
func (c *Conversation) SendMovie(ctx context.Context, title string, movie models.MovieAttachment) (models.DecryptedMessage, error) {
	if strings.TrimSpace(title) == "" {
		return models.DecryptedMessage{}, ErrEmptyMessage
	}
	return c.send(ctx, title, movie)
}

// SendImage uploads data to blob storage and sends a message referencing it.
// The content type is sniffed from data; only images are accepted.
func (c *Conversation) SendImage(ctx context.Context, data []byte, caption string) (models.DecryptedMessage, error) {
	if len(data) == 0 {
		return models.DecryptedMessage{}, ErrEmptyMessage
	}
	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return models.DecryptedMessage{}, fmt.Errorf("%w: %s is not an image", codec.ErrInvalidAttachment, detected.String())
	}
	if c.deps.Uploader == nil {
		return models.DecryptedMessage{}, fmt.Errorf("%w: no blob storage configured", ErrRemoteWrite)
	}
	if c.closed.Load() {
		return models.DecryptedMessage{}, ErrClosed
	}

	ctx, span := startSpan(ctx, "conversation.UploadImage", c.PeerID())
	url, err := c.deps.Uploader.Upload(ctx, imagePath(c.selfID, detected), data, detected.String())
	endSpan(span, err)
	if err != nil {
		observability.IncSendFailure("upload")
		return models.DecryptedMessage{}, fmt.Errorf("%w: upload image: %v", ErrRemoteWrite, err)
	}

	if strings.TrimSpace(caption) == "" {
		caption = ImageLabel
	}
	return c.send(ctx, caption, models.ImageAttachment{URL: url})
}

// imagePath places uploads under the sender's folder with a random name.
func imagePath(ownerID string, detected *mimetype.MIME) string {
	ext := detected.Extension()
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s/%s%s", ownerID, uuid.NewString(), ext)
}

// send shows a placeholder, writes the envelope and, after the settle delay,
// polls so the placeholder is replaced by the stored row.
func (c *Conversation) send(ctx context.Context, text string, attachment models.Attachment) (msg models.DecryptedMessage, err error) {
	ctx, span := startSpan(ctx, "conversation.Send", c.PeerID())
	defer func() { endSpan(span, err) }()

	msg, err = c.write(ctx, text, attachment)
	if err != nil {
		return models.DecryptedMessage{}, err
	}

	if !sleep(ctx, c.opts.SettleDelay) {
		return msg, nil
	}
	if err := c.PollForNewMessages(ctx); err != nil {
		log.Printf("conversation post-send poll failed peer=%s: %v", msg.ReceiverID, err)
	}
	return msg, nil
}

func (c *Conversation) write(ctx context.Context, text string, attachment models.Attachment) (models.DecryptedMessage, error) {
	peerID, fetched, ok := c.lookupPeerKey(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return models.DecryptedMessage{}, ErrClosed
	}
	if c.phase != PhaseReady {
		return models.DecryptedMessage{}, ErrNotReady
	}
	msgType := string(models.TypeOf(attachment))

	if !c.hasPeer && ok && peerID == c.peerID {
		c.peerKey, c.hasPeer = fetched, true
	}
	if !c.hasLocal || !c.hasPeer {
		observability.IncSendFailure("missing_key")
		c.sendErr = ErrMissingKey
		c.publishLocked()
		return models.DecryptedMessage{}, ErrMissingKey
	}

	ref := uuid.NewString()
	placeholder := models.DecryptedMessage{
		ID:         models.PlaceholderPrefix + ref,
		SenderID:   c.selfID,
		ReceiverID: c.peerID,
		Plaintext:  text,
		Status:     models.StatusSending,
		Type:       models.TypeOf(attachment),
		Attachment: attachment,
		CreatedAt:  time.Now().UTC(),
		IsMine:     true,
		ClientRef:  ref,
	}
	c.window = append(c.window[:len(c.window):len(c.window)], placeholder)
	c.sendErr = nil
	c.publishLocked()

	env, err := codec.Encode(c.selfID, c.peerID, text, c.local.Public, c.peerKey, attachment)
	if err != nil {
		c.rollbackLocked(ref, err)
		observability.IncSendFailure("encode")
		return models.DecryptedMessage{}, err
	}
	env.Status = sql.NullString{String: string(models.StatusSent), Valid: true}
	env.ClientRef = sql.NullString{String: ref, Valid: true}

	created, err := c.deps.Messages.CreateMessage(ctx, env)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrRemoteWrite, err)
		c.rollbackLocked(ref, err)
		observability.IncSendFailure("remote_write")
		return models.DecryptedMessage{}, err
	}
	observability.IncMessageSent(msgType)
	c.publishChange(ctx, models.ChangeEvent{
		Op:         models.OpInsert,
		MessageID:  created.ID,
		SenderID:   c.selfID,
		ReceiverID: c.peerID,
	})

	sent := placeholder
	sent.ID = strconv.FormatInt(created.ID, 10)
	sent.Status = models.StatusSent
	sent.CreatedAt = created.CreatedAt
	return sent, nil
}

// lookupPeerKey fetches the peer key when it is still unresolved. The fetch
// may retry after a delay, so it runs without mu.
func (c *Conversation) lookupPeerKey(ctx context.Context) (string, e2ee.PublicKey, bool) {
	c.mu.Lock()
	peerID, resolved := c.peerID, c.hasPeer
	c.mu.Unlock()
	if resolved || peerID == "" {
		return peerID, e2ee.PublicKey{}, false
	}

	pub, err := c.deps.Keys.FetchPeerPublicKey(ctx, peerID)
	if err != nil {
		log.Printf("conversation peer key lookup failed peer=%s: %v", peerID, err)
		return peerID, e2ee.PublicKey{}, false
	}
	return peerID, pub, true
}

func (c *Conversation) rollbackLocked(clientRef string, err error) {
	log.Printf("conversation send failed peer=%s ref=%s: %v", c.peerID, clientRef, err)
	c.window = removePlaceholder(c.window, clientRef)
	c.sendErr = err
	c.publishLocked()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
