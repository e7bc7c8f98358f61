// Package codec maps between persisted dual-ciphertext envelopes and
// decrypted, viewer-relative messages.
package codec

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strconv"

	"roulette-chat/internal/e2ee"
	"roulette-chat/internal/models"
	"roulette-chat/internal/observability"
)

var ErrInvalidAttachment = errors.New("invalid attachment")

// Encode seals plaintext once for the sender and once for the receiver and
// attaches the type-specific metadata. ID and CreatedAt are left for the store.
func Encode(senderID, receiverID, plaintext string, senderKey, receiverKey e2ee.PublicKey, attachment models.Attachment) (models.MessageEnvelope, error) {
	env := models.MessageEnvelope{
		SenderID:    senderID,
		ReceiverID:  receiverID,
		MessageType: string(models.TypeOf(attachment)),
	}

	switch a := attachment.(type) {
	case nil:
	case models.ImageAttachment:
		if a.URL == "" {
			return models.MessageEnvelope{}, fmt.Errorf("%w: image without url", ErrInvalidAttachment)
		}
		env.ImageURL = sql.NullString{String: a.URL, Valid: true}
	case models.MovieAttachment:
		if a.TMDBID <= 0 {
			return models.MessageEnvelope{}, fmt.Errorf("%w: movie without tmdb id", ErrInvalidAttachment)
		}
		env.MovieTMDBID = sql.NullInt64{Int64: a.TMDBID, Valid: true}
		env.MoviePosterURL = sql.NullString{String: a.PosterURL, Valid: a.PosterURL != ""}
	default:
		return models.MessageEnvelope{}, fmt.Errorf("%w: %T", ErrInvalidAttachment, attachment)
	}

	forSender, err := e2ee.Encrypt([]byte(plaintext), senderKey)
	if err != nil {
		return models.MessageEnvelope{}, fmt.Errorf("encrypt for sender: %w", err)
	}
	forReceiver, err := e2ee.Encrypt([]byte(plaintext), receiverKey)
	if err != nil {
		return models.MessageEnvelope{}, fmt.Errorf("encrypt for receiver: %w", err)
	}

	env.EncryptedContentForSender = encode(forSender.Ciphertext)
	env.EncryptedKeyForSender = encode(forSender.WrappedKey)
	env.IVForSender = encode(forSender.IV)
	env.EncryptedContentForReceiver = encode(forReceiver.Ciphertext)
	env.EncryptedKeyForReceiver = encode(forReceiver.WrappedKey)
	env.IVForReceiver = encode(forReceiver.IV)
	return env, nil
}

// Decode opens the half of env addressed to the viewer. It reports false for
// envelopes the viewer is not part of or cannot decrypt, so one bad row never
// breaks a page.
func Decode(env models.MessageEnvelope, viewerID string, viewerKey e2ee.PrivateKey) (models.DecryptedMessage, bool) {
	var sealed e2ee.Sealed
	var err error
	switch viewerID {
	case env.SenderID:
		sealed, err = decodeSealed(env.EncryptedContentForSender, env.EncryptedKeyForSender, env.IVForSender)
	case env.ReceiverID:
		sealed, err = decodeSealed(env.EncryptedContentForReceiver, env.EncryptedKeyForReceiver, env.IVForReceiver)
	default:
		return models.DecryptedMessage{}, false
	}
	if err != nil {
		dropUnreadable(env, err)
		return models.DecryptedMessage{}, false
	}

	plaintext, err := e2ee.Decrypt(sealed, viewerKey)
	if err != nil {
		dropUnreadable(env, err)
		return models.DecryptedMessage{}, false
	}

	attachment, err := decodeAttachment(env)
	if err != nil {
		dropUnreadable(env, err)
		return models.DecryptedMessage{}, false
	}

	return models.DecryptedMessage{
		ID:         strconv.FormatInt(env.ID, 10),
		SenderID:   env.SenderID,
		ReceiverID: env.ReceiverID,
		Plaintext:  string(plaintext),
		Status:     ResolveStatus(env.Status, env.IsRead),
		Type:       models.TypeOf(attachment),
		Attachment: attachment,
		CreatedAt:  env.CreatedAt,
		IsMine:     env.SenderID == viewerID,
		ClientRef:  env.ClientRef.String,
	}, true
}

// DecodeAll decodes envelopes in order, dropping the unreadable ones.
func DecodeAll(envs []models.MessageEnvelope, viewerID string, viewerKey e2ee.PrivateKey) []models.DecryptedMessage {
	out := make([]models.DecryptedMessage, 0, len(envs))
	for _, env := range envs {
		if msg, ok := Decode(env, viewerID, viewerKey); ok {
			out = append(out, msg)
		}
	}
	return out
}

// ResolveStatus prefers the explicit status column. Rows written before the
// column existed only carry the read flag.
func ResolveStatus(status sql.NullString, isRead bool) models.MessageStatus {
	if status.Valid {
		switch s := models.MessageStatus(status.String); s {
		case models.StatusSending, models.StatusSent, models.StatusRead:
			return s
		}
	}
	if isRead {
		return models.StatusRead
	}
	return models.StatusSent
}

func decodeAttachment(env models.MessageEnvelope) (models.Attachment, error) {
	switch models.MessageType(env.MessageType) {
	case models.TypeText, "":
		return nil, nil
	case models.TypeImage:
		if !env.ImageURL.Valid || env.ImageURL.String == "" {
			return nil, fmt.Errorf("%w: image row without url", ErrInvalidAttachment)
		}
		return models.ImageAttachment{URL: env.ImageURL.String}, nil
	case models.TypeMovie:
		if !env.MovieTMDBID.Valid {
			return nil, fmt.Errorf("%w: movie row without tmdb id", ErrInvalidAttachment)
		}
		return models.MovieAttachment{TMDBID: env.MovieTMDBID.Int64, PosterURL: env.MoviePosterURL.String}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidAttachment, env.MessageType)
	}
}

func decodeSealed(content, key, iv string) (e2ee.Sealed, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return e2ee.Sealed{}, fmt.Errorf("%w: content: %v", e2ee.ErrDecryption, err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return e2ee.Sealed{}, fmt.Errorf("%w: key: %v", e2ee.ErrDecryption, err)
	}
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return e2ee.Sealed{}, fmt.Errorf("%w: iv: %v", e2ee.ErrDecryption, err)
	}
	return e2ee.Sealed{Ciphertext: ciphertext, WrappedKey: wrapped, IV: rawIV}, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func dropUnreadable(env models.MessageEnvelope, err error) {
	observability.IncDecryptFailure()
	log.Printf("codec dropping unreadable message id=%d sender=%s: %v", env.ID, env.SenderID, err)
}
