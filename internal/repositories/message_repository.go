package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"roulette-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `id, sender_id, receiver_id,
        encrypted_content_sender, encrypted_key_sender, iv_sender,
        encrypted_content_receiver, encrypted_key_receiver, iv_receiver,
        status, message_type, image_url, movie_tmdb_id, movie_poster_url, client_ref,
        is_read, created_at`

// participantsFilter matches both directions of a 1:1 conversation.
const participantsFilter = `((sender_id=? AND receiver_id=?) OR (sender_id=? AND receiver_id=?))`

// MessageRepository defines interactions with the messages table.
type MessageRepository interface {
	CreateMessage(ctx context.Context, env models.MessageEnvelope) (models.MessageEnvelope, error)
	ListLatest(ctx context.Context, userID, peerID string, limit int) ([]models.MessageEnvelope, error)
	ListBefore(ctx context.Context, userID, peerID string, before time.Time, limit int) ([]models.MessageEnvelope, error)
	ListAfter(ctx context.Context, userID, peerID string, after time.Time) ([]models.MessageEnvelope, error)
	ListStatuses(ctx context.Context, ids []int64) ([]models.MessageStatusRow, error)
	MarkRead(ctx context.Context, senderID, receiverID string) (int64, error)
}

// MessageRepo is a sqlx-backed repository. Rows are timestamped by the
// store so that every writer shares one clock.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// WithClock writes created_at from now instead of the store clock. Tests use
// it for deterministic ordering.
func (r *MessageRepo) WithClock(now func() time.Time) *MessageRepo {
	r.now = now
	return r
}

// CreateMessage inserts an envelope and returns it with its id and timestamp.
func (r *MessageRepo) CreateMessage(ctx context.Context, env models.MessageEnvelope) (models.MessageEnvelope, error) {
	columns := `sender_id, receiver_id,
        encrypted_content_sender, encrypted_key_sender, iv_sender,
        encrypted_content_receiver, encrypted_key_receiver, iv_receiver,
        status, message_type, image_url, movie_tmdb_id, movie_poster_url, client_ref,
        is_read`
	placeholders := `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`
	args := []any{
		env.SenderID, env.ReceiverID,
		env.EncryptedContentForSender, env.EncryptedKeyForSender, env.IVForSender,
		env.EncryptedContentForReceiver, env.EncryptedKeyForReceiver, env.IVForReceiver,
		env.Status, env.MessageType, env.ImageURL, env.MovieTMDBID, env.MoviePosterURL, env.ClientRef,
		env.IsRead,
	}
	if r.now != nil {
		columns += `, created_at`
		placeholders += `, ?`
		args = append(args, r.now().UTC().Truncate(time.Microsecond))
	}

	query := r.db.Rebind(`INSERT INTO messages (` + columns + `) VALUES (` + placeholders + `) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, query, args...).Scan(&env.ID); err != nil {
		return env, err
	}

	// read the stamp back through the column so both drivers decode it as a time
	err := r.db.GetContext(ctx, &env.CreatedAt, r.db.Rebind(`SELECT created_at FROM messages WHERE id = ?`), env.ID)
	return env, err
}

// ListLatest returns the newest messages between two users, newest first.
func (r *MessageRepo) ListLatest(ctx context.Context, userID, peerID string, limit int) ([]models.MessageEnvelope, error) {
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages
        WHERE ` + participantsFilter + `
        ORDER BY created_at DESC, id DESC
        LIMIT ?`)
	var msgs []models.MessageEnvelope
	err := r.db.SelectContext(ctx, &msgs, query, userID, peerID, peerID, userID, limit)
	return msgs, err
}

// ListBefore returns messages strictly older than before, newest first.
func (r *MessageRepo) ListBefore(ctx context.Context, userID, peerID string, before time.Time, limit int) ([]models.MessageEnvelope, error) {
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages
        WHERE ` + participantsFilter + ` AND created_at < ?
        ORDER BY created_at DESC, id DESC
        LIMIT ?`)
	var msgs []models.MessageEnvelope
	err := r.db.SelectContext(ctx, &msgs, query, userID, peerID, peerID, userID, before.UTC(), limit)
	return msgs, err
}

// ListAfter returns all messages stamped at or after after, oldest first.
// Rows sharing the cursor's timestamp are included; callers drop the ids they
// already hold.
func (r *MessageRepo) ListAfter(ctx context.Context, userID, peerID string, after time.Time) ([]models.MessageEnvelope, error) {
	query := r.db.Rebind(`SELECT ` + messageColumns + ` FROM messages
        WHERE ` + participantsFilter + ` AND created_at >= ?
        ORDER BY created_at ASC, id ASC`)
	var msgs []models.MessageEnvelope
	err := r.db.SelectContext(ctx, &msgs, query, userID, peerID, peerID, userID, after.UTC())
	return msgs, err
}

// ListStatuses returns the delivery fields of the given messages.
func (r *MessageRepo) ListStatuses(ctx context.Context, ids []int64) ([]models.MessageStatusRow, error) {
	if len(ids) == 0 {
		return []models.MessageStatusRow{}, nil
	}
	query, args, err := sqlx.In(`SELECT id, status, is_read FROM messages WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []models.MessageStatusRow
	err = r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...)
	return rows, err
}

// MarkRead marks every message from sender to receiver as read and returns the affected row count.
func (r *MessageRepo) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	query := r.db.Rebind(`UPDATE messages SET status = ?, is_read = TRUE
        WHERE sender_id=? AND receiver_id=? AND (is_read = FALSE OR status IS NULL OR status <> ?)`)
	res, err := r.db.ExecContext(ctx, query, string(models.StatusRead), senderID, receiverID, string(models.StatusRead))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
