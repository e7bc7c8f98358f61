package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"roulette-chat/internal/models"
)

var ErrPublicKeyNotFound = errors.New("public key not found")

// PublicKeyRepository abstracts the public_keys table.
type PublicKeyRepository interface {
	GetPublicKey(ctx context.Context, userID string) (models.PublicKeyRecord, error)
	UpsertPublicKey(ctx context.Context, userID, publicKey string) error
}

// PublicKeyRepo is a sqlx implementation of PublicKeyRepository.
type PublicKeyRepo struct {
	db *sqlx.DB
}

// NewPublicKeyRepo constructs a PublicKeyRepo.
func NewPublicKeyRepo(db *sqlx.DB) *PublicKeyRepo {
	return &PublicKeyRepo{db: db}
}

// GetPublicKey fetches the serialized public key of a user.
func (r *PublicKeyRepo) GetPublicKey(ctx context.Context, userID string) (models.PublicKeyRecord, error) {
	var rec models.PublicKeyRecord
	err := r.db.GetContext(ctx, &rec, r.db.Rebind(`SELECT user_id, public_key, updated_at FROM public_keys WHERE user_id=?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PublicKeyRecord{}, ErrPublicKeyNotFound
	}
	return rec, err
}

// UpsertPublicKey updates the user's key row, inserting it when missing.
func (r *PublicKeyRepo) UpsertPublicKey(ctx context.Context, userID, publicKey string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO public_keys (user_id, public_key, updated_at) VALUES (?, ?, ?)
        ON CONFLICT (user_id) DO UPDATE SET public_key = EXCLUDED.public_key, updated_at = EXCLUDED.updated_at`),
		userID, publicKey, time.Now().UTC().Truncate(time.Second))
	return err
}
