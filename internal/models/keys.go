package models

import "time"

// PublicKeyRecord maps a user to their serialized public key.
type PublicKeyRecord struct {
	UserID    string    `db:"user_id" json:"user_id"`
	PublicKey string    `db:"public_key" json:"public_key"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
