package models

import "database/sql"

// Profile is the public profile of a user shown in the conversation header.
type Profile struct {
	ID          string         `db:"id" json:"id"`
	Username    string         `db:"username" json:"username"`
	DisplayName sql.NullString `db:"display_name" json:"-"`
	AvatarURL   sql.NullString `db:"avatar_url" json:"-"`
}
