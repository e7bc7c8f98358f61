package codec

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roulette-chat/internal/e2ee"
	"roulette-chat/internal/models"
)

func keyPair(t *testing.T) e2ee.KeyPair {
	t.Helper()
	kp, err := e2ee.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestEncodeDecodeBothRoles(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	env, err := Encode("alice", "bob", "pizza and a movie?", alice.Public, bob.Public, nil)
	require.NoError(t, err)
	env.ID = 42
	env.Status = sql.NullString{String: "sent", Valid: true}

	mine, ok := Decode(env, "alice", alice.Private)
	require.True(t, ok)
	assert.Equal(t, "42", mine.ID)
	assert.Equal(t, "pizza and a movie?", mine.Plaintext)
	assert.True(t, mine.IsMine)
	assert.Equal(t, models.TypeText, mine.Type)
	assert.Nil(t, mine.Attachment)

	theirs, ok := Decode(env, "bob", bob.Private)
	require.True(t, ok)
	assert.Equal(t, "pizza and a movie?", theirs.Plaintext)
	assert.False(t, theirs.IsMine)
	assert.Equal(t, models.StatusSent, theirs.Status)
}

func TestHalvesAreIndependent(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	env, err := Encode("alice", "bob", "hi", alice.Public, bob.Public, nil)
	require.NoError(t, err)

	assert.NotEqual(t, env.IVForSender, env.IVForReceiver)
	assert.NotEqual(t, env.EncryptedKeyForSender, env.EncryptedKeyForReceiver)

	// each private key only opens its own half
	_, ok := Decode(env, "alice", bob.Private)
	assert.False(t, ok)
	_, ok = Decode(env, "bob", alice.Private)
	assert.False(t, ok)
}

func TestDecodeRejectsStrangers(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	env, err := Encode("alice", "bob", "hi", alice.Public, bob.Public, nil)
	require.NoError(t, err)

	_, ok := Decode(env, "carol", keyPair(t).Private)
	assert.False(t, ok)
}

func TestDecodeTruncatedIV(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	env, err := Encode("alice", "bob", "hi", alice.Public, bob.Public, nil)
	require.NoError(t, err)
	env.IVForReceiver = env.IVForReceiver[:8]

	_, ok := Decode(env, "bob", bob.Private)
	assert.False(t, ok)

	// the sender half is untouched
	_, ok = Decode(env, "alice", alice.Private)
	assert.True(t, ok)
}

func TestAttachments(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)

	img, err := Encode("alice", "bob", "look", alice.Public, bob.Public, models.ImageAttachment{URL: "https://cdn/x.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "image", img.MessageType)
	msg, ok := Decode(img, "bob", bob.Private)
	require.True(t, ok)
	assert.Equal(t, models.TypeImage, msg.Type)
	assert.Equal(t, models.ImageAttachment{URL: "https://cdn/x.jpg"}, msg.Attachment)

	movie, err := Encode("alice", "bob", "The Matrix", alice.Public, bob.Public, models.MovieAttachment{TMDBID: 603, PosterURL: "https://img/603.jpg"})
	require.NoError(t, err)
	msg, ok = Decode(movie, "alice", alice.Private)
	require.True(t, ok)
	assert.Equal(t, models.TypeMovie, msg.Type)
	assert.Equal(t, models.MovieAttachment{TMDBID: 603, PosterURL: "https://img/603.jpg"}, msg.Attachment)

	_, err = Encode("alice", "bob", "x", alice.Public, bob.Public, models.ImageAttachment{})
	assert.ErrorIs(t, err, ErrInvalidAttachment)
	_, err = Encode("alice", "bob", "x", alice.Public, bob.Public, models.MovieAttachment{})
	assert.ErrorIs(t, err, ErrInvalidAttachment)

	// a movie row missing its reference is unreadable
	movie.MovieTMDBID = sql.NullInt64{}
	_, ok = Decode(movie, "alice", alice.Private)
	assert.False(t, ok)
}

func TestResolveStatus(t *testing.T) {
	cases := []struct {
		name   string
		status sql.NullString
		read   bool
		want   models.MessageStatus
	}{
		{"explicit sent", sql.NullString{String: "sent", Valid: true}, false, models.StatusSent},
		{"explicit read", sql.NullString{String: "read", Valid: true}, true, models.StatusRead},
		{"explicit wins over flag", sql.NullString{String: "sent", Valid: true}, true, models.StatusSent},
		{"legacy unread", sql.NullString{}, false, models.StatusSent},
		{"legacy read", sql.NullString{}, true, models.StatusRead},
		{"unknown value falls back", sql.NullString{String: "delivered", Valid: true}, true, models.StatusRead},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ResolveStatus(tc.status, tc.read))
		})
	}
}

func TestDecodeAllDropsCorruptRows(t *testing.T) {
	alice, bob := keyPair(t), keyPair(t)
	var envs []models.MessageEnvelope
	for i := 0; i < 11; i++ {
		env, err := Encode("alice", "bob", "m", alice.Public, bob.Public, nil)
		require.NoError(t, err)
		env.ID = int64(i + 1)
		envs = append(envs, env)
	}
	envs[5].IVForReceiver = envs[5].IVForReceiver[:4]

	got := DecodeAll(envs, "bob", bob.Private)
	require.Len(t, got, 10)
	for _, m := range got {
		assert.NotEqual(t, "6", m.ID)
	}
}
