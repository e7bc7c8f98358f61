package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"roulette-chat/internal/e2ee"
	"roulette-chat/internal/models"
	"roulette-chat/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateMessage(ctx context.Context, env models.MessageEnvelope) (models.MessageEnvelope, error) {
	args := m.Called(ctx, env)
	var out models.MessageEnvelope
	if val := args.Get(0); val != nil {
		out = val.(models.MessageEnvelope)
	}
	return out, args.Error(1)
}

func (m *MessageRepositoryMock) ListLatest(ctx context.Context, userID, peerID string, limit int) ([]models.MessageEnvelope, error) {
	args := m.Called(ctx, userID, peerID, limit)
	var msgs []models.MessageEnvelope
	if val := args.Get(0); val != nil {
		msgs = val.([]models.MessageEnvelope)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListBefore(ctx context.Context, userID, peerID string, before time.Time, limit int) ([]models.MessageEnvelope, error) {
	args := m.Called(ctx, userID, peerID, before, limit)
	var msgs []models.MessageEnvelope
	if val := args.Get(0); val != nil {
		msgs = val.([]models.MessageEnvelope)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListAfter(ctx context.Context, userID, peerID string, after time.Time) ([]models.MessageEnvelope, error) {
	args := m.Called(ctx, userID, peerID, after)
	var msgs []models.MessageEnvelope
	if val := args.Get(0); val != nil {
		msgs = val.([]models.MessageEnvelope)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) ListStatuses(ctx context.Context, ids []int64) ([]models.MessageStatusRow, error) {
	args := m.Called(ctx, ids)
	var rows []models.MessageStatusRow
	if val := args.Get(0); val != nil {
		rows = val.([]models.MessageStatusRow)
	}
	return rows, args.Error(1)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, senderID, receiverID string) (int64, error) {
	args := m.Called(ctx, senderID, receiverID)
	return args.Get(0).(int64), args.Error(1)
}

type PublicKeyRepositoryMock struct {
	mock.Mock
}

func (m *PublicKeyRepositoryMock) GetPublicKey(ctx context.Context, userID string) (models.PublicKeyRecord, error) {
	args := m.Called(ctx, userID)
	var rec models.PublicKeyRecord
	if val := args.Get(0); val != nil {
		rec = val.(models.PublicKeyRecord)
	}
	return rec, args.Error(1)
}

func (m *PublicKeyRepositoryMock) UpsertPublicKey(ctx context.Context, userID, publicKey string) error {
	args := m.Called(ctx, userID, publicKey)
	return args.Error(0)
}

type ProfileRepositoryMock struct {
	mock.Mock
}

func (m *ProfileRepositoryMock) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	args := m.Called(ctx, userID)
	var p models.Profile
	if val := args.Get(0); val != nil {
		p = val.(models.Profile)
	}
	return p, args.Error(1)
}

type KeyProviderMock struct {
	mock.Mock
}

func (m *KeyProviderMock) LoadOrCreateLocalKeyPair(ctx context.Context, ownerID string) (e2ee.KeyPair, error) {
	args := m.Called(ctx, ownerID)
	var kp e2ee.KeyPair
	if val := args.Get(0); val != nil {
		kp = val.(e2ee.KeyPair)
	}
	return kp, args.Error(1)
}

func (m *KeyProviderMock) FetchPeerPublicKey(ctx context.Context, peerID string) (e2ee.PublicKey, error) {
	args := m.Called(ctx, peerID)
	var pub e2ee.PublicKey
	if val := args.Get(0); val != nil {
		pub = val.(e2ee.PublicKey)
	}
	return pub, args.Error(1)
}

type UploaderMock struct {
	mock.Mock
}

func (m *UploaderMock) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, path, data, contentType)
	return args.String(0), args.Error(1)
}

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.PublicKeyRepository = (*PublicKeyRepositoryMock)(nil)
var _ repositories.ProfileRepository = (*ProfileRepositoryMock)(nil)
var _ interface {
	LoadOrCreateLocalKeyPair(context.Context, string) (e2ee.KeyPair, error)
	FetchPeerPublicKey(context.Context, string) (e2ee.PublicKey, error)
} = (*KeyProviderMock)(nil)
var _ interface {
	Upload(context.Context, string, []byte, string) (string, error)
} = (*UploaderMock)(nil)
