package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"roulette-chat/internal/e2ee"
)

type publisherMock struct {
	mock.Mock
}

func (m *publisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func (m *publisherMock) Close() error { return m.Called().Error(0) }

func newTestEmitter(pub Publisher) *AuditEmitter {
	e := NewAuditEmitter(pub, "audit.chat", "roulette-chat", "test")
	e.now = func() time.Time { return time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC) }
	return e
}

func TestKeyGeneratedCarriesFingerprint(t *testing.T) {
	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Once()
	kp, err := e2ee.GenerateKeyPair()
	require.NoError(t, err)

	newTestEmitter(pub).KeyGenerated(context.Background(), "alice", kp.Public)

	pub.AssertExpectations(t)
	env := pub.Calls[0].Arguments.Get(2).(AuditEnvelope)
	assert.Equal(t, "roulette-chat", env.Service)
	assert.Equal(t, "2026-03-01T18:00:00Z", env.OccurredAt)
	require.NotNil(t, env.UserID)
	assert.Equal(t, "alice", *env.UserID)
	assert.Equal(t, AuditRecord{
		Action:         ActionKeyGenerated,
		OwnerID:        "alice",
		KeyFingerprint: kp.Public.Fingerprint(),
	}, env.Payload)
	assert.Len(t, env.Payload.KeyFingerprint, 32)
}

func TestConversationLifecycleRecords(t *testing.T) {
	pub := new(publisherMock)
	pub.On("Publish", mock.Anything, "audit.chat", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil).Twice()
	emitter := newTestEmitter(pub)
	user := "alice"

	emitter.ConversationOpened(context.Background(), "req-1", &user, "bob")
	emitter.ConversationClosed(context.Background(), "req-2", &user, "bob")

	opened := pub.Calls[0].Arguments.Get(2).(AuditEnvelope)
	closed := pub.Calls[1].Arguments.Get(2).(AuditEnvelope)
	assert.Equal(t, "req-1", opened.RequestID)
	assert.Equal(t, AuditRecord{Action: ActionConversationOpened, PeerID: "bob"}, opened.Payload)
	assert.Equal(t, AuditRecord{Action: ActionConversationClosed, PeerID: "bob"}, closed.Payload)
}

func TestEmitOnNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	assert.NotPanics(t, func() {
		emitter.KeyGenerated(context.Background(), "alice", e2ee.PublicKey{})
	})
}
