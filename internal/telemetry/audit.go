package telemetry

import (
	"context"
	"log"
	"time"

	"roulette-chat/internal/e2ee"
)

// Audit actions.
const (
	ActionKeyGenerated       = "key_generated"
	ActionConversationOpened = "conversation_opened"
	ActionConversationClosed = "conversation_closed"
	ActionTest               = "audit_test"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter publishes security-relevant chat events: key provisioning and
// conversation lifecycle.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	OccurredAt    string      `json:"occurred_at"`
	Service       string      `json:"service"`
	Environment   string      `json:"environment"`
	RequestID     string      `json:"request_id,omitempty"`
	UserID        *string     `json:"user_id,omitempty"`
	Payload       AuditRecord `json:"payload"`
}

// AuditRecord describes what happened. Key events carry the owner and the
// public key fingerprint, never key material.
type AuditRecord struct {
	Action         string `json:"action"`
	PeerID         string `json:"peer_id,omitempty"`
	OwnerID        string `json:"owner_id,omitempty"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// KeyGenerated records a freshly provisioned key pair for ownerID.
func (e *AuditEmitter) KeyGenerated(ctx context.Context, ownerID string, pub e2ee.PublicKey) {
	e.Emit(ctx, "", &ownerID, AuditRecord{
		Action:         ActionKeyGenerated,
		OwnerID:        ownerID,
		KeyFingerprint: pub.Fingerprint(),
	})
}

// ConversationOpened records a user opening the conversation with peerID.
func (e *AuditEmitter) ConversationOpened(ctx context.Context, requestID string, userID *string, peerID string) {
	e.Emit(ctx, requestID, userID, AuditRecord{Action: ActionConversationOpened, PeerID: peerID})
}

// ConversationClosed records a user closing the conversation with peerID.
func (e *AuditEmitter) ConversationClosed(ctx context.Context, requestID string, userID *string, peerID string) {
	e.Emit(ctx, requestID, userID, AuditRecord{Action: ActionConversationClosed, PeerID: peerID})
}

// Emit is a no-op on a nil emitter. Publish failures are logged.
func (e *AuditEmitter) Emit(ctx context.Context, requestID string, userID *string, record AuditRecord) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "chat_audit",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload:       record,
	}

	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		log.Printf("audit publish failed action=%s: %v", record.Action, err)
	}
}
