package conversation

import (
	"context"
	"errors"
	"sync"

	"roulette-chat/internal/observability"
)

// ErrNotOpen is returned for peers without an open conversation.
var ErrNotOpen = errors.New("conversation not open")

// Manager keeps one open conversation per peer for the local user.
type Manager struct {
	selfID string
	deps   Deps
	opts   Options

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewManager constructs a Manager.
func NewManager(selfID string, deps Deps, opts Options) *Manager {
	return &Manager{
		selfID: selfID,
		deps:   deps,
		opts:   opts,
		convs:  make(map[string]*Conversation),
	}
}

// SelfID returns the local user id.
func (m *Manager) SelfID() string { return m.selfID }

// Open returns the conversation with peerID, initializing it on first use.
// A conversation whose initial load failed is initialized again.
func (m *Manager) Open(ctx context.Context, peerID string) (*Conversation, error) {
	m.mu.Lock()
	conv, ok := m.convs[peerID]
	if !ok {
		conv = New(m.selfID, m.deps, m.opts)
		m.convs[peerID] = conv
		observability.IncActiveConversations()
	}
	m.mu.Unlock()

	if ok && conv.Snapshot().Phase == PhaseReady {
		return conv, nil
	}
	if err := conv.Initialize(ctx, peerID); err != nil {
		return conv, err
	}
	return conv, nil
}

// Get returns an open conversation.
func (m *Manager) Get(peerID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[peerID]
	if !ok {
		return nil, ErrNotOpen
	}
	return conv, nil
}

// Close disposes the conversation with peerID.
func (m *Manager) Close(peerID string) error {
	m.mu.Lock()
	conv, ok := m.convs[peerID]
	delete(m.convs, peerID)
	m.mu.Unlock()

	if !ok {
		return ErrNotOpen
	}
	conv.Dispose()
	observability.DecActiveConversations()
	return nil
}

// CloseAll disposes every open conversation.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	convs := m.convs
	m.convs = make(map[string]*Conversation)
	m.mu.Unlock()

	for _, conv := range convs {
		conv.Dispose()
		observability.DecActiveConversations()
	}
}
