package conversation

import (
	"sync"
	"time"

	"roulette-chat/internal/models"
)

// Phase is the load state of a conversation.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhaseFailed  Phase = "failed"
)

// State is an immutable snapshot of a conversation window. A new State is
// published after every mutation; published values are never modified.
type State struct {
	Phase        Phase
	PeerID       string
	Messages     []models.DecryptedMessage
	HasOlder     bool
	OldestLoaded time.Time
	LoadingOlder bool
	// Err is set when Phase is PhaseFailed.
	Err error
	// SendErr is the last failed send, kept until dismissed.
	SendErr error
}

// broadcaster fans out the latest value to subscribers. Slow subscribers
// only ever see the newest value.
type broadcaster[T any] struct {
	mu     sync.Mutex
	latest T
	subs   map[chan T]struct{}
	closed bool
}

func newBroadcaster[T any](initial T) *broadcaster[T] {
	return &broadcaster[T]{latest: initial, subs: make(map[chan T]struct{})}
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = v
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

func (b *broadcaster[T]) current() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// subscribe returns a channel primed with the current value and a func
// that detaches it.
func (b *broadcaster[T]) subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan T, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- b.latest
	b.subs[ch] = struct{}{}
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

func (b *broadcaster[T]) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
