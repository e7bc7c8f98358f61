// Package conversation owns the decrypted message window of one 1:1 chat and
// reconciles it with the remote store.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"roulette-chat/internal/codec"
	"roulette-chat/internal/delivery"
	"roulette-chat/internal/e2ee"
	"roulette-chat/internal/models"
	"roulette-chat/internal/rabbitmq"
	"roulette-chat/internal/repositories"
)

var (
	// ErrMissingKey is returned by sends while either public key is unresolved.
	ErrMissingKey = errors.New("encryption key missing")
	// ErrRemoteWrite wraps failed inserts and updates.
	ErrRemoteWrite = errors.New("remote write failed")
	// ErrRemoteRead wraps failed page, poll and status fetches.
	ErrRemoteRead = errors.New("remote read failed")
	ErrClosed       = errors.New("conversation closed")
	ErrNotReady     = errors.New("conversation not ready")
	ErrEmptyMessage = errors.New("empty message")
)

var tracer = otel.Tracer("roulette-chat/conversation")

// KeyProvider resolves the key material a conversation needs.
type KeyProvider interface {
	LoadOrCreateLocalKeyPair(ctx context.Context, ownerID string) (e2ee.KeyPair, error)
	FetchPeerPublicKey(ctx context.Context, peerID string) (e2ee.PublicKey, error)
}

// Uploader stores image bytes and returns their public URL.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Deps are the collaborators of a conversation. Profiles, Feed, Uploader and
// Publisher may be nil.
type Deps struct {
	Messages  repositories.MessageRepository
	Profiles  repositories.ProfileRepository
	Keys      KeyProvider
	Feed      delivery.Feed
	Uploader  Uploader
	Publisher rabbitmq.Publisher
}

// Options tune paging and freshness.
type Options struct {
	PageSize     int
	PollInterval time.Duration
	PushDelay    time.Duration
	SettleDelay  time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:     30,
		PollInterval: 3 * time.Second,
		PushDelay:    500 * time.Millisecond,
		SettleDelay:  500 * time.Millisecond,
	}
}

// Conversation is the state machine of one chat between self and a peer.
// Window mutations are serialized by mu; readers use Snapshot or Subscribe.
type Conversation struct {
	selfID string
	deps   Deps
	opts   Options

	mu       sync.Mutex
	peerID   string
	local    e2ee.KeyPair
	hasLocal bool
	peerKey  e2ee.PublicKey
	hasPeer  bool
	phase    Phase
	loadErr  error
	sendErr  error
	window   []models.DecryptedMessage
	hasOlder bool
	oldest   time.Time
	cursor   time.Time
	handle   *delivery.Handle

	loadingOlder atomic.Bool
	closed       atomic.Bool

	scope  context.Context
	cancel context.CancelFunc

	states   *broadcaster[State]
	profiles *broadcaster[*models.Profile]
}

// New builds a conversation for selfID. Call Initialize before use.
func New(selfID string, deps Deps, opts Options) *Conversation {
	defaults := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = defaults.PageSize
	}
	scope, cancel := context.WithCancel(context.Background())
	return &Conversation{
		selfID:   selfID,
		deps:     deps,
		opts:     opts,
		phase:    PhaseLoading,
		scope:    scope,
		cancel:   cancel,
		states:   newBroadcaster(State{Phase: PhaseLoading}),
		profiles: newBroadcaster[*models.Profile](nil),
	}
}

// PeerID returns the peer bound by Initialize.
func (c *Conversation) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// Snapshot returns the latest published state.
func (c *Conversation) Snapshot() State {
	return c.states.current()
}

// Subscribe streams window states, starting with the current one. The
// channel is closed on Dispose or when cancel is called.
func (c *Conversation) Subscribe() (<-chan State, func()) {
	return c.states.subscribe()
}

// SubscribeProfile streams the peer profile. The first value is nil until
// the profile has loaded.
func (c *Conversation) SubscribeProfile() (<-chan *models.Profile, func()) {
	return c.profiles.subscribe()
}

// Profile returns the loaded peer profile or nil.
func (c *Conversation) Profile() *models.Profile {
	return c.profiles.current()
}

// Initialize binds the conversation to peerID, provisions keys, loads the
// first page and starts delivery. Only page loading failures are fatal.
func (c *Conversation) Initialize(ctx context.Context, peerID string) (err error) {
	ctx, span := startSpan(ctx, "conversation.Initialize", peerID)
	defer func() { endSpan(span, err) }()

	if c.closed.Load() {
		return ErrClosed
	}

	// Delivery calls block on mu, so the previous handle is stopped unlocked.
	c.mu.Lock()
	previous := c.handle
	c.handle = nil
	c.mu.Unlock()
	previous.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.peerID = peerID
	c.phase = PhaseLoading
	c.loadErr = nil
	c.window = nil
	c.hasOlder = false
	c.oldest = time.Time{}
	c.cursor = time.Time{}
	c.publishLocked()

	local, err := c.deps.Keys.LoadOrCreateLocalKeyPair(ctx, c.selfID)
	if err != nil {
		c.failLocked(err)
		return err
	}
	c.local, c.hasLocal = local, true

	c.loadProfileLocked(ctx)

	if pub, err := c.deps.Keys.FetchPeerPublicKey(ctx, peerID); err != nil {
		log.Printf("conversation peer key unavailable peer=%s: %v", peerID, err)
		c.hasPeer = false
	} else {
		c.peerKey, c.hasPeer = pub, true
	}

	if err := c.loadFirstPageLocked(ctx); err != nil {
		c.failLocked(err)
		return err
	}

	if err := c.markReadLocked(ctx); err != nil {
		log.Printf("conversation mark read failed peer=%s: %v", peerID, err)
	}

	if c.closed.Load() {
		return ErrClosed
	}
	c.handle = delivery.NewAdapter(c.deps.Feed, c, c.selfID, peerID, delivery.Options{
		PollInterval: c.opts.PollInterval,
		PushDelay:    c.opts.PushDelay,
	}).Start(c.scope)
	return nil
}

func (c *Conversation) loadProfileLocked(ctx context.Context) {
	if c.deps.Profiles == nil {
		return
	}
	p, err := c.deps.Profiles.GetProfile(ctx, c.peerID)
	if err != nil {
		log.Printf("conversation profile load failed peer=%s: %v", c.peerID, err)
		return
	}
	c.profiles.publish(&p)
}

// LoadFirstPage replaces the window with the newest page. In-flight
// placeholders are kept until the page confirms them.
func (c *Conversation) LoadFirstPage(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "conversation.LoadFirstPage", c.PeerID())
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return nil
	}
	return c.loadFirstPageLocked(ctx)
}

func (c *Conversation) loadFirstPageLocked(ctx context.Context) error {
	envs, err := c.deps.Messages.ListLatest(ctx, c.selfID, c.peerID, c.opts.PageSize)
	if err != nil {
		return fmt.Errorf("%w: latest page: %v", ErrRemoteRead, err)
	}
	if c.closed.Load() {
		return nil
	}

	page := codec.DecodeAll(reversed(envs), c.selfID, c.local.Private)
	// The page may already hold rows confirming in-flight sends.
	window, _ := mergeIncoming(placeholders(c.window), page)

	c.window = window
	c.hasOlder = len(envs) == c.opts.PageSize
	c.oldest, c.cursor = bounds(envs)
	c.phase = PhaseReady
	c.loadErr = nil
	c.publishLocked()
	return nil
}

// LoadOlderPage prepends the page before the oldest loaded message. Calls
// made while one is in flight, or when no older messages exist, do nothing.
func (c *Conversation) LoadOlderPage(ctx context.Context) (err error) {
	if !c.loadingOlder.CompareAndSwap(false, true) {
		return nil
	}
	defer c.loadingOlder.Store(false)

	ctx, span := startSpan(ctx, "conversation.LoadOlderPage", c.PeerID())
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.phase != PhaseReady {
		return ErrNotReady
	}
	if !c.hasOlder {
		return nil
	}
	c.publishLocked()
	defer c.publishAfterOlder()

	envs, err := c.deps.Messages.ListBefore(ctx, c.selfID, c.peerID, c.oldest, c.opts.PageSize)
	if err != nil {
		return fmt.Errorf("%w: older page: %v", ErrRemoteRead, err)
	}
	if c.closed.Load() {
		return nil
	}

	older := codec.DecodeAll(reversed(envs), c.selfID, c.local.Private)
	c.window = prependOlder(c.window, older)
	c.hasOlder = len(envs) == c.opts.PageSize
	if len(envs) > 0 {
		c.oldest, _ = bounds(envs)
	}
	return nil
}

// publishAfterOlder runs with mu held.
func (c *Conversation) publishAfterOlder() {
	c.loadingOlder.Store(false)
	c.publishLocked()
}

// PollForNewMessages merges rows newer than the freshness cursor.
func (c *Conversation) PollForNewMessages(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "conversation.PollForNewMessages", c.PeerID())
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return nil
	}
	return c.pollLocked(ctx)
}

func (c *Conversation) pollLocked(ctx context.Context) error {
	envs, err := c.deps.Messages.ListAfter(ctx, c.selfID, c.peerID, c.cursor)
	if err != nil {
		return fmt.Errorf("%w: new messages: %v", ErrRemoteRead, err)
	}
	if len(envs) == 0 || c.closed.Load() {
		return nil
	}

	incoming := codec.DecodeAll(envs, c.selfID, c.local.Private)
	if _, newest := bounds(envs); newest.After(c.cursor) {
		c.cursor = newest
	}

	merged, changed := mergeIncoming(c.window, incoming)
	if !changed {
		return nil
	}
	c.window = merged
	c.publishLocked()

	if hasUnreadFromPeer(incoming) {
		if err := c.markReadLocked(ctx); err != nil {
			log.Printf("conversation mark read failed peer=%s: %v", c.peerID, err)
		}
	}
	return nil
}

// RefreshStatuses re-reads the delivery status of self-authored messages.
func (c *Conversation) RefreshStatuses(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "conversation.RefreshStatuses", c.PeerID())
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return nil
	}

	ids := selfAuthoredIDs(c.window)
	if len(ids) == 0 {
		return nil
	}
	rows, err := c.deps.Messages.ListStatuses(ctx, ids)
	if err != nil {
		return fmt.Errorf("%w: statuses: %v", ErrRemoteRead, err)
	}
	if c.closed.Load() {
		return nil
	}
	if window, changed := applyStatuses(c.window, rows); changed {
		c.window = window
		c.publishLocked()
	}
	return nil
}

// MarkPeerMessagesRead marks everything the peer sent to self as read, both
// remotely and in the window.
func (c *Conversation) MarkPeerMessagesRead(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "conversation.MarkPeerMessagesRead", c.PeerID())
	defer func() { endSpan(span, err) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	return c.markReadLocked(ctx)
}

func (c *Conversation) markReadLocked(ctx context.Context) error {
	affected, err := c.deps.Messages.MarkRead(ctx, c.peerID, c.selfID)
	if err != nil {
		return fmt.Errorf("%w: mark read: %v", ErrRemoteWrite, err)
	}
	if affected > 0 {
		c.publishChange(ctx, models.ChangeEvent{Op: models.OpUpdate, SenderID: c.peerID, ReceiverID: c.selfID})
	}
	if window, changed := markIncomingRead(c.window); changed {
		c.window = window
		c.publishLocked()
	}
	return nil
}

// ClearSendError dismisses the last send failure.
func (c *Conversation) ClearSendError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr == nil {
		return
	}
	c.sendErr = nil
	c.publishLocked()
}

// Dispose stops delivery and closes every stream. Work already in flight
// finishes without touching the window.
func (c *Conversation) Dispose() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.cancel()

	c.mu.Lock()
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	handle.Stop()
	c.states.close()
	c.profiles.close()
}

// readyLocked gates background mutations.
func (c *Conversation) readyLocked() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.phase != PhaseReady {
		return ErrNotReady
	}
	return nil
}

func (c *Conversation) failLocked(err error) {
	c.phase = PhaseFailed
	c.loadErr = err
	c.publishLocked()
}

func (c *Conversation) publishLocked() {
	if c.closed.Load() {
		return
	}
	c.states.publish(State{
		Phase:        c.phase,
		PeerID:       c.peerID,
		Messages:     slices.Clone(c.window),
		HasOlder:     c.hasOlder,
		OldestLoaded: c.oldest,
		LoadingOlder: c.loadingOlder.Load(),
		Err:          c.loadErr,
		SendErr:      c.sendErr,
	})
}

// publishChange announces a write to other subscribers. Failures are logged.
func (c *Conversation) publishChange(ctx context.Context, ev models.ChangeEvent) {
	if c.deps.Publisher == nil {
		return
	}
	if err := c.deps.Publisher.Publish(ctx, rabbitmq.RoutingKey(ev.Op), ev); err != nil {
		log.Printf("conversation change publish failed op=%s id=%d: %v", ev.Op, ev.MessageID, err)
	}
}

func startSpan(ctx context.Context, name, peerID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("chat.peer_id", peerID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
