// Package delivery drives conversation freshness from two independent
// sources: a push subscription on message changes and a polling loop.
package delivery

import (
	"context"
	"log"
	"sync"
	"time"

	"roulette-chat/internal/models"
	"roulette-chat/internal/observability"
)

// Reconciler is the conversation side fed by the adapter. Implementations
// serialize these calls and make them safe to repeat.
type Reconciler interface {
	PollForNewMessages(ctx context.Context) error
	RefreshStatuses(ctx context.Context) error
	LoadFirstPage(ctx context.Context) error
}

// Subscription is a live stream of change events.
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Close() error
}

// Feed opens push subscriptions on the messages table.
type Feed interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// Options configures an Adapter.
type Options struct {
	PollInterval time.Duration
	PushDelay    time.Duration
	// OpTimeout bounds each triggered reconciliation.
	OpTimeout time.Duration
}

// Adapter runs the push and poll mechanisms for one conversation.
type Adapter struct {
	feed   Feed
	target Reconciler
	selfID string
	peerID string
	opts   Options
}

// NewAdapter builds an Adapter. feed may be nil, in which case only polling runs.
func NewAdapter(feed Feed, target Reconciler, selfID, peerID string, opts Options) *Adapter {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	return &Adapter{feed: feed, target: target, selfID: selfID, peerID: peerID, opts: opts}
}

// Handle owns the running mechanisms. Stop must be called on teardown.
type Handle struct {
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu  sync.Mutex
	sub Subscription
}

// Start launches both mechanisms under a scope derived from ctx.
func (a *Adapter) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel}

	if a.feed != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			a.runPush(ctx, h)
		}()
	} else {
		log.Printf("delivery push disabled peer=%s, polling only", a.peerID)
	}

	if a.opts.PollInterval > 0 {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			a.runPoll(ctx)
		}()
	}
	return h
}

// Stop cancels the poll timer and closes the push subscription, then waits
// for both loops to exit. Each is torn down regardless of the other.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.cancel()
		h.mu.Lock()
		sub := h.sub
		h.sub = nil
		h.mu.Unlock()
		if sub != nil {
			if err := sub.Close(); err != nil {
				log.Printf("delivery unsubscribe failed: %v", err)
			}
		}
		h.wg.Wait()
	})
}

func (h *Handle) setSubscription(ctx context.Context, sub Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	h.sub = sub
	return true
}

func (a *Adapter) runPush(ctx context.Context, h *Handle) {
	sub, err := a.feed.Subscribe(ctx)
	if err != nil {
		log.Printf("delivery push subscribe failed peer=%s, polling only: %v", a.peerID, err)
		return
	}
	if !h.setSubscription(ctx, sub) {
		_ = sub.Close()
		return
	}

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				log.Printf("delivery push feed closed peer=%s", a.peerID)
				return
			}
			if ev.Op != models.OpResync && !ev.Involves(a.selfID, a.peerID) {
				continue
			}
			if !sleep(ctx, a.opts.PushDelay) {
				return
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, ev models.ChangeEvent) {
	opCtx, cancel := a.opContext(ctx)
	defer cancel()

	var err error
	switch ev.Op {
	case models.OpDelete:
		observability.IncDeliveryTrigger("push", "reload")
		err = a.target.LoadFirstPage(opCtx)
	case models.OpUpdate:
		// updates carry status changes, which a poll alone does not pick up
		observability.IncDeliveryTrigger("push", "poll")
		if err = a.target.PollForNewMessages(opCtx); err == nil {
			err = a.target.RefreshStatuses(opCtx)
		}
	default:
		observability.IncDeliveryTrigger("push", "poll")
		err = a.target.PollForNewMessages(opCtx)
	}
	if err != nil {
		log.Printf("delivery push reconcile failed peer=%s op=%s: %v", a.peerID, ev.Op, err)
	}
}

// runPoll alternates between fetching new messages and refreshing statuses.
func (a *Adapter) runPoll(ctx context.Context) {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	pollNext := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		opCtx, cancel := a.opContext(ctx)
		var err error
		if pollNext {
			observability.IncDeliveryTrigger("poll", "poll")
			err = a.target.PollForNewMessages(opCtx)
		} else {
			observability.IncDeliveryTrigger("poll", "status")
			err = a.target.RefreshStatuses(opCtx)
		}
		cancel()
		if err != nil {
			log.Printf("delivery poll tick failed peer=%s: %v", a.peerID, err)
		}
		pollNext = !pollNext
	}
}

// opContext detaches triggered work from the scope so that work in flight
// at teardown runs to completion.
func (a *Adapter) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), a.opts.OpTimeout)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
