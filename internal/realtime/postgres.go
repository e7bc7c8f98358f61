package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"roulette-chat/internal/db"
	"roulette-chat/internal/delivery"
	"roulette-chat/internal/models"
)

const listenerPingInterval = 90 * time.Second

// PostgresFeed streams changes published by the messages trigger over
// LISTEN/NOTIFY.
type PostgresFeed struct {
	dsn string
}

// NewPostgresFeed builds a feed listening on the database at dsn.
func NewPostgresFeed(dsn string) *PostgresFeed {
	return &PostgresFeed{dsn: dsn}
}

// Subscribe opens a dedicated listener connection.
func (f *PostgresFeed) Subscribe(ctx context.Context) (delivery.Subscription, error) {
	listener := pq.NewListener(f.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("realtime postgres listener event=%d: %v", ev, err)
		}
	})
	if err := listener.Listen(db.NotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", db.NotifyChannel, err)
	}

	sub := newSubscription(listener.Close)
	go f.pump(ctx, listener, sub)
	log.Printf("realtime postgres subscribed channel=%s", db.NotifyChannel)
	return sub, nil
}

func (f *PostgresFeed) pump(ctx context.Context, listener *pq.Listener, sub *subscription) {
	defer close(sub.events)
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				log.Printf("realtime postgres ping failed: %v", err)
			}
		case n, ok := <-listener.Notify:
			if !ok {
				return
			}
			ev, err := fromNotification(n)
			if err != nil {
				log.Printf("realtime postgres bad payload: %v", err)
				continue
			}
			if !sub.emit(ev) {
				return
			}
		}
	}
}

// fromNotification maps a notification to an event. pq sends nil after a
// reconnect, when notifications may have been lost.
func fromNotification(n *pq.Notification) (models.ChangeEvent, error) {
	if n == nil {
		return models.ChangeEvent{Op: models.OpResync}, nil
	}
	return decodeEvent([]byte(n.Extra))
}
