// Package realtime provides push feeds of message table changes.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"

	"roulette-chat/internal/models"
)

// subscription is the delivery.Subscription shared by all feeds. The pump
// goroutine owns events and closes it when the source ends.
type subscription struct {
	events  chan models.ChangeEvent
	done    chan struct{}
	once    sync.Once
	closeFn func() error
	err     error
}

func newSubscription(closeFn func() error) *subscription {
	return &subscription{
		events:  make(chan models.ChangeEvent, 16),
		done:    make(chan struct{}),
		closeFn: closeFn,
	}
}

func (s *subscription) Events() <-chan models.ChangeEvent { return s.events }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			s.err = s.closeFn()
		}
	})
	return s.err
}

// emit reports false once the subscription is closed.
func (s *subscription) emit(ev models.ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func decodeEvent(payload []byte) (models.ChangeEvent, error) {
	var ev models.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	switch ev.Op {
	case models.OpInsert, models.OpUpdate, models.OpDelete, models.OpResync:
		return ev, nil
	default:
		return models.ChangeEvent{}, fmt.Errorf("decode change event: unknown op %q", ev.Op)
	}
}
