// Package hub fans committed changes out to the change streams of the same
// user.
package hub

import (
	"context"
	"errors"
	"sync"

	"github.com/dmitrijs2005/petsync/internal/logging"
	"github.com/dmitrijs2005/petsync/internal/server/models"
)

// ErrSlowSubscriber ends a subscription whose buffer overflowed. The client
// is expected to reconnect and pull what it missed.
var ErrSlowSubscriber = errors.New("subscriber too slow")

const DefaultBuffer = 64

type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger logging.Logger
}

func New(buffer int, logger logging.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		subs:   map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		logger: logger.With("module", "hub"),
	}
}

// Subscription receives the events of one user. Events is closed when the
// subscription ends; Err then tells why.
type Subscription struct {
	hub    *Hub
	userID string
	ch     chan models.ChangeEvent

	once sync.Once
	err  error
}

func (h *Hub) Subscribe(userID string) *Subscription {
	s := &Subscription{hub: h, userID: userID, ch: make(chan models.ChangeEvent, h.buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = map[*Subscription]struct{}{}
	}
	h.subs[userID][s] = struct{}{}
	return s
}

// Publish delivers ev to every subscriber of ev.UserID without blocking.
// A subscriber with a full buffer is dropped.
func (h *Hub) Publish(ev models.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[ev.UserID] {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn(context.Background(), "dropping slow subscriber", "user", ev.UserID, "version", ev.Version)
			h.removeLocked(s, ErrSlowSubscriber)
		}
	}
}

// Subscribers returns the number of open subscriptions of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) removeLocked(s *Subscription, err error) {
	s.once.Do(func() {
		s.err = err
		delete(h.subs[s.userID], s)
		if len(h.subs[s.userID]) == 0 {
			delete(h.subs, s.userID)
		}
		close(s.ch)
	})
}

func (s *Subscription) Events() <-chan models.ChangeEvent {
	return s.ch
}

// Err is nil until Events is closed.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Close ends the subscription. Calling it more than once is safe.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s, nil)
}
