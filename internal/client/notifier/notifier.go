// Package notifier fans out engine events to UI observers: entity changes,
// scheduler state and push outcomes.
//
// Events are queued in order and delivered by Drain, one drain at a time,
// so every subscriber sees them in queue order. Callers that merge state
// under their own lock enqueue before unlocking and drain after, which
// keeps delivery order equal to merge order. Handlers may publish or
// subscribe; what they queue is delivered after they return.
package notifier

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/petsync/internal/client/cache"
	"github.com/dmitrijs2005/petsync/internal/client/models"
	"github.com/dmitrijs2005/petsync/internal/client/scheduler"
)

// Change is the new visible state of one entity. Record is nil when the
// entity no longer exists. ChangedPaths are JSON pointers into the fields.
type Change struct {
	Entity       models.EntityKey
	Record       *models.VersionedRecord
	ChangedPaths []string
}

type StateEvent struct {
	State scheduler.State
	Err   error
}

// OutcomeEvent reports the terminal verdict on a pushed mutation.
type OutcomeEvent struct {
	MutationID string
	Entity     models.EntityKey
	Status     models.PushStatus
	Reason     string
}

type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery. Calling it again has no effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

type handler struct {
	id       uint64
	removed  atomic.Bool
	entity   *models.EntityKey
	onChange func(Change)
	onState  func(StateEvent)
	onResult func(OutcomeEvent)
}

type Notifier struct {
	mu       sync.Mutex
	drained  *sync.Cond
	nextID   uint64
	handlers []*handler

	queue     []func()
	queued    uint64
	delivered uint64
	draining  bool
	// inHandler is set while the draining goroutine runs a handler.
	inHandler bool
}

func New() *Notifier {
	n := &Notifier{}
	n.drained = sync.NewCond(&n.mu)
	return n
}

// OnChange observes one entity.
func (n *Notifier) OnChange(kind, id string, fn func(Change)) *Subscription {
	key := models.EntityKey{Kind: kind, ID: id}
	return n.add(&handler{entity: &key, onChange: fn})
}

// OnAny observes every entity.
func (n *Notifier) OnAny(fn func(Change)) *Subscription {
	return n.add(&handler{onChange: fn})
}

func (n *Notifier) OnState(fn func(StateEvent)) *Subscription {
	return n.add(&handler{onState: fn})
}

func (n *Notifier) OnOutcome(fn func(OutcomeEvent)) *Subscription {
	return n.add(&handler{onResult: fn})
}

func (n *Notifier) add(h *handler) *Subscription {
	n.mu.Lock()
	n.nextID++
	h.id = n.nextID
	n.handlers = append(n.handlers, h)
	n.mu.Unlock()

	return &Subscription{cancel: func() { n.remove(h.id) }}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = slices.DeleteFunc(n.handlers, func(h *handler) bool {
		if h.id != id {
			return false
		}
		h.removed.Store(true)
		return true
	})
}

// EnqueueChanges queues cache changes for delivery. Every subscriber gets
// its own copy of the record.
func (n *Notifier) EnqueueChanges(changes []cache.Change) {
	for _, c := range changes {
		ch := Change{Entity: c.Entity, Record: c.Record, ChangedPaths: c.ChangedPaths}
		n.enqueue(func(hs []*handler) {
			for _, h := range hs {
				if h.removed.Load() || h.onChange == nil || h.entity != nil && *h.entity != ch.Entity {
					continue
				}
				h.onChange(Change{
					Entity:       ch.Entity,
					Record:       ch.Record.Clone(),
					ChangedPaths: slices.Clone(ch.ChangedPaths),
				})
			}
		})
	}
}

func (n *Notifier) EnqueueOutcomes(evs []OutcomeEvent) {
	for _, ev := range evs {
		n.enqueue(func(hs []*handler) {
			for _, h := range hs {
				if h.onResult != nil && !h.removed.Load() {
					h.onResult(ev)
				}
			}
		})
	}
}

func (n *Notifier) EnqueueState(ev StateEvent) {
	n.enqueue(func(hs []*handler) {
		for _, h := range hs {
			if h.onState != nil && !h.removed.Load() {
				h.onState(ev)
			}
		}
	})
}

// PublishChanges queues changes and drains.
func (n *Notifier) PublishChanges(changes []cache.Change) {
	n.EnqueueChanges(changes)
	n.Drain()
}

func (n *Notifier) PublishOutcomes(evs []OutcomeEvent) {
	n.EnqueueOutcomes(evs)
	n.Drain()
}

func (n *Notifier) PublishState(ev StateEvent) {
	n.EnqueueState(ev)
	n.Drain()
}

// enqueue adds deliver to the queue. Each delivery sees the handlers
// registered when it starts, minus those unsubscribed before their turn.
func (n *Notifier) enqueue(deliver func([]*handler)) {
	n.mu.Lock()
	n.queue = append(n.queue, func() {
		n.mu.Lock()
		hs := slices.Clone(n.handlers)
		n.mu.Unlock()
		deliver(hs)
	})
	n.queued++
	n.mu.Unlock()
}

// Drain returns once everything queued before the call is delivered,
// waiting for another goroutine's drain when one is running. Called while
// a handler runs, it returns at once instead: the running drain delivers
// the rest after that handler.
func (n *Notifier) Drain() {
	n.mu.Lock()
	defer n.mu.Unlock()

	target := n.queued
	if n.draining {
		if n.inHandler {
			return
		}
		for n.draining && n.delivered < target {
			n.drained.Wait()
		}
		if n.delivered >= target {
			return
		}
	}

	n.draining = true
	defer func() {
		n.draining = false
		n.drained.Broadcast()
	}()
	for len(n.queue) > 0 {
		next := n.queue[0]
		n.queue = n.queue[1:]
		n.inHandler = true
		n.mu.Unlock()
		n.deliver(next)
	}
}

// deliver runs one queued delivery with n.mu released and returns with it
// held, also when a handler panics.
func (n *Notifier) deliver(next func()) {
	defer func() {
		n.mu.Lock()
		n.inHandler = false
		n.delivered++
		n.drained.Broadcast()
	}()
	next()
}
