package signaling

import (
	"sync"
)

// Handler processes one incoming message.
type Handler func(msg *Message)

// Channel is the duplex event channel to the relay.
//
// Send is fire-and-forget. On registers a handler and returns the
// Subscription that removes it again; every On must be paired with an
// Unsubscribe when its owner is torn down, otherwise a stale handler keeps
// acting on a session that no longer exists.
type Channel interface {
	Send(event string, payload any) error
	On(event string, h Handler) *Subscription
	Done() <-chan struct{}
	Err() error
}

// Subscription is a registered handler. Unsubscribe is idempotent.
type Subscription struct {
	router *Router
	event  string
	id     uint64
	once   sync.Once
}

// Unsubscribe removes the handler from its router.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.router.off(s.event, s.id)
	})
}

// Event returns the event name the subscription listens to.
func (s *Subscription) Event() string {
	return s.event
}

type entry struct {
	id uint64
	h  Handler
}

// Router is a handler table keyed by event name.
type Router struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry
}

// NewRouter creates an empty handler table.
func NewRouter() *Router {
	return &Router{handlers: make(map[string][]entry)}
}

// On registers h for event.
func (r *Router) On(event string, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.handlers[event] = append(r.handlers[event], entry{id: r.nextID, h: h})
	return &Subscription{router: r, event: event, id: r.nextID}
}

func (r *Router) off(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[event]
	for i, e := range list {
		if e.id != id {
			continue
		}
		// Copy so a Dispatch iterating the old slice is unaffected.
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.handlers, event)
		} else {
			r.handlers[event] = next
		}
		return
	}
}

// Dispatch invokes every handler registered for msg.Event and reports
// whether any handler was found.
func (r *Router) Dispatch(msg *Message) bool {
	r.mu.RLock()
	list := r.handlers[msg.Event]
	r.mu.RUnlock()

	for _, e := range list {
		e.h(msg)
	}
	return len(list) > 0
}

// Handlers returns the number of handlers registered for event.
func (r *Router) Handlers(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

// Total returns the number of registered handlers across all events.
func (r *Router) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, list := range r.handlers {
		n += len(list)
	}
	return n
}
