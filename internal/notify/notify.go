// Package notify models the user-facing notification side channel as a
// one-way message sink. Producers send and forget; rendering toasts is the
// subscriber's concern. Duplicate suppression lives here, not in the
// producers.
package notify

import (
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/driftline/atrium/internal/platform/timeouts"
)

// Kind classifies a notification for presentation.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
)

// Notification is one user-facing message.
type Notification struct {
	Kind    Kind
	Title   string
	Message string
}

func (n Notification) key() string {
	return string(n.Kind) + "\x00" + n.Title + "\x00" + n.Message
}

// Sink accepts notifications fire-and-forget.
type Sink interface {
	Notify(Notification)
}

// Func adapts a function to the Sink interface.
type Func func(Notification)

// Notify implements Sink.
func (f Func) Notify(n Notification) {
	if f != nil {
		f(n)
	}
}

// Discard is a Sink that drops every notification.
var Discard Sink = Func(func(Notification) {})

// Hub fans notifications out to subscribers on a worker pool, suppressing
// identical messages delivered within the debounce window. Rapid re-renders
// and double-invocation produce one toast, not two.
type Hub struct {
	mu          sync.Mutex
	subscribers map[int]func(Notification)
	nextID      int
	lastSent    map[string]time.Time
	window      time.Duration
	clock       func() time.Time
	pool        *pond.WorkerPool
	closed      bool
}

// NewHub creates a hub with the default debounce window.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[int]func(Notification)),
		lastSent:    make(map[string]time.Time),
		window:      timeouts.NotifyDebounce,
		clock:       time.Now,
		pool:        pond.New(4, 64),
	}
}

// Subscription identifies one hub subscriber.
type Subscription struct {
	hub *Hub
	id  int
}

// Subscribe registers a callback for every delivered notification. The
// callback runs on the hub's worker pool.
func (h *Hub) Subscribe(callback func(Notification)) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subscribers[id] = callback
	return &Subscription{hub: h, id: id}
}

// Unsubscribe removes the subscription.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.subscribers, s.id)
}

// Notify implements Sink. Identical notifications within the debounce window
// are dropped.
func (h *Hub) Notify(n Notification) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Kind == "" || n.Title == "" {
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	now := h.clock()
	key := n.key()
	if last, ok := h.lastSent[key]; ok && now.Sub(last) < h.window {
		h.mu.Unlock()
		return
	}
	h.lastSent[key] = now

	callbacks := make([]func(Notification), 0, len(h.subscribers))
	for _, cb := range h.subscribers {
		callbacks = append(callbacks, cb)
	}
	h.mu.Unlock()

	for _, cb := range callbacks {
		cb := cb
		h.pool.Submit(func() { cb(n) })
	}
}

// Close stops delivery and waits for in-flight callbacks to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	h.pool.StopAndWait()
}
