// Package phase publishes per-session turn phase notifications to
// interested listeners, typically a UI showing "thinking" indicators.
//
// Delivery is advisory and lossy: a slow or disconnected subscriber never
// blocks or fails the turn that published the event. Idle sessions are torn
// down after a TTL.
package phase

import (
	"sync"
	"time"
)

// Phase names one milestone in a turn's lifecycle.
type Phase string

const (
	Analyzing   Phase = "analyzing"
	Recalling   Phase = "recalling"
	Formulating Phase = "formulating"
	Replying    Phase = "replying"
	End         Phase = "end"
)

// Event is one published phase notification.
type Event struct {
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	At        time.Time `json:"at"`
}

// subscriberBuffer is the per-subscriber channel capacity. Events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 16

// DefaultTTL is how long an idle session's channel set is retained before
// the janitor tears it down.
const DefaultTTL = 15 * time.Minute

type session struct {
	subs       map[int]chan Event
	nextSubID  int
	lastActive time.Time
}

// Hub is the per-session phase event publisher. Safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	closed   bool
	stop     chan struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithTTL overrides the idle session TTL (default [DefaultTTL]).
func WithTTL(d time.Duration) Option {
	return func(h *Hub) { h.ttl = d }
}

// NewHub creates a Hub and starts its idle session janitor. Call
// [Hub.Close] to release it.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		sessions: make(map[string]*session),
		ttl:      DefaultTTL,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

// Publish sends a phase event to all current subscribers of sessionID.
// Publishing to a session with no subscribers is a no-op. Never blocks:
// subscribers whose buffers are full miss the event.
func (h *Hub) Publish(sessionID string, p Phase) {
	ev := Event{SessionID: sessionID, Phase: p, At: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	s.lastActive = time.Now()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener for sessionID and returns its event channel
// plus an unsubscribe function. The channel is closed on unsubscribe, on
// idle teardown, and on [Hub.Close].
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	s, ok := h.sessions[sessionID]
	if !ok {
		s = &session{subs: make(map[int]chan Event)}
		h.sessions[sessionID] = s
	}
	s.lastActive = time.Now()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		// The janitor may have reaped this generation and a later subscriber
		// recreated the session under the same ID; only touch our own.
		if cur, ok := h.sessions[sessionID]; !ok || cur != s {
			return
		}
		if sub, ok := s.subs[id]; ok && sub == ch {
			delete(s.subs, id)
			close(sub)
		}
		if len(s.subs) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	return ch, unsubscribe
}

// Close tears down all sessions and stops the janitor. Subsequent publishes
// are no-ops and subsequent subscriptions receive a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.stop)
	for id, s := range h.sessions {
		for _, ch := range s.subs {
			close(ch)
		}
		delete(h.sessions, id)
	}
}

// SessionCount returns the number of sessions with at least one subscriber.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) janitor() {
	interval := h.ttl / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			h.mu.Lock()
			for id, s := range h.sessions {
				if now.Sub(s.lastActive) > h.ttl {
					for _, ch := range s.subs {
						close(ch)
					}
					delete(h.sessions, id)
				}
			}
			h.mu.Unlock()
		}
	}
}
