package watch

import (
	"sync"
	"sync/atomic"

	"github.com/hwbridge/broker/pkg/event"
)

// StreamAll is the only event stream the broker currently exposes; every
// device event is published to it. Subscriptions are tracked per stream
// so that a future stream (e.g. per-device-kind) can be added without
// changing the session bookkeeping.
const StreamAll = "all"

// DefaultQueueSize bounds how many undelivered notifications a session may
// accumulate before the oldest are dropped (spec §4.8).
const DefaultQueueSize = 1024

// Deliver is called with each event a session should receive. It must not
// block — the registry already serializes delivery per session via its
// own goroutine, but Deliver itself runs on that goroutine and a slow
// implementation delays only its own session, never others.
type Deliver func(event.Event)

type sessionEntry struct {
	queue   chan event.Event
	streams map[string]struct{}
	dropped atomic.Uint64
	mu      sync.Mutex // guards streams
}

// Registry tracks which sessions subscribe to which event streams and
// fans out event.Fabric publications to them with per-session
// backpressure: once a session's queue exceeds DefaultQueueSize the
// oldest queued notification is dropped and a counter incremented: the
// session itself is never disconnected for being slow.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
	unsub    func()
}

// New creates a Registry and subscribes it to fabric.
func New(fabric *event.Fabric) *Registry {
	r := &Registry{sessions: make(map[string]*sessionEntry)}
	r.unsub = fabric.Subscribe(r.onEvent)
	return r
}

// Close stops receiving from the fabric and releases all sessions.
func (r *Registry) Close() {
	if r.unsub != nil {
		r.unsub()
	}
	r.mu.Lock()
	for id, entry := range r.sessions {
		delete(r.sessions, id)
		close(entry.queue)
	}
	r.mu.Unlock()
}

// Register adds a session with an empty subscription set and starts its
// delivery goroutine, which calls deliver for every event published to a
// stream the session later subscribes to.
func (r *Registry) Register(sessionID string, deliver Deliver) {
	entry := &sessionEntry{
		queue:   make(chan event.Event, DefaultQueueSize),
		streams: make(map[string]struct{}),
	}

	r.mu.Lock()
	r.sessions[sessionID] = entry
	r.mu.Unlock()

	go func() {
		for ev := range entry.queue {
			deliver(ev)
		}
	}()
}

// Unregister removes a session and stops its delivery goroutine.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	entry, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		close(entry.queue)
	}
}

// Subscribe adds sessionID to stream.
func (r *Registry) Subscribe(sessionID, stream string) {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.streams[stream] = struct{}{}
	entry.mu.Unlock()
}

// Unsubscribe removes sessionID from stream.
func (r *Registry) Unsubscribe(sessionID, stream string) {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	delete(entry.streams, stream)
	entry.mu.Unlock()
}

// Dropped returns how many notifications have been dropped for sessionID
// due to queue overflow.
func (r *Registry) Dropped(sessionID string) uint64 {
	r.mu.RLock()
	entry, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return entry.dropped.Load()
}

func (r *Registry) onEvent(ev event.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.sessions {
		entry.mu.Lock()
		_, subscribed := entry.streams[StreamAll]
		entry.mu.Unlock()
		if !subscribed {
			continue
		}
		enqueueDropOldest(entry, ev)
	}
}

func enqueueDropOldest(entry *sessionEntry, ev event.Event) {
	select {
	case entry.queue <- ev:
		return
	default:
	}
	select {
	case <-entry.queue:
		entry.dropped.Add(1)
	default:
	}
	select {
	case entry.queue <- ev:
	default:
	}
}
