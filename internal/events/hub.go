// Package events is an in-process broadcast hub for stream notifications
// that outside parties (API clients, alerting) may react to.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/fanout/internal/media"
)

// Event is a notification published on a Hub.
type Event interface {
	Name() string
}

// PushStopped is published when a push session ends on its own. Err is
// the reason, or nil for a clean end.
type PushStopped struct {
	Stream media.StreamID
	SSRC   string
	Err    error
	At     time.Time
}

func (PushStopped) Name() string { return "push_stopped" }

// RecordChanged is published when a recorder is started or stopped.
type RecordChanged struct {
	Stream    media.StreamID
	Kind      string
	Recording bool
	At        time.Time
}

func (RecordChanged) Name() string { return "record_changed" }

// Hub fans events out to subscribers. Slow subscribers lose events
// rather than blocking publishers.
type Hub struct {
	log  *slog.Logger
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewHub creates an empty hub. If log is nil, slog.Default() is used.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log.With("component", "events"),
		subs: make(map[int]chan Event),
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that ends the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber without blocking.
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.log.Debug("subscriber lagging, event dropped", "subscriber", id, "event", e.Name())
		}
	}
}
