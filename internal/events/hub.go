// Package events is an in-memory pub/sub for session transitions and sweep
// results. It backs the /events server-sent event stream.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the registry and the sweeper.
const (
	SessionCreated   = "session.created"
	SessionRunning   = "session.running"
	SessionFinished  = "session.finished"
	SessionFailed    = "session.failed"
	WorkspaceEvicted = "workspace.evicted"
	SweepCompleted   = "sweep.completed"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps the most recent ones in a
// fixed-size ring so late clients can catch up.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	recent []Event
	head   int
	count  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		recent: make([]Event, capacity),
		subs:   make(map[int]chan Event),
	}
}

// Publish records an event and delivers it to every subscriber without
// blocking. A nil hub drops the event.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.remember(ev)
	for _, ch := range h.subs {
		// Slow clients miss events rather than stall a build.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full buffer is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.recent[(h.head+i)%len(h.recent)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remember(ev Event) {
	if h.count < len(h.recent) {
		h.recent[(h.head+h.count)%len(h.recent)] = ev
		h.count++
		return
	}
	// Overwrite oldest.
	h.recent[h.head] = ev
	h.head = (h.head + 1) % len(h.recent)
}
