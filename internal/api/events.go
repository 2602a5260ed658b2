package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatdesk/internal/chat"
)

const (
	subscriberBuffer  = 64
	keepAliveInterval = 15 * time.Second
)

// streamEvent is one server-sent event.
type streamEvent struct {
	Name string
	Data []byte
}

type messagePayload struct {
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type statePayload struct {
	Busy   bool   `json:"busy"`
	Status string `json:"status,omitempty"`
}

// Broadcaster is a dispatch.View that fans view updates out to every
// subscribed event stream. Slow subscribers lose events rather than stall
// the controller.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan streamEvent]struct{}
	state  statePayload
	closed bool
}

// NewBroadcaster creates a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan streamEvent]struct{})}
}

// AppendMessage publishes a "message" event.
func (b *Broadcaster) AppendMessage(m chat.Message) {
	b.publish("message", messagePayload{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
}

// ShowStatus records the status line and publishes a "status" event.
func (b *Broadcaster) ShowStatus(text string) {
	b.mu.Lock()
	b.state.Status = text
	b.mu.Unlock()
	b.publish("status", map[string]string{"text": text})
}

// SetBusy records the busy flag and publishes a "busy" event.
func (b *Broadcaster) SetBusy(busy bool) {
	b.mu.Lock()
	b.state.Busy = busy
	b.mu.Unlock()
	b.publish("busy", map[string]bool{"busy": busy})
}

// State returns the last busy flag and status line.
func (b *Broadcaster) State() (busy bool, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Busy, b.state.Status
}

func (b *Broadcaster) publish(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ev := streamEvent{Name: name, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new stream. The channel is closed by the returned
// cancel func or by Close.
func (b *Broadcaster) Subscribe() (<-chan streamEvent, func()) {
	ch := make(chan streamEvent, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}

// handleEvents streams the chat's view updates as server-sent events. The
// first event is the current state so late subscribers know whether a
// request is in flight.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "chatID")
	if _, err := s.deps.Store.GetChat(id); err != nil {
		storeError(w, "chat", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	b := s.stream(id)
	events, cancel := b.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	busy, status := b.State()
	if data, err := json.Marshal(statePayload{Busy: busy, Status: status}); err == nil {
		writeEvent(w, streamEvent{Name: "state", Data: data})
	}
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev streamEvent) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
}
