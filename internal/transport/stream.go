package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Event is one streamed engine event. IDs are monotonic so clients can
// resume with Last-Event-ID.
type Event struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

const streamBacklog = 64

// Stream fans engine events out to SSE subscribers. Delivery is best
// effort: a client that cannot keep up loses events rather than
// backpressuring the engine. A small backlog covers reconnects.
type Stream struct {
	mu        sync.RWMutex
	clients   map[string]chan Event
	backlog   []Event
	seq       int64
	heartbeat time.Duration
}

func NewStream() *Stream {
	return &Stream{
		clients:   make(map[string]chan Event),
		heartbeat: 10 * time.Second,
	}
}

// Publish broadcasts one event. Never blocks.
func (s *Stream) Publish(event string, payload interface{}) {
	s.mu.Lock()
	s.seq++
	ev := Event{
		ID:   strconv.FormatInt(s.seq, 10),
		Type: event,
		At:   time.Now().UTC(),
		Data: payload,
	}
	s.backlog = append(s.backlog, ev)
	if len(s.backlog) > streamBacklog {
		s.backlog = s.backlog[len(s.backlog)-streamBacklog:]
	}
	for id, ch := range s.clients {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("client", id).Str("event", event).Msg("stream client lagging, dropping event")
		}
	}
	s.mu.Unlock()
}

// Clients reports the number of connected subscribers.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP streams events to one subscriber until it disconnects.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := fmt.Sprintf("client-%d", time.Now().UnixNano())
	ch := make(chan Event, 100)

	lastID := r.Header.Get("Last-Event-ID")
	s.mu.Lock()
	replay := s.replayLocked(lastID)
	s.clients[clientID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		close(ch)
		s.mu.Unlock()
		log.Debug().Str("client", clientID).Msg("stream client disconnected")
	}()
	log.Debug().Str("client", clientID).Int("replay", len(replay)).Msg("stream client connected")

	for _, ev := range replay {
		if err := writeEvent(w, flusher, ev); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if err := writeEvent(w, flusher, ev); err != nil {
				return
			}
		}
	}
}

// replayLocked returns the backlog after lastID, or the whole backlog
// for a fresh subscriber. Caller holds the lock.
func (s *Stream) replayLocked(lastID string) []Event {
	start := 0
	if lastID != "" {
		for i, ev := range s.backlog {
			if ev.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	out := make([]Event, len(s.backlog)-start)
	copy(out, s.backlog[start:])
	return out
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", ev.Type, ev.ID, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
