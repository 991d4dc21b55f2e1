package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tradewheel/autonomy/internal/decision"
)

// collectStream subscribes through h, runs during once the client is
// registered, then hangs up and returns everything the handler wrote.
func collectStream(t *testing.T, h http.Handler, s *Stream, lastEventID string, during func()) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Clients() == 0 {
		t.Fatal("stream client never registered")
	}
	if during != nil {
		during()
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit on disconnect")
	}
	return rec.Body.String()
}

func TestStreamReplayAfterReconnect(t *testing.T) {
	s := NewStream()
	s.Publish("idea", map[string]string{"id": "alpha"})
	s.Publish("idea", map[string]string{"id": "bravo"})
	s.Publish("halted", map[string]string{"reason": "kill switch engaged"})

	body := collectStream(t, s, s, "1", nil)
	if strings.Contains(body, "alpha") {
		t.Error("event 1 replayed despite Last-Event-ID 1")
	}
	if !strings.Contains(body, "bravo") {
		t.Errorf("event 2 missing from replay: %q", body)
	}
	if !strings.Contains(body, "event: halted\nid: 3\n") {
		t.Errorf("event 3 missing or malformed: %q", body)
	}
}

func TestStreamLiveDelivery(t *testing.T) {
	s := NewStream()

	var clientsSeen int
	body := collectStream(t, s, s, "", func() {
		clientsSeen = s.Clients()
		s.Publish("resumed", map[string]string{"by": "ops"})
	})
	if clientsSeen != 1 {
		t.Errorf("clients while connected = %d, want 1", clientsSeen)
	}
	if !strings.Contains(body, "event: resumed") {
		t.Errorf("live event missing: %q", body)
	}
	if s.Clients() != 0 {
		t.Error("client should deregister on disconnect")
	}
}

func TestStreamBacklogBounded(t *testing.T) {
	s := NewStream()
	for i := 0; i < streamBacklog+10; i++ {
		s.Publish("idea", i)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.backlog) != streamBacklog {
		t.Fatalf("backlog = %d events, want %d", len(s.backlog), streamBacklog)
	}
	if s.backlog[0].ID != "11" {
		t.Errorf("oldest retained id = %s, want 11", s.backlog[0].ID)
	}
}

func TestEngineEventsReachStream(t *testing.T) {
	ts := newTestServer(t)
	ts.pipe.set("EURUSD", "H1", scriptedEvaluation(80, decision.ActionOpenOrScale, 0.011))
	ts.do(t, http.MethodPost, "/v1/evaluate", map[string]string{"symbol": "EURUSD", "timeframe": "H1"})
	ts.do(t, http.MethodPost, "/v1/kill-switch", map[string]string{"by": "ops"})

	// A fresh subscriber replays the backlog, so both events arrive even
	// though they were published before the connect.
	body := collectStream(t, ts.api.Router(), ts.stream, "", nil)
	if !strings.Contains(body, "event: idea") || !strings.Contains(body, string(decision.StatusAutoExecuted)) {
		t.Errorf("idea event missing: %q", body)
	}
	if !strings.Contains(body, "event: halted") {
		t.Errorf("halted event missing: %q", body)
	}
}
