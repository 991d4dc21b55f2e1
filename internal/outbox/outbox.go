package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Dispatch is the intent written before the broker call goes out.
type Dispatch struct {
	IdeaID    string    `json:"idea_id"`
	Symbol    string    `json:"symbol"`
	Direction string    `json:"direction"`
	Volume    float64   `json:"volume"`
	Kind      string    `json:"kind"` // market or pending
	At        time.Time `json:"at"`
}

// Result is the broker's answer, written after the call returns.
type Result struct {
	IdeaID      string    `json:"idea_id"`
	OrderID     string    `json:"order_id,omitempty"`
	FilledPrice float64   `json:"filled_price,omitempty"`
	Status      string    `json:"status"` // filled or failed
	Error       string    `json:"error,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	At          time.Time `json:"at"`
}

type entry struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   time.Time   `json:"at"`
}

// Journal is the execution outbox: dispatch intent is journaled before
// the broker call, the result after. Scanning for a prior dispatch of
// an idea is how double execution is ruled out even across restarts.
type Journal struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	return &Journal{path: path}, nil
}

// RecordDispatch journals intent. Call it before the broker call so a
// crash between the two leaves evidence that an order may exist.
func (j *Journal) RecordDispatch(d Dispatch) error {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	return j.append(entry{Type: "dispatch", Data: d, At: d.At})
}

func (j *Journal) RecordResult(r Result) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	return j.append(entry{Type: "result", Data: r, At: r.At})
}

func (j *Journal) append(e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// HasDispatch reports whether an idea was ever dispatched. Ideas are
// one-shot, so there is no dedupe window; a match at any age blocks a
// second send.
func (j *Journal) HasDispatch(ideaID string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if e.Type != "dispatch" {
			continue
		}
		raw, err := json.Marshal(e.Data)
		if err != nil {
			continue
		}
		var d Dispatch
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		if d.IdeaID == ideaID {
			return true, nil
		}
	}
	return false, scanner.Err()
}
