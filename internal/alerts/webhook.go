// Package alerts pushes halt and resume notifications to an operator
// webhook using the Slack-compatible attachment payload. Delivery is
// best effort and fully asynchronous: a dead webhook never blocks a
// risk transition.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradewheel/autonomy/internal/config"
	"github.com/tradewheel/autonomy/internal/observ"
)

var log = observ.Component("alerts")

const (
	queueSize    = 100
	maxAttempts  = 3
	dedupeWindow = 60 * time.Second
)

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type attachment struct {
	Color  string  `json:"color"`
	Fields []field `json:"fields"`
}

type message struct {
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type pending struct {
	event    string
	text     string
	at       time.Time
	attempts int
	retryAt  time.Time
}

// Webhook satisfies risk.Notifier. Notify enqueues and returns; a
// single worker drains the queue with capped exponential retries.
type Webhook struct {
	cfg    config.Alerts
	client *http.Client
	queue  chan pending
	cancel context.CancelFunc

	mu       sync.Mutex
	lastSent map[string]time.Time

	sent    atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

// Stats are delivery counters for the status surface.
type Stats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
}

func New(cfg config.Alerts) *Webhook {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:      cfg,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		queue:    make(chan pending, queueSize),
		cancel:   cancel,
		lastSent: make(map[string]time.Time),
	}
	go w.worker(ctx)
	return w
}

// Notify queues one event. Never blocks: with the queue full the event
// is dropped and counted, and a repeat of an event still inside the
// dedupe window is skipped.
func (w *Webhook) Notify(_ context.Context, event, msg string) {
	if !w.cfg.Enabled || w.cfg.WebhookURL == "" {
		return
	}
	if w.duplicate(event, msg) {
		return
	}
	now := time.Now()
	select {
	case w.queue <- pending{event: event, text: msg, at: now.UTC(), retryAt: now}:
	default:
		w.dropped.Add(1)
		log.Warn().Str("event", event).Msg("alert queue full, dropping")
	}
}

// Close stops the worker; anything still queued is abandoned.
func (w *Webhook) Close() { w.cancel() }

func (w *Webhook) Stats() Stats {
	return Stats{Sent: w.sent.Load(), Dropped: w.dropped.Load(), Failed: w.failed.Load()}
}

func (w *Webhook) duplicate(event, msg string) bool {
	key := event + "|" + msg
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.lastSent[key]; ok && now.Sub(last) < dedupeWindow {
		return true
	}
	for k, t := range w.lastSent {
		if now.Sub(t) >= dedupeWindow {
			delete(w.lastSent, k)
		}
	}
	w.lastSent[key] = now
	return false
}

func (w *Webhook) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			if wait := time.Until(p.retryAt); wait > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			err := w.post(p)
			if err == nil {
				w.sent.Add(1)
				continue
			}
			p.attempts++
			if p.attempts >= maxAttempts {
				w.failed.Add(1)
				log.Error().Err(err).Str("event", p.event).Msg("alert abandoned after retries")
				continue
			}
			backoff := time.Duration(math.Pow(2, float64(p.attempts))) * time.Second
			p.retryAt = time.Now().Add(backoff + time.Duration(rand.Float64()*float64(backoff)*0.1))
			select {
			case w.queue <- p:
			default:
				w.dropped.Add(1)
			}
		}
	}
}

func (w *Webhook) post(p pending) error {
	payload, err := json.Marshal(w.format(p))
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	resp, err := w.client.Post(w.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) format(p pending) message {
	title := "Autonomous trading resumed"
	color := "good"
	if p.event == "halted" {
		title = "Autonomous trading halted"
		color = "danger"
	}
	return message{
		Text: title,
		Attachments: []attachment{{
			Color: color,
			Fields: []field{
				{Title: "Event", Value: p.event, Short: true},
				{Title: "Time", Value: p.at.Format(time.RFC3339), Short: true},
				{Title: "Detail", Value: p.text},
			},
		}},
	}
}
