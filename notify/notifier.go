// Package notify fans execution events out to operators. Delivery is best
// effort: a slow sink never blocks the execution path, overflow drops the
// event with a warning.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/config"
	"github.com/ANURAG-DVS/Polymarket-Copy-Trading-Platform/models"
)

// EventKind classifies a pipeline event.
type EventKind string

const (
	EventTradeDetected    EventKind = "trade_detected"
	EventTradeExecuted    EventKind = "trade_executed"
	EventTradeSkipped     EventKind = "trade_skipped"
	EventTradeFailed      EventKind = "trade_failed"
	EventTradeDead        EventKind = "trade_dead_lettered"
	EventSpendExhausted   EventKind = "spend_exhausted"
	EventListenerDegraded EventKind = "listener_degraded"
)

// Event is one notification.
type Event struct {
	Kind       EventKind               `json:"kind"`
	EventID    string                  `json:"event_id,omitempty"`
	FollowerID int64                   `json:"follower_id,omitempty"`
	Detail     string                  `json:"detail,omitempty"`
	Result     *models.ExecutionResult `json:"result,omitempty"`
	At         time.Time               `json:"at"`
}

// Notifier dispatches events to the log and, when configured, a webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client

	events chan Event

	mu        sync.Mutex
	delivered int64
	dropped   int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a notifier with a bounded event buffer.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{
		webhookURL: cfg.WebhookURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		events:     make(chan Event, cfg.Buffer),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (n *Notifier) Start(ctx context.Context) {
	n.wg.Add(1)
	go n.dispatchLoop(ctx)
}

// Stop drains nothing further and waits for the loop to exit.
func (n *Notifier) Stop() {
	close(n.stopCh)
	n.wg.Wait()
	log.Printf("[Notifier] Stopped (delivered=%d dropped=%d)", n.Delivered(), n.Dropped())
}

// Publish enqueues an event without blocking. Overflow drops the event.
func (n *Notifier) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case n.events <- event:
	default:
		n.mu.Lock()
		n.dropped++
		dropped := n.dropped
		n.mu.Unlock()
		log.Printf("[Notifier] Warning: event buffer full, dropped %s (%d dropped total)", event.Kind, dropped)
	}
}

// Delivered returns the lifetime delivered count.
func (n *Notifier) Delivered() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered
}

// Dropped returns the lifetime dropped count.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

func (n *Notifier) dispatchLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case event := <-n.events:
			n.deliver(ctx, event)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, event Event) {
	log.Printf("[Notifier] %s event=%s follower=%d %s", event.Kind, event.EventID, event.FollowerID, event.Detail)

	if n.webhookURL != "" {
		n.postWebhook(ctx, event)
	}

	n.mu.Lock()
	n.delivered++
	n.mu.Unlock()
}

func (n *Notifier) postWebhook(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Notifier] Marshal webhook payload: %v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(data))
	if err != nil {
		log.Printf("[Notifier] Build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Printf("[Notifier] Webhook delivery failed: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[Notifier] Webhook returned status %d", resp.StatusCode)
	}
}
