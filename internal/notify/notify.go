// Package notify delivers trade lifecycle events to per-user callback
// URLs. Deliveries are best-effort and asynchronous: they happen only
// after the ledger has committed, and a failed delivery never unwinds a
// settlement.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/metrics"
)

var ErrSubscriptionNotFound = errors.New("notify: subscription not found")

// Lifecycle events emitted by the settlement core.
const (
	EventEscrowCreated   = "escrow.created"
	EventEscrowAccepted  = "escrow.accepted"
	EventEscrowFunded    = "escrow.funded"
	EventEscrowActive    = "escrow.active"
	EventEscrowDelivered = "escrow.delivered"
	EventEscrowCompleted = "escrow.completed"
	EventEscrowCancelled = "escrow.cancelled"
	EventEscrowDisputed  = "escrow.disputed"
	EventEscrowResolved  = "escrow.resolved"
)

// maxConsecutiveFailures disables a subscription that keeps failing so a
// dead endpoint stops consuming delivery attempts.
const maxConsecutiveFailures = 10

// Message is the JSON body POSTed to a subscriber.
type Message struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is one user's callback registration.
type Subscription struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"` // empty = all events
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"-"`
}

func (s *Subscription) wants(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Store persists subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends signed event messages to a user's subscriptions.
type Dispatcher struct {
	store   Store
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given subscription store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Notify dispatches an event to every active matching subscription of
// userID. It returns immediately; deliveries run in the background.
// Satisfies the settlement core's notifier hook.
func (d *Dispatcher) Notify(userID, event string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)

	subs, err := d.store.ListByUser(ctx, userID)
	if err != nil {
		cancel()
		d.logger.Warn("notify subscription lookup failed", "user", userID, "event", event, "error", err)
		return
	}

	msg := &Message{
		ID:        idgen.WithPrefix("evt_"),
		Event:     event,
		Timestamp: time.Now(),
		Data:      payload,
	}

	var matched []*Subscription
	for _, sub := range subs {
		if sub.Active && sub.wants(event) {
			matched = append(matched, sub)
		}
	}
	if len(matched) == 0 {
		cancel()
		return
	}

	var pending sync.WaitGroup
	pending.Add(len(matched))
	d.wg.Add(len(matched))
	for _, sub := range matched {
		go func(sub *Subscription) {
			defer d.wg.Done()
			defer pending.Done()
			d.send(ctx, sub, msg)
		}(sub)
	}
	go func() {
		pending.Wait()
		cancel()
	}()
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown
// and in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, msg *Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.recordFailure(ctx, sub, "marshal failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "bad subscription URL")
		return
	}

	ts := strconv.FormatInt(msg.Timestamp.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Settlement-Event", msg.Event)
	req.Header.Set("X-Settlement-Timestamp", ts)
	req.Header.Set("X-Settlement-Signature", Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
		return
	}
	d.recordFailure(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
}

// Sign computes the delivery signature: HMAC-SHA256 over
// "<timestamp>.<payload>", hex encoded. Subscribers verify with the
// secret issued at registration.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.NotifyDeliveriesTotal.WithLabelValues("ok").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("notify subscription update failed", "subscription", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	metrics.NotifyDeliveriesTotal.WithLabelValues("error").Inc()
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
		d.logger.Warn("notify subscription disabled",
			"subscription", sub.ID, "user", sub.UserID, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("notify subscription update failed", "subscription", sub.ID, "error", err)
	}
}
