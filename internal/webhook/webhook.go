// Package webhook turns untrusted payment-provider callbacks into at
// most one ledger mutation each.
//
// Pipeline: verify the signature, check the claimed timestamp against
// the acceptance window, dedupe on (provider, external event id), then
// hand the event to the escrow state machine, which serializes per-trade
// work under the escrow lock. The idempotency record is marked processed
// only after the mutation, and re-read before acknowledging; an ack is
// never sent on the strength of "no exception was thrown". A delivery
// that moved money but failed to mark its record is healed on retry:
// the state machine recognizes the event's deterministic fund
// transaction and the record is marked then.
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/logging"
	"github.com/peertrade/settlement/internal/metrics"
)

var (
	ErrBadSignature    = errors.New("webhook: signature verification failed")
	ErrStaleTimestamp  = errors.New("webhook: timestamp outside acceptance window")
	ErrBadPayload      = errors.New("webhook: malformed payload")
	ErrUnknownProvider = errors.New("webhook: unknown provider")
	ErrNotVerified     = errors.New("webhook: processed mark not visible after write")
)

// Event is a verified payment notification.
type Event struct {
	Provider   string
	ExternalID string
	EscrowID   string
	Amount     decimal.Decimal
	Currency   string
	Timestamp  time.Time
}

// Ref is the event reference used for deterministic transaction IDs.
func (e *Event) Ref() string { return e.Provider + ":" + e.ExternalID }

// Record is the idempotency row for one (provider, external event id).
type Record struct {
	Provider    string     `json:"provider"`
	ExternalID  string     `json:"externalId"`
	EscrowID    string     `json:"escrowId"`
	Status      string     `json:"status"` // received, processed
	SignatureOK bool       `json:"signatureOk"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Store persists idempotency records.
type Store interface {
	// Upsert records receipt. Existing rows keep their original status.
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, provider, externalID string) (*Record, error)
	MarkProcessed(ctx context.Context, provider, externalID string) error
}

var ErrRecordNotFound = errors.New("webhook: event record not found")

// Applier applies a confirmed payment to the trade lifecycle.
type Applier interface {
	ConfirmPayment(ctx context.Context, escrowID string, amount decimal.Decimal, currency, eventRef string) (*escrow.Escrow, error)
}

// Outcome tells the HTTP layer how to answer the provider.
type Outcome struct {
	Status string // processed, already_processed, underpaid_credited
	Replay bool
}

// Pipeline coordinates verification, dedupe and application.
type Pipeline struct {
	store     Store
	applier   Applier
	maxAge    time.Duration // oldest acceptable event timestamp
	maxFuture time.Duration // clock-skew allowance for future timestamps
}

// NewPipeline creates a webhook pipeline.
func NewPipeline(store Store, applier Applier, maxAge, maxFuture time.Duration) *Pipeline {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if maxFuture <= 0 {
		maxFuture = time.Minute
	}
	return &Pipeline{store: store, applier: applier, maxAge: maxAge, maxFuture: maxFuture}
}

// Process runs a verified event through dedupe and the state machine.
// Signature verification has already happened in the provider adapter;
// an Event only exists if it passed.
func (p *Pipeline) Process(ctx context.Context, ev *Event) (*Outcome, error) {
	log := logging.L(ctx)

	// Timestamp window first: a replayed-but-previously-valid callback
	// outside the window is rejected before the dedupe lookup, so even
	// already-processed events cannot be used to probe for state.
	now := time.Now()
	if ev.Timestamp.Before(now.Add(-p.maxAge)) || ev.Timestamp.After(now.Add(p.maxFuture)) {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "stale").Inc()
		return nil, ErrStaleTimestamp
	}

	if err := p.store.Upsert(ctx, &Record{
		Provider:    ev.Provider,
		ExternalID:  ev.ExternalID,
		EscrowID:    ev.EscrowID,
		Status:      "received",
		SignatureOK: true,
		ReceivedAt:  now,
	}); err != nil {
		return nil, err
	}

	rec, err := p.store.Get(ctx, ev.Provider, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if rec.Status == "processed" {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "duplicate").Inc()
		return &Outcome{Status: "already_processed", Replay: true}, nil
	}

	outcome := &Outcome{Status: "processed"}
	_, err = p.applier.ConfirmPayment(ctx, ev.EscrowID, ev.Amount, ev.Currency, ev.Ref())
	switch {
	case err == nil:
	case errors.Is(err, escrow.ErrUnderpaid):
		// The money was applied (returned to the buyer's wallet); the
		// event is consumed even though the escrow stays pending.
		outcome.Status = "underpaid_credited"
	case errors.Is(err, escrow.ErrEventAlreadyApplied):
		// The money moved on an earlier delivery whose mark was lost.
		// Fall through to MarkProcessed so the record heals and every
		// further retry gets the same acknowledgement.
		outcome.Status = "already_processed"
		outcome.Replay = true
	case errors.Is(err, escrow.ErrCurrencyMismatch):
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "rejected").Inc()
		return nil, err
	case errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrTerminalState):
		// A concurrent duplicate may have won the escrow lock and applied
		// this event first. If the record is processed now, ack; otherwise
		// the transition rejection is genuine.
		if fresh, gerr := p.store.Get(ctx, ev.Provider, ev.ExternalID); gerr == nil && fresh.Status == "processed" {
			metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "duplicate").Inc()
			return &Outcome{Status: "already_processed", Replay: true}, nil
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "rejected").Inc()
		return nil, err
	default:
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "error").Inc()
		return nil, err
	}

	if err := p.store.MarkProcessed(ctx, ev.Provider, ev.ExternalID); err != nil {
		return nil, err
	}

	// Read-after-write verification: acknowledge only once the processed
	// mark is actually visible. A commit that silently did not persist
	// surfaces here as a retryable failure instead of a lost payment.
	fresh, err := p.store.Get(ctx, ev.Provider, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if fresh.Status != "processed" {
		log.Error("webhook processed mark not visible after write",
			"provider", ev.Provider, "eventId", ev.ExternalID, "escrowId", ev.EscrowID)
		return nil, ErrNotVerified
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, outcome.Status).Inc()
	log.Info("webhook event applied",
		"provider", ev.Provider, "eventId", ev.ExternalID,
		"escrowId", ev.EscrowID, "amount", ev.Amount, "status", outcome.Status)
	return outcome, nil
}
