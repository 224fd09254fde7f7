package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/peertrade/settlement/internal/money"
)

// Provider verifies a raw callback and extracts the payment event.
// Verification is unconditional in every environment: a deployment that
// skips it accepts forged payment confirmations.
type Provider interface {
	Name() string
	Verify(r *http.Request, body []byte) (*Event, error)
}

// hmacPayload is the JSON body shared by the bankwire and cryptopay rails.
type hmacPayload struct {
	EventID   string `json:"eventId"`
	Reference string `json:"reference"` // escrow ID
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

// HMACProvider verifies HMAC-SHA256 signed callbacks. The signature
// covers "<timestamp>.<body>" so a valid body cannot be replayed under a
// fresh timestamp.
type HMACProvider struct {
	name   string
	secret []byte
}

// NewHMACProvider creates a provider adapter for an HMAC-signed rail.
func NewHMACProvider(name, secret string) *HMACProvider {
	return &HMACProvider{name: name, secret: []byte(secret)}
}

func (p *HMACProvider) Name() string { return p.name }

func (p *HMACProvider) Verify(r *http.Request, body []byte) (*Event, error) {
	sigHeader := r.Header.Get("X-Webhook-Signature")
	tsHeader := r.Header.Get("X-Webhook-Timestamp")
	if sigHeader == "" || tsHeader == "" {
		return nil, ErrBadSignature
	}

	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(sigHeader)) != 1 {
		return nil, ErrBadSignature
	}

	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", ErrBadPayload)
	}

	var payload hmacPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if payload.EventID == "" || payload.Reference == "" {
		return nil, fmt.Errorf("%w: eventId and reference are required", ErrBadPayload)
	}
	amount, err := money.ParsePositive(payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	currency, err := money.NormalizeCurrency(payload.Currency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	return &Event{
		Provider:   p.name,
		ExternalID: payload.EventID,
		EscrowID:   payload.Reference,
		Amount:     amount,
		Currency:   currency,
		Timestamp:  time.Unix(unix, 0),
	}, nil
}

// StripeProvider verifies Stripe-signed callbacks for the card rail.
// The escrow reference travels in the payment intent's metadata.
type StripeProvider struct {
	secret    string
	tolerance time.Duration
}

// NewStripeProvider creates a Stripe webhook adapter.
func NewStripeProvider(secret string, tolerance time.Duration) *StripeProvider {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeProvider{secret: secret, tolerance: tolerance}
}

func (p *StripeProvider) Name() string { return "stripe" }

func (p *StripeProvider) Verify(r *http.Request, body []byte) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.secret,
		webhook.ConstructEventOptions{
			Tolerance:                p.tolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, ErrBadSignature
	}
	if ev.Type != "payment_intent.succeeded" {
		return nil, fmt.Errorf("%w: unsupported event type %s", ErrBadPayload, ev.Type)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	escrowID := intent.Metadata["escrow_id"]
	if escrowID == "" {
		return nil, fmt.Errorf("%w: missing escrow_id metadata", ErrBadPayload)
	}
	currency, err := money.NormalizeCurrency(string(intent.Currency))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	// Stripe amounts arrive in minor units.
	amount := minorUnitsToDecimal(intent.AmountReceived, currency)
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", ErrBadPayload)
	}

	return &Event{
		Provider:   p.Name(),
		ExternalID: ev.ID,
		EscrowID:   escrowID,
		Amount:     amount,
		Currency:   currency,
		Timestamp:  time.Unix(ev.Created, 0),
	}, nil
}

// zeroDecimalCurrencies are the Stripe currencies whose minor unit is
// the whole unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

func minorUnitsToDecimal(v int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[currency] {
		return decimal.NewFromInt(v)
	}
	return decimal.New(v, -2)
}
