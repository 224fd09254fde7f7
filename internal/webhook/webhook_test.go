package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/ledger"
	"github.com/peertrade/settlement/internal/locker"
)

type mockApplier struct {
	mu      sync.Mutex
	applied map[string]int // eventRef -> apply count
	err     error
}

func newMockApplier() *mockApplier {
	return &mockApplier{applied: make(map[string]int)}
}

func (m *mockApplier) ConfirmPayment(ctx context.Context, escrowID string, amount decimal.Decimal, currency, eventRef string) (*escrow.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.applied[eventRef]++
	return &escrow.Escrow{ID: escrowID, Status: escrow.StatusPaymentConfirmed}, nil
}

func (m *mockApplier) applyCount(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied[ref]
}

func testEvent(id string) *Event {
	return &Event{
		Provider:   "bankwire",
		ExternalID: id,
		EscrowID:   "esc_1",
		Amount:     decimal.NewFromInt(30),
		Currency:   "USD",
		Timestamp:  time.Now(),
	}
}

func TestProcessAppliesOnce(t *testing.T) {
	applier := newMockApplier()
	p := NewPipeline(NewMemoryStore(), applier, 0, 0)

	out, err := p.Process(context.Background(), testEvent("evt_1"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Status != "processed" || out.Replay {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if got := applier.applyCount("bankwire:evt_1"); got != 1 {
		t.Fatalf("apply count = %d, want 1", got)
	}
}

func TestProcessReplayedDeliveries(t *testing.T) {
	applier := newMockApplier()
	p := NewPipeline(NewMemoryStore(), applier, 0, 0)

	if _, err := p.Process(context.Background(), testEvent("evt_1")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	for i := 0; i < 5; i++ {
		out, err := p.Process(context.Background(), testEvent("evt_1"))
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		if out.Status != "already_processed" || !out.Replay {
			t.Fatalf("redelivery %d outcome: %+v", i, out)
		}
	}
	if got := applier.applyCount("bankwire:evt_1"); got != 1 {
		t.Fatalf("apply count after replays = %d, want 1", got)
	}
}

func TestProcessDistinctEventsBothApply(t *testing.T) {
	applier := newMockApplier()
	p := NewPipeline(NewMemoryStore(), applier, 0, 0)

	for _, id := range []string{"evt_1", "evt_2"} {
		if _, err := p.Process(context.Background(), testEvent(id)); err != nil {
			t.Fatalf("Process(%s): %v", id, err)
		}
	}
	if applier.applyCount("bankwire:evt_1") != 1 || applier.applyCount("bankwire:evt_2") != 1 {
		t.Fatalf("distinct events not both applied: %v", applier.applied)
	}
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	applier := newMockApplier()
	p := NewPipeline(NewMemoryStore(), applier, 5*time.Minute, time.Minute)

	ev := testEvent("evt_old")
	ev.Timestamp = time.Now().Add(-10 * time.Minute)
	if _, err := p.Process(context.Background(), ev); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("stale past: got %v, want ErrStaleTimestamp", err)
	}

	ev = testEvent("evt_future")
	ev.Timestamp = time.Now().Add(10 * time.Minute)
	if _, err := p.Process(context.Background(), ev); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("far future: got %v, want ErrStaleTimestamp", err)
	}
	if len(applier.applied) != 0 {
		t.Fatalf("stale events reached the applier: %v", applier.applied)
	}
}

// An already-processed event replayed outside the window must still be
// rejected on the timestamp, not acked from the dedupe record.
func TestStaleReplayOfProcessedEventRejected(t *testing.T) {
	applier := newMockApplier()
	p := NewPipeline(NewMemoryStore(), applier, 5*time.Minute, time.Minute)

	ev := testEvent("evt_1")
	if _, err := p.Process(context.Background(), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	replay := testEvent("evt_1")
	replay.Timestamp = time.Now().Add(-time.Hour)
	if _, err := p.Process(context.Background(), replay); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("stale replay: got %v, want ErrStaleTimestamp", err)
	}
}

func TestProcessUnderpaidConsumesEvent(t *testing.T) {
	applier := newMockApplier()
	applier.err = escrow.ErrUnderpaid
	p := NewPipeline(NewMemoryStore(), applier, 0, 0)

	out, err := p.Process(context.Background(), testEvent("evt_under"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Status != "underpaid_credited" {
		t.Fatalf("status = %s, want underpaid_credited", out.Status)
	}

	// The record is consumed: a replay acks without another apply attempt.
	applier.err = nil
	out, err = p.Process(context.Background(), testEvent("evt_under"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.Status != "already_processed" {
		t.Fatalf("replay status = %s, want already_processed", out.Status)
	}
	if got := applier.applyCount("bankwire:evt_under"); got != 0 {
		t.Fatalf("consumed event re-applied %d times", got)
	}
}

func TestProcessBusyPropagates(t *testing.T) {
	applier := newMockApplier()
	applier.err = escrow.ErrBusy
	p := NewPipeline(NewMemoryStore(), applier, 0, 0)

	if _, err := p.Process(context.Background(), testEvent("evt_busy")); !errors.Is(err, escrow.ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}

	// The record stays unprocessed so the provider's retry applies cleanly.
	applier.err = nil
	out, err := p.Process(context.Background(), testEvent("evt_busy"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Status != "processed" {
		t.Fatalf("retry status = %s, want processed", out.Status)
	}
}

// A transition rejection for an event another delivery already applied is
// answered as a replay, not an error.
func TestProcessLostRaceAcksAsReplay(t *testing.T) {
	store := NewMemoryStore()
	applier := newMockApplier()
	p := NewPipeline(store, applier, 0, 0)

	ev := testEvent("evt_race")
	if err := store.Upsert(context.Background(), &Record{
		Provider: ev.Provider, ExternalID: ev.ExternalID, EscrowID: ev.EscrowID,
		Status: "received", SignatureOK: true, ReceivedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	applier.err = escrow.ErrInvalidTransition
	if _, err := p.Process(context.Background(), ev); !errors.Is(err, escrow.ErrInvalidTransition) {
		t.Fatalf("genuine rejection: got %v", err)
	}

	// Simulate the winning delivery having marked the record.
	if err := store.MarkProcessed(context.Background(), ev.Provider, ev.ExternalID); err != nil {
		t.Fatal(err)
	}
	out, err := p.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("lost race: %v", err)
	}
	if out.Status != "already_processed" || !out.Replay {
		t.Fatalf("lost race outcome: %+v", out)
	}
}

type unreliableStore struct {
	*MemoryStore
	dropMarks bool
	failMarks int // MarkProcessed errors before recovering
}

func (s *unreliableStore) MarkProcessed(ctx context.Context, provider, externalID string) error {
	if s.dropMarks {
		return nil
	}
	if s.failMarks > 0 {
		s.failMarks--
		return errors.New("connection reset")
	}
	return s.MemoryStore.MarkProcessed(ctx, provider, externalID)
}

func TestProcessVerifiesMarkBeforeAck(t *testing.T) {
	store := &unreliableStore{MemoryStore: NewMemoryStore(), dropMarks: true}
	p := NewPipeline(store, newMockApplier(), 0, 0)

	if _, err := p.Process(context.Background(), testEvent("evt_1")); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("got %v, want ErrNotVerified", err)
	}
}

// A delivery that moves the money but fails to mark its record must not
// wedge the event: the retries heal the record and every one of them is
// acknowledged identically.
func TestProcessHealsRecordAfterLostMark(t *testing.T) {
	ctx := context.Background()
	store := &unreliableStore{MemoryStore: NewMemoryStore(), failMarks: 1}
	svc, e := newEscrowApplier(t)
	p := NewPipeline(store, svc, 0, 0)

	ev := &Event{
		Provider:   "bankwire",
		ExternalID: "evt_1",
		EscrowID:   e.ID,
		Amount:     e.TotalDue,
		Currency:   "USD",
		Timestamp:  time.Now(),
	}

	// The mutation lands but the mark is lost, so no ack goes out.
	if _, err := p.Process(ctx, ev); err == nil {
		t.Fatal("expected the lost mark to surface as an error")
	}

	for i := 0; i < 3; i++ {
		out, err := p.Process(ctx, ev)
		if err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
		if out.Status != "already_processed" {
			t.Fatalf("retry %d status = %s, want already_processed", i, out.Status)
		}
	}

	rec, err := store.Get(ctx, "bankwire", "evt_1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "processed" {
		t.Fatalf("record = %q, want processed", rec.Status)
	}
	fresh, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Status != escrow.StatusPaymentConfirmed {
		t.Fatalf("escrow = %s, want payment_confirmed", fresh.Status)
	}
	if !fresh.PaidAmount.Equal(e.TotalDue) {
		t.Fatalf("paid = %s, want %s (applied exactly once)", fresh.PaidAmount, e.TotalDue)
	}
}

func TestProcessRejectsCurrencyMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, e := newEscrowApplier(t)
	p := NewPipeline(store, svc, 0, 0)

	ev := &Event{
		Provider:   "bankwire",
		ExternalID: "evt_jpy",
		EscrowID:   e.ID,
		Amount:     e.TotalDue,
		Currency:   "JPY",
		Timestamp:  time.Now(),
	}
	if _, err := p.Process(ctx, ev); !errors.Is(err, escrow.ErrCurrencyMismatch) {
		t.Fatalf("got %v, want ErrCurrencyMismatch", err)
	}

	// The record stays open and the escrow unfunded.
	rec, err := store.Get(ctx, "bankwire", "evt_jpy")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != "received" {
		t.Fatalf("record = %q, want received", rec.Status)
	}
	fresh, _ := svc.Get(ctx, e.ID)
	if fresh.Status != escrow.StatusPaymentPending {
		t.Fatalf("escrow = %s, want payment_pending", fresh.Status)
	}
}

func signHMAC(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacRequest(t *testing.T, secret string, body []byte, ts time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/bankwire", bytes.NewReader(body))
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set("X-Webhook-Timestamp", tsStr)
	req.Header.Set("X-Webhook-Signature", signHMAC(secret, tsStr, body))
	return req
}

func TestHMACProviderVerify(t *testing.T) {
	p := NewHMACProvider("bankwire", "whsec_test")
	body := []byte(`{"eventId":"evt_1","reference":"esc_1","amount":"30","currency":"usd"}`)

	ev, err := p.Verify(hmacRequest(t, "whsec_test", body, time.Now()), body)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ev.ExternalID != "evt_1" || ev.EscrowID != "esc_1" {
		t.Fatalf("bad event: %+v", ev)
	}
	if !ev.Amount.Equal(decimal.NewFromInt(30)) || ev.Currency != "USD" {
		t.Fatalf("amount/currency: %s %s", ev.Amount, ev.Currency)
	}
}

func TestHMACProviderRejectsBadSignature(t *testing.T) {
	p := NewHMACProvider("bankwire", "whsec_test")
	body := []byte(`{"eventId":"evt_1","reference":"esc_1","amount":"30","currency":"USD"}`)

	req := hmacRequest(t, "wrong_secret", body, time.Now())
	if _, err := p.Verify(req, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong secret: got %v", err)
	}

	req = hmacRequest(t, "whsec_test", body, time.Now())
	req.Header.Del("X-Webhook-Signature")
	if _, err := p.Verify(req, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("missing signature: got %v", err)
	}
}

// The signature covers the timestamp, so re-signing headers on a captured
// body must fail and a tampered body must fail under the original headers.
func TestHMACProviderRejectsTampering(t *testing.T) {
	p := NewHMACProvider("bankwire", "whsec_test")
	body := []byte(`{"eventId":"evt_1","reference":"esc_1","amount":"30","currency":"USD"}`)
	req := hmacRequest(t, "whsec_test", body, time.Now())

	tampered := []byte(`{"eventId":"evt_1","reference":"esc_1","amount":"3000","currency":"USD"}`)
	if _, err := p.Verify(req, tampered); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body: got %v", err)
	}

	req.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	if _, err := p.Verify(req, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("re-stamped timestamp: got %v", err)
	}
}

func TestHMACProviderRejectsBadPayload(t *testing.T) {
	p := NewHMACProvider("bankwire", "whsec_test")
	cases := []string{
		`not json`,
		`{"eventId":"","reference":"esc_1","amount":"30","currency":"USD"}`,
		`{"eventId":"evt_1","reference":"esc_1","amount":"-5","currency":"USD"}`,
		`{"eventId":"evt_1","reference":"esc_1","amount":"30","currency":"US DOLLARS"}`,
	}
	for i, body := range cases {
		req := hmacRequest(t, "whsec_test", []byte(body), time.Now())
		if _, err := p.Verify(req, []byte(body)); !errors.Is(err, ErrBadPayload) {
			t.Fatalf("case %d: got %v, want ErrBadPayload", i, err)
		}
	}
}

func TestMinorUnits(t *testing.T) {
	if got := minorUnitsToDecimal(3250, "USD"); !got.Equal(decimal.RequireFromString("32.50")) {
		t.Fatalf("USD: got %s", got)
	}
	if got := minorUnitsToDecimal(3250, "JPY"); !got.Equal(decimal.NewFromInt(3250)) {
		t.Fatalf("JPY: got %s", got)
	}
}

func newTestRouter(t *testing.T, applier Applier) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	secret := "whsec_test"
	pipeline := NewPipeline(NewMemoryStore(), applier, 0, 0)
	h := NewHandler(pipeline, []Provider{NewHMACProvider("bankwire", secret)}, testLogger())
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, secret
}

func TestHandlerHappyPathAndReplay(t *testing.T) {
	applier := newMockApplier()
	r, secret := newTestRouter(t, applier)
	body := []byte(`{"eventId":"evt_1","reference":"esc_1","amount":"30","currency":"USD"}`)

	for i := 0; i < 3; i++ {
		req := hmacRequest(t, secret, body, time.Now())
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d body %s", i, w.Code, w.Body.String())
		}
	}
	if got := applier.applyCount("bankwire:evt_1"); got != 1 {
		t.Fatalf("apply count = %d, want 1", got)
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	applier := newMockApplier()
	r, _ := newTestRouter(t, applier)
	body := []byte(`{"eventId":"evt_1","reference":"esc_1","amount":"30","currency":"USD"}`)

	req := hmacRequest(t, "wrong_secret", body, time.Now())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(applier.applied) != 0 {
		t.Fatalf("unverified event reached the applier")
	}
}

func TestHandlerUnknownProvider(t *testing.T) {
	r, _ := newTestRouter(t, newMockApplier())
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/moneygram", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandlerBusyAsksForRetry(t *testing.T) {
	applier := newMockApplier()
	applier.err = escrow.ErrBusy
	r, secret := newTestRouter(t, applier)
	body := []byte(`{"eventId":"evt_1","reference":"esc_1","amount":"30","currency":"USD"}`)

	req := hmacRequest(t, secret, body, time.Now())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

// newEscrowApplier builds a real state machine over in-memory stores and
// walks one USD trade to payment_pending.
func newEscrowApplier(t *testing.T) (*escrow.Service, *escrow.Escrow) {
	t.Helper()
	ctx := context.Background()
	settled := func(err error) bool {
		return errors.Is(err, ledger.ErrHoldingClosed) || errors.Is(err, ledger.ErrDuplicateTransaction)
	}
	svc := escrow.NewService(escrow.NewMemoryStore(), ledger.NewMemoryStore(),
		locker.NewLocal(time.Second), settled, escrow.Config{})

	e, err := svc.Create(ctx, escrow.CreateRequest{
		BuyerID: "u_buyer", SellerID: "u_seller",
		Principal: "20", Currency: "USD", FeePolicy: "buyer_pays",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Accept(ctx, e.ID, "u_seller"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return svc, e
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
