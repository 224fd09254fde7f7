package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "sub_1",
		UserID:    "alice",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []string{EventEscrowCompleted},
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "sub_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("URL = %s", got.URL)
	}

	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = store.Get(ctx, "sub_1")
	if got.Active {
		t.Error("expected inactive after update")
	}

	if err := store.Delete(ctx, "sub_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "sub_1"); err == nil {
		t.Error("expected error after delete")
	}
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	store := NewMemoryStore()
	secret := "notify_secret"

	var mu sync.Mutex
	var gotSig, gotTS, gotEvent string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Settlement-Signature")
		gotTS = r.Header.Get("X-Settlement-Timestamp")
		gotEvent = r.Header.Get("X-Settlement-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store.Create(context.Background(), &Subscription{
		ID: "sub_1", UserID: "alice", URL: server.URL, Secret: secret, Active: true,
	})

	d := NewDispatcher(store, testLogger())
	d.Notify("alice", EventEscrowCompleted, map[string]any{"escrowId": "esc_1", "amount": "30"})
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != EventEscrowCompleted {
		t.Errorf("event header = %s", gotEvent)
	}
	if gotSig != Sign(secret, gotTS, gotBody) {
		t.Error("signature does not verify against timestamp and body")
	}

	var msg Message
	if err := json.Unmarshal(gotBody, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.Event != EventEscrowCompleted || msg.Data["escrowId"] != "esc_1" {
		t.Errorf("payload = %+v", msg)
	}
	if msg.ID == "" {
		t.Error("missing message id")
	}
}

func TestNotifyFiltersByUserAndEvent(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "sub_1", UserID: "alice", URL: server.URL, Events: []string{EventEscrowCompleted}, Active: true})
	store.Create(ctx, &Subscription{ID: "sub_2", UserID: "alice", URL: server.URL, Events: []string{EventEscrowDisputed}, Active: true})
	store.Create(ctx, &Subscription{ID: "sub_3", UserID: "bob", URL: server.URL, Events: []string{EventEscrowCompleted}, Active: true})
	store.Create(ctx, &Subscription{ID: "sub_4", UserID: "alice", URL: server.URL, Events: nil, Active: true}) // all events
	store.Create(ctx, &Subscription{ID: "sub_5", UserID: "alice", URL: server.URL, Active: false})

	d := NewDispatcher(store, testLogger())
	d.Notify("alice", EventEscrowCompleted, nil)
	d.Wait()

	if got := received.Load(); got != 2 {
		t.Errorf("deliveries = %d, want 2 (matching event + catch-all)", got)
	}
}

func TestNotifyFailureDisablesAfterThreshold(t *testing.T) {
	store := NewMemoryStore()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "sub_1", UserID: "alice", URL: server.URL, Active: true})

	d := NewDispatcher(store, testLogger())
	for i := 0; i < maxConsecutiveFailures; i++ {
		d.Notify("alice", EventEscrowCompleted, nil)
		d.Wait()
	}

	sub, _ := store.Get(ctx, "sub_1")
	if sub.Active {
		t.Errorf("subscription still active after %d failures", sub.ConsecutiveFailures)
	}
	if sub.LastError == "" {
		t.Error("expected lastError to be recorded")
	}
}

func TestNotifySuccessResetsFailureCount(t *testing.T) {
	store := NewMemoryStore()
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "sub_1", UserID: "alice", URL: server.URL, Active: true})

	d := NewDispatcher(store, testLogger())
	fail.Store(true)
	d.Notify("alice", EventEscrowCompleted, nil)
	d.Wait()
	fail.Store(false)
	d.Notify("alice", EventEscrowCompleted, nil)
	d.Wait()

	sub, _ := store.Get(ctx, "sub_1")
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", sub.ConsecutiveFailures)
	}
	if sub.LastSuccess == nil {
		t.Error("expected lastSuccess to be set")
	}
	if sub.LastError != "" {
		t.Errorf("lastError = %q, want empty", sub.LastError)
	}
}
