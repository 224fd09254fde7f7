package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peertrade/settlement/internal/testutil"
)

func TestPostgresSubscriptionCRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	sub := &Subscription{
		ID:        "sub_pg1",
		UserID:    "u_pg1",
		URL:       "https://example.com/hooks",
		Secret:    "s3cret",
		Events:    []string{EventEscrowCompleted, EventEscrowDisputed},
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "sub_pg1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != sub.URL || got.Secret != "s3cret" || len(got.Events) != 2 {
		t.Errorf("round trip lost fields: %+v", got)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.Active = false
	got.LastError = "connection refused"
	got.ConsecutiveFailures = 10
	got.LastSuccess = &now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	updated, err := store.Get(ctx, "sub_pg1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if updated.Active || updated.ConsecutiveFailures != 10 || updated.LastError != "connection refused" {
		t.Errorf("update lost fields: %+v", updated)
	}

	if err := store.Delete(ctx, "sub_pg1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "sub_pg1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Get after delete = %v, want ErrSubscriptionNotFound", err)
	}
	if err := store.Delete(ctx, "sub_pg1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("double delete = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestPostgresListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	for i, userID := range []string{"u_a", "u_a", "u_b"} {
		err := store.Create(ctx, &Subscription{
			ID:        "sub_list_" + string(rune('1'+i)),
			UserID:    userID,
			URL:       "https://example.com/hooks",
			Secret:    "s",
			Active:    true,
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	subs, err := store.ListByUser(ctx, "u_a")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("ListByUser(u_a) = %d subs, want 2", len(subs))
	}
}
