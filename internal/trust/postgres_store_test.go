package trust

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/peertrade/settlement/internal/testutil"
)

func TestPostgresStatsAccumulate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if _, err := store.Stats(ctx, "u_new"); !errors.Is(err, ErrStatsNotFound) {
		t.Fatalf("unknown user = %v, want ErrStatsNotFound", err)
	}

	if err := store.RecordCompletion(ctx, "u_pg1", 5.0); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if err := store.RecordCompletion(ctx, "u_pg1", 4.0); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	// Unrated completion counts the trade but not the rating.
	if err := store.RecordCompletion(ctx, "u_pg1", 0); err != nil {
		t.Fatalf("RecordCompletion unrated: %v", err)
	}

	stats, err := store.Stats(ctx, "u_pg1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.CompletedTrades != 3 {
		t.Errorf("completedTrades = %d, want 3", stats.CompletedTrades)
	}
	if stats.RatingCount != 2 {
		t.Errorf("ratingCount = %d, want 2", stats.RatingCount)
	}
	if math.Abs(stats.AverageRating()-4.5) > 1e-9 {
		t.Errorf("averageRating = %f, want 4.5", stats.AverageRating())
	}
}

func TestPostgresTierAssignment(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	provider := NewProvider(NewPostgresStore(db))

	tier, err := provider.TierFor(ctx, "u_unknown")
	if err != nil {
		t.Fatalf("TierFor unknown: %v", err)
	}
	if tier.Name != "standard" {
		t.Errorf("unknown user tier = %s, want standard", tier.Name)
	}

	for i := 0; i < 12; i++ {
		if err := provider.RecordCompletion(ctx, "u_silver", 4.5); err != nil {
			t.Fatalf("RecordCompletion: %v", err)
		}
	}

	tier, err = provider.TierFor(ctx, "u_silver")
	if err != nil {
		t.Fatalf("TierFor: %v", err)
	}
	if tier.Name != "silver" {
		t.Errorf("tier after 12 trades at 4.5 = %s, want silver", tier.Name)
	}
}
