package trust

import (
	"context"
	"testing"
)

func TestAssignPicksHighestQualifyingTier(t *testing.T) {
	tests := []struct {
		name   string
		trades int
		rating float64
		want   string
	}{
		{"new user", 0, 0, "standard"},
		{"trades without rating", 60, 0, "standard"},
		{"silver", 10, 4.0, "silver"},
		{"gold", 50, 4.6, "gold"},
		{"platinum", 150, 4.9, "platinum"},
		{"high rating low volume", 3, 5.0, "standard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := &Stats{CompletedTrades: tt.trades}
			if tt.rating > 0 {
				stats.RatingSum = tt.rating
				stats.RatingCount = 1
			}
			got := Assign(DefaultSchedule, stats)
			if got.Name != tt.want {
				t.Errorf("Assign(%d trades, %.1f rating) = %s, want %s",
					tt.trades, tt.rating, got.Name, tt.want)
			}
		})
	}
}

func TestTierIsMonotone(t *testing.T) {
	prev := -1
	for trades := 0; trades <= 200; trades += 10 {
		stats := &Stats{CompletedTrades: trades, RatingSum: 5.0, RatingCount: 1}
		tier := Assign(DefaultSchedule, stats)
		if tier.DiscountPct < prev {
			t.Fatalf("discount decreased at %d trades", trades)
		}
		prev = tier.DiscountPct
	}
}

func TestProviderUnknownUserGetsStandard(t *testing.T) {
	p := NewProvider(NewMemoryStore())

	tier, err := p.TierFor(context.Background(), "u_new")
	if err != nil {
		t.Fatalf("TierFor: %v", err)
	}
	if tier.Name != "standard" {
		t.Fatalf("expected standard, got %s", tier.Name)
	}
}

func TestRecordCompletionAccumulates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewProvider(store)

	for i := 0; i < 10; i++ {
		if err := p.RecordCompletion(ctx, "u_1", 4.5); err != nil {
			t.Fatalf("RecordCompletion: %v", err)
		}
	}

	tier, err := p.TierFor(ctx, "u_1")
	if err != nil {
		t.Fatalf("TierFor: %v", err)
	}
	if tier.Name != "silver" {
		t.Fatalf("expected silver after 10 rated trades, got %s", tier.Name)
	}

	// Unrated completions count toward volume but not rating.
	if err := p.RecordCompletion(ctx, "u_1", 0); err != nil {
		t.Fatal(err)
	}
	stats, err := store.Stats(ctx, "u_1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.CompletedTrades != 11 || stats.RatingCount != 10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
