// Package trust derives fee-discount tiers from trading history.
//
// A user's tier is a pure function of completed-trade count and average
// rating. Tiers are monotone: more trades and better ratings never lower
// the discount. The tier is consulted once, at escrow creation, and the
// resulting discount is frozen into the pricing snapshot — later tier
// changes never reprice an in-flight trade.
package trust

import (
	"context"
	"errors"
	"time"
)

var ErrStatsNotFound = errors.New("trust: stats not found")

// Tier is one rung of the discount schedule.
type Tier struct {
	Name        string  `json:"name"`
	MinTrades   int     `json:"minTrades"`
	MinRating   float64 `json:"minRating"`
	DiscountPct int     `json:"discountPct"` // discount on the rate-based fee
}

// DefaultSchedule orders tiers from highest to lowest requirement.
var DefaultSchedule = []Tier{
	{Name: "platinum", MinTrades: 100, MinRating: 4.8, DiscountPct: 40},
	{Name: "gold", MinTrades: 50, MinRating: 4.5, DiscountPct: 25},
	{Name: "silver", MinTrades: 10, MinRating: 4.0, DiscountPct: 10},
	{Name: "standard", MinTrades: 0, MinRating: 0, DiscountPct: 0},
}

// Stats are the raw inputs to tier assignment.
type Stats struct {
	UserID          string    `json:"userId"`
	CompletedTrades int       `json:"completedTrades"`
	RatingSum       float64   `json:"ratingSum"`
	RatingCount     int       `json:"ratingCount"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// AverageRating returns the mean rating, or 0 with no ratings.
func (s *Stats) AverageRating() float64 {
	if s.RatingCount == 0 {
		return 0
	}
	return s.RatingSum / float64(s.RatingCount)
}

// Store persists per-user trading stats.
type Store interface {
	Stats(ctx context.Context, userID string) (*Stats, error)
	RecordCompletion(ctx context.Context, userID string, rating float64) error
}

// Provider assigns tiers from stored stats.
type Provider struct {
	store    Store
	schedule []Tier
}

// NewProvider creates a tier provider over the default schedule.
func NewProvider(store Store) *Provider {
	return &Provider{store: store, schedule: DefaultSchedule}
}

// TierFor returns the best tier the user qualifies for. Unknown users get
// the lowest tier rather than an error — a new buyer is simply "standard".
func (p *Provider) TierFor(ctx context.Context, userID string) (Tier, error) {
	stats, err := p.store.Stats(ctx, userID)
	if errors.Is(err, ErrStatsNotFound) {
		return p.schedule[len(p.schedule)-1], nil
	}
	if err != nil {
		return Tier{}, err
	}
	return Assign(p.schedule, stats), nil
}

// RecordCompletion records a completed trade with an optional rating
// (rating <= 0 means unrated).
func (p *Provider) RecordCompletion(ctx context.Context, userID string, rating float64) error {
	return p.store.RecordCompletion(ctx, userID, rating)
}

// Assign picks the first tier in the schedule whose requirements the stats
// meet. The schedule must end with a zero-requirement tier.
func Assign(schedule []Tier, stats *Stats) Tier {
	for _, t := range schedule {
		if stats.CompletedTrades >= t.MinTrades && stats.AverageRating() >= t.MinRating {
			return t
		}
	}
	return schedule[len(schedule)-1]
}
