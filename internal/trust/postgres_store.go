package trust

import (
	"context"
	"database/sql"
)

// PostgresStore persists trading stats in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed stats store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Stats(ctx context.Context, userID string) (*Stats, error) {
	s := &Stats{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT completed_trades, rating_sum, rating_count, updated_at
		FROM trust_stats WHERE user_id = $1
	`, userID).Scan(&s.CompletedTrades, &s.RatingSum, &s.RatingCount, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrStatsNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStore) RecordCompletion(ctx context.Context, userID string, rating float64) error {
	ratingSum := 0.0
	ratingCount := 0
	if rating > 0 {
		ratingSum = rating
		ratingCount = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trust_stats (user_id, completed_trades, rating_sum, rating_count, updated_at)
		VALUES ($1, 1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			completed_trades = trust_stats.completed_trades + 1,
			rating_sum       = trust_stats.rating_sum + $2,
			rating_count     = trust_stats.rating_count + $3,
			updated_at       = NOW()
	`, userID, ratingSum, ratingCount)
	return err
}

var _ Store = (*PostgresStore)(nil)
