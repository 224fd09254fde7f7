package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists idempotency records in PostgreSQL. The primary
// key on (provider, external_event_id) is what makes dedupe hold across
// processes.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed webhook store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, external_event_id, escrow_id, status, signature_ok, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, external_event_id) DO NOTHING`,
		rec.Provider, rec.ExternalID, rec.EscrowID, rec.Status, rec.SignatureOK, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("upsert webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, provider, externalID string) (*Record, error) {
	var rec Record
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, external_event_id, escrow_id, status, signature_ok, received_at, processed_at
		FROM webhook_events
		WHERE provider = $1 AND external_event_id = $2`,
		provider, externalID).Scan(
		&rec.Provider, &rec.ExternalID, &rec.EscrowID, &rec.Status,
		&rec.SignatureOK, &rec.ReceivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, provider, externalID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = 'processed', processed_at = $3
		WHERE provider = $1 AND external_event_id = $2`,
		provider, externalID, time.Now())
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
