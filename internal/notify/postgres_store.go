package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notify_subscriptions (id, user_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret, events, sub.Active, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM notify_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM notify_subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notify_subscriptions
		SET active = $2, last_success = $3, last_error = $4, consecutive_failures = $5
		WHERE id = $1`,
		sub.ID, sub.Active, sub.LastSuccess, nullString(sub.LastError), sub.ConsecutiveFailures)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notify_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	var sub Subscription
	var events []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret, &events,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
