package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/peertrade/settlement/internal/fees"
)

// PostgresStore persists escrow data in PostgreSQL. The pricing snapshot
// is stored as JSONB so fee terms stay attached to the trade verbatim.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, buyer_id, seller_id, principal, currency, status,
	pricing_snapshot, fee_buyer, fee_seller, total_due, paid_amount,
	payment_deadline, delivery_deadline, auto_release_at,
	accepted_at, payment_confirmed_at, activated_at, delivered_at, completed_at,
	resolution, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	snapJSON, err := json.Marshal(e.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22)`,
		e.ID, e.BuyerID, e.SellerID, e.Principal, e.Currency, string(e.Status),
		snapJSON, e.FeeBuyer, e.FeeSeller, e.TotalDue, e.PaidAmount,
		nullTime(e.PaymentDeadline), nullTime(e.DeliveryDeadline), nullTime(e.AutoReleaseAt),
		nullTime(e.AcceptedAt), nullTime(e.PaymentConfirmedAt), nullTime(e.ActivatedAt),
		nullTime(e.DeliveredAt), nullTime(e.CompletedAt),
		nullString(e.Resolution), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, paid_amount = $2,
			payment_deadline = $3, delivery_deadline = $4, auto_release_at = $5,
			accepted_at = $6, payment_confirmed_at = $7, activated_at = $8,
			delivered_at = $9, completed_at = $10,
			resolution = $11, updated_at = $12
		WHERE id = $13`,
		string(e.Status), e.PaidAmount,
		nullTime(e.PaymentDeadline), nullTime(e.DeliveryDeadline), nullTime(e.AutoReleaseAt),
		nullTime(e.AcceptedAt), nullTime(e.PaymentConfirmedAt), nullTime(e.ActivatedAt),
		nullTime(e.DeliveredAt), nullTime(e.CompletedAt),
		nullString(e.Resolution), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error) {
	var deadlineCol string
	switch status {
	case StatusPaymentPending:
		deadlineCol = "payment_deadline"
	case StatusActive:
		deadlineCol = "delivery_deadline"
	case StatusDelivered:
		deadlineCol = "auto_release_at"
	default:
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = $1 AND `+deadlineCol+` < $2
		ORDER BY `+deadlineCol+`
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, opened_by, respondent, reason, status,
			resolution, buyer_pct, resolved_by, note, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.EscrowID, d.OpenedBy, d.Respondent, d.Reason, d.Status,
		nullString(d.Resolution), d.BuyerPct, nullString(d.ResolvedBy),
		nullString(d.Note), d.CreatedAt, nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	d := &Dispute{}
	var resolution, resolvedBy, note sql.NullString
	var resolvedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, opened_by, respondent, reason, status,
		       resolution, buyer_pct, resolved_by, note, created_at, resolved_at
		FROM disputes WHERE escrow_id = $1`, escrowID,
	).Scan(&d.ID, &d.EscrowID, &d.OpenedBy, &d.Respondent, &d.Reason, &d.Status,
		&resolution, &d.BuyerPct, &resolvedBy, &note, &d.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Resolution = resolution.String
	d.ResolvedBy = resolvedBy.String
	d.Note = note.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, buyer_pct = $3,
			resolved_by = $4, note = $5, resolved_at = $6
		WHERE id = $7`,
		d.Status, nullString(d.Resolution), d.BuyerPct,
		nullString(d.ResolvedBy), nullString(d.Note), nullTime(d.ResolvedAt),
		d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status     string
		snapJSON   []byte
		resolution sql.NullString

		paymentDeadline, deliveryDeadline, autoReleaseAt sql.NullTime
		acceptedAt, paymentConfirmedAt, activatedAt      sql.NullTime
		deliveredAt, completedAt                         sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &e.Principal, &e.Currency, &status,
		&snapJSON, &e.FeeBuyer, &e.FeeSeller, &e.TotalDue, &e.PaidAmount,
		&paymentDeadline, &deliveryDeadline, &autoReleaseAt,
		&acceptedAt, &paymentConfirmedAt, &activatedAt, &deliveredAt, &completedAt,
		&resolution, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.Resolution = resolution.String
	if len(snapJSON) > 0 {
		var snap fees.Snapshot
		if err := json.Unmarshal(snapJSON, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		e.Snapshot = snap
	}
	e.PaymentDeadline = timePtr(paymentDeadline)
	e.DeliveryDeadline = timePtr(deliveryDeadline)
	e.AutoReleaseAt = timePtr(autoReleaseAt)
	e.AcceptedAt = timePtr(acceptedAt)
	e.PaymentConfirmedAt = timePtr(paymentConfirmedAt)
	e.ActivatedAt = timePtr(activatedAt)
	e.DeliveredAt = timePtr(deliveredAt)
	e.CompletedAt = timePtr(completedAt)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

var _ Store = (*PostgresStore)(nil)
