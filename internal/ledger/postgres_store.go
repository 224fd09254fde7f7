package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/pagination"
)

// isCheckViolation reports whether err is the database rejecting a
// balance CHECK constraint, as opposed to a transient failure that the
// caller should retry.
func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

// PostgresStore implements Store with PostgreSQL.
//
// Balances live in NUMERIC(32,8) columns guarded by CHECK constraints,
// so an overdraft fails at the database even if a service-level check is
// bypassed. Every operation inserts its transaction rows in the same
// database transaction as the wallet update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	w := &Wallet{UserID: userID, Currency: currency}
	err := p.db.QueryRowContext(ctx, `
		SELECT available, reserved, bonus, total_in, total_out, updated_at
		FROM wallets WHERE user_id = $1 AND currency = $2
	`, userID, currency).Scan(&w.Available, &w.Reserved, &w.Bonus, &w.TotalIn, &w.TotalOut, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		w.UpdatedAt = time.Now()
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetHolding(ctx context.Context, escrowID string) (*Holding, error) {
	h := &Holding{EscrowID: escrowID}
	var closedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT currency, amount, status, created_at, closed_at
		FROM holdings WHERE escrow_id = $1
	`, escrowID).Scan(&h.Currency, &h.Amount, &h.Status, &h.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, ErrHoldingNotFound
	}
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		h.ClosedAt = &closedAt.Time
	}
	return h, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, userID, currency string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT id, user_id, type, amount, currency, escrow_id, reference, description, created_at
		FROM transactions
		WHERE user_id = $1 AND currency = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	args := []any{userID, currency, limit}
	if before != nil {
		query = `
			SELECT id, user_id, type, amount, currency, escrow_id, reference, description, created_at
			FROM transactions
			WHERE user_id = $1 AND currency = $2
			  AND (created_at, id) < ($4, $5)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`
		args = append(args, before.CreatedAt, before.ID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var escrowID, reference, description sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Currency, &escrowID, &reference, &description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.EscrowID = escrowID.String
		t.Reference = reference.String
		t.Description = description.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ListWallets returns every wallet. Used by reconciliation.
func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, currency, available, reserved, bonus, total_in, total_out, updated_at
		FROM wallets
		ORDER BY user_id, currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.UserID, &w.Currency, &w.Available, &w.Reserved, &w.Bonus, &w.TotalIn, &w.TotalOut, &w.UpdatedAt); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// WalletTransactions returns a wallet's full history, oldest first.
func (p *PostgresStore) WalletTransactions(ctx context.Context, userID, currency string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, currency, escrow_id, reference, description, created_at
		FROM transactions
		WHERE user_id = $1 AND currency = $2
		ORDER BY created_at ASC
	`, userID, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var escrowID, reference, description sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Currency, &escrowID, &reference, &description, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.EscrowID = escrowID.String
		t.Reference = reference.String
		t.Description = description.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// ListOpenHoldings returns holdings still in the active state.
func (p *PostgresStore) ListOpenHoldings(ctx context.Context) ([]*Holding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT escrow_id, currency, amount, status, created_at
		FROM holdings
		WHERE status = 'active'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []*Holding
	for rows.Next() {
		h := &Holding{}
		if err := rows.Scan(&h.EscrowID, &h.Currency, &h.Amount, &h.Status, &h.CreatedAt); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// insertTx records a transaction row inside tx. A zero-row insert means
// the deterministic ID already exists: the movement was already applied.
func insertTx(ctx context.Context, tx *sql.Tx, txID, userID, txType string, amount decimal.Decimal, currency, escrowID, reference, description string) error {
	if txID == "" {
		txID = idgen.WithPrefix("tx_")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, currency, escrow_id, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NOW())
		ON CONFLICT (id) DO NOTHING
	`, txID, userID, txType, amount, currency, escrowID, reference, description)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDuplicateTransaction
	}
	return nil
}

// creditWallet upserts a wallet and adds to available inside tx.
func creditWallet(ctx context.Context, tx *sql.Tx, userID, currency string, amount decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, available, total_in, updated_at)
		VALUES ($1, $2, $3, $3, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			available  = wallets.available + $3,
			total_in   = wallets.total_in  + $3,
			updated_at = NOW()
	`, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) Credit(ctx context.Context, txID, userID, currency string, amount decimal.Decimal, txType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTx(ctx, tx, txID, userID, txType, amount, currency, "", reference, description); err != nil {
		return err
	}
	if err := creditWallet(ctx, tx, userID, currency, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, txID, userID, currency string, amount decimal.Decimal, txType, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTx(ctx, tx, txID, userID, txType, amount, currency, "", reference, description); err != nil {
		return err
	}

	// The CHECK constraint (available >= 0) turns an overdraft into an
	// error here rather than a negative balance.
	res, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $3,
			total_out  = total_out + $3,
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`, userID, currency, amount)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("debit wallet: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return tx.Commit()
}

func (p *PostgresStore) CreditBonus(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTx(ctx, tx, "", userID, TxBonus, amount, currency, "", reference, "bonus_credit"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, bonus, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, currency) DO UPDATE SET
			bonus      = wallets.bonus + $3,
			updated_at = NOW()
	`, userID, currency, amount)
	if err != nil {
		return fmt.Errorf("credit bonus: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) FundHolding(ctx context.Context, escrowID, payerID, currency string, held, surplus decimal.Decimal, eventRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO holdings (escrow_id, currency, amount, status, created_at)
		VALUES ($1, $2, $3, 'active', NOW())
		ON CONFLICT (escrow_id) DO NOTHING
	`, escrowID, currency, held)
	if err != nil {
		return fmt.Errorf("create holding: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDuplicateTransaction
	}

	if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "fund"), payerID, TxEscrowFund, held, currency, escrowID, eventRef, "payment_received"); err != nil {
		return err
	}
	if surplus.Sign() > 0 {
		if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "surplus"), payerID, TxOverpayCredit, surplus, currency, escrowID, eventRef, "overpayment_returned"); err != nil {
			return err
		}
		if err := creditWallet(ctx, tx, payerID, currency, surplus); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Reserve(ctx context.Context, ref, userID, currency string, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var available, bonus decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT available, bonus FROM wallets
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency).Scan(&available, &bonus)
	if err == sql.ErrNoRows {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	if bonus.Add(available).LessThan(amount) {
		return ErrInsufficientFunds
	}

	// Bonus stays in place until the trade funds; only the remainder is
	// locked out of available.
	lock := decimal.Max(amount.Sub(bonus), decimal.Zero)
	if err := insertTx(ctx, tx, TxID(ref, "wallet", "reserve"), userID, TxReserve, lock, currency, ref, "wallet", "funds_reserved"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $3,
			reserved   = reserved + $3,
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`, userID, currency, lock)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("reserve funds: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) ReleaseReservation(ctx context.Context, ref, userID, currency string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lock decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM transactions WHERE id = $1
	`, TxID(ref, "wallet", "reserve")).Scan(&lock)
	if err == sql.ErrNoRows {
		return ErrNoReservation
	}
	if err != nil {
		return err
	}
	// A reservation consumed by funding has nothing left to return.
	var one int
	err = tx.QueryRowContext(ctx, `
		SELECT 1 FROM transactions WHERE id = $1
	`, TxID(ref, "wallet", "fund")).Scan(&one)
	if err == nil {
		return ErrNoReservation
	}
	if err != sql.ErrNoRows {
		return err
	}

	if err := insertTx(ctx, tx, TxID(ref, "wallet", "reserve_release"), userID, TxReserveRelease, lock, currency, ref, "wallet", "reservation_released"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $3,
			reserved   = reserved - $3,
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`, userID, currency, lock)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) TransactionExists(ctx context.Context, txID string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `
		SELECT 1 FROM transactions WHERE id = $1
	`, txID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) FundHoldingFromWallet(ctx context.Context, escrowID, payerID, currency string, held decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Lock the wallet row so the spend split can't race a concurrent
	// movement.
	w := &Wallet{}
	err = tx.QueryRowContext(ctx, `
		SELECT available, reserved, bonus FROM wallets
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, payerID, currency).Scan(&w.Available, &w.Reserved, &w.Bonus)
	if err == sql.ErrNoRows {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}

	// Spend order: bonus first, then funds reserved for this trade, then
	// available.
	var reservedHere decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT amount FROM transactions WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM transactions WHERE id = $2)
	`, TxID(escrowID, "wallet", "reserve"), TxID(escrowID, "wallet", "reserve_release")).Scan(&reservedHere)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	reservedHere = decimal.Min(reservedHere, w.Reserved)

	fromBonus := decimal.Min(w.Bonus, held)
	rest := held.Sub(fromBonus)
	fromReserved := decimal.Min(reservedHere, rest)
	fromAvailable := rest.Sub(fromReserved)
	if w.Available.LessThan(fromAvailable) {
		return ErrInsufficientFunds
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO holdings (escrow_id, currency, amount, status, created_at)
		VALUES ($1, $2, $3, 'active', NOW())
		ON CONFLICT (escrow_id) DO NOTHING
	`, escrowID, currency, held)
	if err != nil {
		return fmt.Errorf("create holding: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrDuplicateTransaction
	}

	if err := insertTx(ctx, tx, TxID(escrowID, "wallet", "fund"), payerID, TxEscrowFund, held, currency, escrowID, "wallet", "funded_from_wallet"); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $3,
			reserved   = reserved - $4,
			bonus      = bonus - $5,
			total_out  = total_out + $6,
			updated_at = NOW()
		WHERE user_id = $1 AND currency = $2
	`, payerID, currency, fromAvailable, fromReserved, fromBonus, held)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("debit wallet: %w", err)
	}
	return tx.Commit()
}

// closeHolding flips an active holding to a terminal status inside tx,
// returning its currency and amount.
func closeHolding(ctx context.Context, tx *sql.Tx, escrowID, status string) (string, decimal.Decimal, error) {
	var currency string
	var amount decimal.Decimal
	var current string
	err := tx.QueryRowContext(ctx, `
		SELECT currency, amount, status FROM holdings
		WHERE escrow_id = $1
		FOR UPDATE
	`, escrowID).Scan(&currency, &amount, &current)
	if err == sql.ErrNoRows {
		return "", decimal.Zero, ErrHoldingNotFound
	}
	if err != nil {
		return "", decimal.Zero, err
	}
	if current != HoldingActive {
		return "", decimal.Zero, ErrHoldingClosed
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE holdings SET status = $2, closed_at = NOW() WHERE escrow_id = $1
	`, escrowID, status)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("close holding: %w", err)
	}
	return currency, amount, nil
}

func (p *PostgresStore) ReleaseHolding(ctx context.Context, escrowID, sellerID string, sellerAmount, feeAmount decimal.Decimal, eventRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	currency, _, err := closeHolding(ctx, tx, escrowID, HoldingReleased)
	if err != nil {
		return err
	}
	if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "seller"), sellerID, TxEscrowReceive, sellerAmount, currency, escrowID, eventRef, "escrow_released"); err != nil {
		return err
	}
	if err := creditWallet(ctx, tx, sellerID, currency, sellerAmount); err != nil {
		return err
	}
	if feeAmount.Sign() > 0 {
		if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "fee"), PlatformUserID, TxFee, feeAmount, currency, escrowID, eventRef, "settlement_fee"); err != nil {
			return err
		}
		if err := creditWallet(ctx, tx, PlatformUserID, currency, feeAmount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) RefundHolding(ctx context.Context, escrowID, buyerID, eventRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	currency, amount, err := closeHolding(ctx, tx, escrowID, HoldingRefunded)
	if err != nil {
		return err
	}
	if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "refund"), buyerID, TxEscrowRefund, amount, currency, escrowID, eventRef, "escrow_refunded"); err != nil {
		return err
	}
	if err := creditWallet(ctx, tx, buyerID, currency, amount); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) SettleHolding(ctx context.Context, escrowID, buyerID, sellerID string, buyerAmount, sellerAmount, feeAmount decimal.Decimal, eventRef string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	currency, held, err := closeHolding(ctx, tx, escrowID, HoldingSettled)
	if err != nil {
		return err
	}
	// Conservation: payouts plus fees must consume the holding exactly.
	if !buyerAmount.Add(sellerAmount).Add(feeAmount).Equal(held) {
		return ErrInsufficientFunds
	}

	if buyerAmount.Sign() > 0 {
		if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "buyer"), buyerID, TxDisputePayout, buyerAmount, currency, escrowID, eventRef, "dispute_payout"); err != nil {
			return err
		}
		if err := creditWallet(ctx, tx, buyerID, currency, buyerAmount); err != nil {
			return err
		}
	}
	if sellerAmount.Sign() > 0 {
		if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "seller"), sellerID, TxDisputePayout, sellerAmount, currency, escrowID, eventRef, "dispute_payout"); err != nil {
			return err
		}
		if err := creditWallet(ctx, tx, sellerID, currency, sellerAmount); err != nil {
			return err
		}
	}
	if feeAmount.Sign() > 0 {
		if err := insertTx(ctx, tx, TxID(escrowID, eventRef, "fee"), PlatformUserID, TxFee, feeAmount, currency, escrowID, eventRef, "settlement_fee"); err != nil {
			return err
		}
		if err := creditWallet(ctx, tx, PlatformUserID, currency, feeAmount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)
