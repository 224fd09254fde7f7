// Package ledger tracks user wallets and escrow holdings.
//
// Flow:
//  1. A confirmed payment funds an escrow holding
//  2. Release moves the holding to the seller (minus fees)
//  3. Refund returns the holding to the buyer
//  4. Dispute settlement splits the holding between both parties
//
// Every balance mutation writes a transaction row in the same database
// transaction as the wallet update. Settlement transactions carry
// deterministic IDs derived from the escrow and the triggering event, so
// a replayed webhook collides on the primary key instead of moving money
// twice.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/pagination"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrHoldingNotFound      = errors.New("holding not found")
	ErrHoldingClosed        = errors.New("holding already closed")
	ErrDuplicateTransaction = errors.New("transaction already recorded")
	ErrNoReservation        = errors.New("no reservation for reference")
)

// Transaction types.
const (
	TxDeposit        = "deposit"
	TxWithdrawal     = "withdrawal"
	TxEscrowFund     = "escrow_fund"
	TxEscrowRelease  = "escrow_release"
	TxEscrowReceive  = "escrow_receive"
	TxEscrowRefund   = "escrow_refund"
	TxDisputePayout  = "dispute_payout"
	TxFee            = "fee"
	TxBonus          = "bonus"
	TxReserve        = "reserve"
	TxReserveRelease = "reserve_release"
	TxOverpayCredit  = "overpay_credit"
	TxUnderpayCredit = "underpay_credit"
)

// Holding statuses.
const (
	HoldingActive   = "active"
	HoldingReleased = "released"
	HoldingRefunded = "refunded"
	HoldingSettled  = "settled"
)

// PlatformUserID is the wallet that collects fees.
const PlatformUserID = "platform"

// Wallet is a user's balance in one currency.
type Wallet struct {
	UserID    string          `json:"userId"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"` // locked for wallet-funded trades
	Bonus     decimal.Decimal `json:"bonus"`    // promotional credit, spend-only
	TotalIn   decimal.Decimal `json:"totalIn"`
	TotalOut  decimal.Decimal `json:"totalOut"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	EscrowID    string          `json:"escrowId,omitempty"`
	Reference   string          `json:"reference,omitempty"` // webhook event ref, reservation ID, etc.
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Holding is money parked for one escrow. At most one per escrow.
type Holding struct {
	EscrowID  string          `json:"escrowId"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	ClosedAt  *time.Time      `json:"closedAt,omitempty"`
}

// TxID derives a deterministic transaction ID from an escrow, the event
// that triggered the movement, and the leg (buyer/seller/fee). Replays
// produce the same ID and are rejected by the store.
func TxID(escrowID, eventRef, leg string) string {
	h := sha256.Sum256([]byte(escrowID + "|" + eventRef + "|" + leg))
	return "tx_" + hex.EncodeToString(h[:12])
}

// Store persists wallets, transactions and holdings.
type Store interface {
	GetWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	GetHolding(ctx context.Context, escrowID string) (*Holding, error)
	// GetHistory returns up to limit transactions newest first, starting
	// strictly after the cursor position when one is given.
	GetHistory(ctx context.Context, userID, currency string, before *pagination.Cursor, limit int) ([]*Transaction, error)

	// Credit adds to available. A txID of "" generates a random one.
	Credit(ctx context.Context, txID, userID, currency string, amount decimal.Decimal, txType, reference, description string) error
	// Debit removes from available. Bonus balance is not debitable here.
	Debit(ctx context.Context, txID, userID, currency string, amount decimal.Decimal, txType, reference, description string) error
	// CreditBonus grants promotional credit.
	CreditBonus(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error

	// Reserve locks funds toward a wallet-funded trade, moving them from
	// available into reserved. Bonus credit stays in place until the trade
	// funds, so only the remainder is locked. Idempotent per ref.
	Reserve(ctx context.Context, ref, userID, currency string, amount decimal.Decimal) error
	// ReleaseReservation returns funds locked under ref to available. A
	// reservation already consumed by funding reports ErrNoReservation.
	ReleaseReservation(ctx context.Context, ref, userID, currency string) error
	// TransactionExists reports whether a transaction ID is recorded.
	TransactionExists(ctx context.Context, txID string) (bool, error)

	// FundHolding opens the escrow holding from an external payment and
	// credits any overpayment surplus back to the payer.
	FundHolding(ctx context.Context, escrowID, payerID, currency string, held, surplus decimal.Decimal, eventRef string) error
	// FundHoldingFromWallet opens the holding by spending the payer's
	// bonus, then funds reserved for this trade, then available balance.
	FundHoldingFromWallet(ctx context.Context, escrowID, payerID, currency string, held decimal.Decimal) error
	// ReleaseHolding pays the seller and collects fees, closing the holding.
	ReleaseHolding(ctx context.Context, escrowID, sellerID string, sellerAmount, feeAmount decimal.Decimal, eventRef string) error
	// RefundHolding returns the full held amount to the buyer.
	RefundHolding(ctx context.Context, escrowID, buyerID, eventRef string) error
	// SettleHolding splits the holding between buyer and seller and
	// collects fees. buyerAmount + sellerAmount + feeAmount must equal
	// the held amount.
	SettleHolding(ctx context.Context, escrowID, buyerID, sellerID string, buyerAmount, sellerAmount, feeAmount decimal.Decimal, eventRef string) error
}

// Service wraps a Store with validation.
type Service struct {
	store Store
}

// NewService creates a ledger service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetWallet returns a user's wallet, zero-valued if never touched.
func (s *Service) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID, currency)
}

// GetHolding returns the holding for an escrow.
func (s *Service) GetHolding(ctx context.Context, escrowID string) (*Holding, error) {
	return s.store.GetHolding(ctx, escrowID)
}

// GetHistory returns one page of transactions, newest first. cursor is
// the opaque position from a previous page, or "" for the first page.
// The returned cursor is "" on the last page.
func (s *Service) GetHistory(ctx context.Context, userID, currency, cursor string, limit int) ([]*Transaction, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	// Fetch one extra row to learn whether another page exists.
	txs, err := s.store.GetHistory(ctx, userID, currency, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// Deposit credits a user's available balance.
func (s *Service) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	if amount.Sign() <= 0 {
		return ErrInsufficientFunds
	}
	return s.store.Credit(ctx, "", userID, currency, amount, TxDeposit, reference, "deposit")
}

// Withdraw debits a user's available balance. Bonus credit cannot be
// withdrawn.
func (s *Service) Withdraw(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	if amount.Sign() <= 0 {
		return ErrInsufficientFunds
	}
	return s.store.Debit(ctx, "", userID, currency, amount, TxWithdrawal, reference, "withdrawal")
}

// GrantBonus credits promotional balance. Bonus is spendable on trades
// but never withdrawable.
func (s *Service) GrantBonus(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	if amount.Sign() <= 0 {
		return ErrInsufficientFunds
	}
	return s.store.CreditBonus(ctx, userID, currency, amount, reference)
}

// Reserve locks funds toward a wallet-funded trade. ref ties the
// reservation to the trade and makes the operation idempotent.
func (s *Service) Reserve(ctx context.Context, userID, currency string, amount decimal.Decimal, ref string) error {
	if amount.Sign() <= 0 {
		return ErrInsufficientFunds
	}
	if ref == "" {
		return ErrNoReservation
	}
	return s.store.Reserve(ctx, ref, userID, currency, amount)
}

// ReleaseReservation returns funds locked under ref to the available
// balance.
func (s *Service) ReleaseReservation(ctx context.Context, userID, currency, ref string) error {
	if ref == "" {
		return ErrNoReservation
	}
	return s.store.ReleaseReservation(ctx, ref, userID, currency)
}
