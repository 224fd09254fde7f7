package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
//
// Individual operations are atomic under the store mutex. Multi-step
// escrow flows rely on the caller holding the per-escrow lock, which the
// escrow service always does.
type MemoryStore struct {
	wallets  map[string]*Wallet // key: userID + "/" + currency
	holdings map[string]*Holding
	txs      []*Transaction
	txByID   map[string]*Transaction
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		holdings: make(map[string]*Holding),
		txByID:   make(map[string]*Transaction),
	}
}

func walletKey(userID, currency string) string { return userID + "/" + currency }

func (m *MemoryStore) wallet(userID, currency string) *Wallet {
	key := walletKey(userID, currency)
	w, ok := m.wallets[key]
	if !ok {
		w = &Wallet{UserID: userID, Currency: currency, UpdatedAt: time.Now()}
		m.wallets[key] = w
	}
	return w
}

// record appends a transaction, enforcing ID uniqueness.
func (m *MemoryStore) record(txID, userID, txType string, amount decimal.Decimal, currency, escrowID, reference, description string) error {
	if txID == "" {
		txID = idgen.WithPrefix("tx_")
	}
	if _, ok := m.txByID[txID]; ok {
		return ErrDuplicateTransaction
	}
	t := &Transaction{
		ID:          txID,
		UserID:      userID,
		Type:        txType,
		Amount:      amount,
		Currency:    currency,
		EscrowID:    escrowID,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	}
	m.txByID[txID] = t
	m.txs = append(m.txs, t)
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[walletKey(userID, currency)]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{UserID: userID, Currency: currency, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) GetHolding(ctx context.Context, escrowID string) (*Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.holdings[escrowID]
	if !ok {
		return nil, ErrHoldingNotFound
	}
	cp := *h
	return &cp, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID, currency string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txs) - 1; i >= 0 && len(result) < limit; i-- {
		tx := m.txs[i]
		if tx.UserID != userID || tx.Currency != currency {
			continue
		}
		if before != nil {
			// Rows at the cursor position or newer belong to earlier pages.
			if tx.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if tx.CreatedAt.Equal(before.CreatedAt) && tx.ID >= before.ID {
				continue
			}
		}
		result = append(result, tx)
	}
	return result, nil
}

// ListWallets returns every wallet. Used by reconciliation.
func (m *MemoryStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

// WalletTransactions returns a wallet's full history, oldest first.
func (m *MemoryStore) WalletTransactions(ctx context.Context, userID, currency string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID && tx.Currency == currency {
			out = append(out, tx)
		}
	}
	return out, nil
}

// ListOpenHoldings returns holdings still in the active state.
func (m *MemoryStore) ListOpenHoldings(ctx context.Context) ([]*Holding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Holding
	for _, h := range m.holdings {
		if h.Status == HoldingActive {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Credit(ctx context.Context, txID, userID, currency string, amount decimal.Decimal, txType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record(txID, userID, txType, amount, currency, "", reference, description); err != nil {
		return err
	}
	w := m.wallet(userID, currency)
	w.Available = w.Available.Add(amount)
	w.TotalIn = w.TotalIn.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, txID, userID, currency string, amount decimal.Decimal, txType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletKey(userID, currency)]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	if err := m.record(txID, userID, txType, amount, currency, "", reference, description); err != nil {
		return err
	}
	w.Available = w.Available.Sub(amount)
	w.TotalOut = w.TotalOut.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreditBonus(ctx context.Context, userID, currency string, amount decimal.Decimal, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("", userID, TxBonus, amount, currency, "", reference, "bonus_credit"); err != nil {
		return err
	}
	w := m.wallet(userID, currency)
	w.Bonus = w.Bonus.Add(amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FundHolding(ctx context.Context, escrowID, payerID, currency string, held, surplus decimal.Decimal, eventRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.holdings[escrowID]; exists {
		return ErrDuplicateTransaction
	}
	if err := m.record(TxID(escrowID, eventRef, "fund"), payerID, TxEscrowFund, held, currency, escrowID, eventRef, "payment_received"); err != nil {
		return err
	}
	m.holdings[escrowID] = &Holding{
		EscrowID:  escrowID,
		Currency:  currency,
		Amount:    held,
		Status:    HoldingActive,
		CreatedAt: time.Now(),
	}
	if surplus.Sign() > 0 {
		// record can only fail on duplicate ID; the fund leg above already
		// proved this eventRef is fresh
		m.record(TxID(escrowID, eventRef, "surplus"), payerID, TxOverpayCredit, surplus, currency, escrowID, eventRef, "overpayment_returned")
		w := m.wallet(payerID, currency)
		w.Available = w.Available.Add(surplus)
		w.TotalIn = w.TotalIn.Add(surplus)
		w.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, ref, userID, currency string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletKey(userID, currency)]
	if !ok {
		return ErrInsufficientFunds
	}
	if w.Bonus.Add(w.Available).LessThan(amount) {
		return ErrInsufficientFunds
	}

	// Bonus stays in place until the trade funds; only the remainder is
	// locked out of available.
	lock := decimal.Max(amount.Sub(w.Bonus), decimal.Zero)
	if err := m.record(TxID(ref, "wallet", "reserve"), userID, TxReserve, lock, currency, ref, "wallet", "funds_reserved"); err != nil {
		return err
	}
	w.Available = w.Available.Sub(lock)
	w.Reserved = w.Reserved.Add(lock)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReleaseReservation(ctx context.Context, ref, userID, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.txByID[TxID(ref, "wallet", "reserve")]
	if !ok {
		return ErrNoReservation
	}
	// A reservation consumed by funding has nothing left to return.
	if _, funded := m.txByID[TxID(ref, "wallet", "fund")]; funded {
		return ErrNoReservation
	}
	if err := m.record(TxID(ref, "wallet", "reserve_release"), userID, TxReserveRelease, res.Amount, currency, ref, "wallet", "reservation_released"); err != nil {
		return err
	}
	w := m.wallet(userID, currency)
	w.Reserved = w.Reserved.Sub(res.Amount)
	w.Available = w.Available.Add(res.Amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TransactionExists(ctx context.Context, txID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.txByID[txID]
	return ok, nil
}

func (m *MemoryStore) FundHoldingFromWallet(ctx context.Context, escrowID, payerID, currency string, held decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.holdings[escrowID]; exists {
		return ErrDuplicateTransaction
	}
	w, ok := m.wallets[walletKey(payerID, currency)]
	if !ok {
		return ErrInsufficientFunds
	}

	// Spend order: bonus first, then funds reserved for this trade, then
	// available.
	var reservedHere decimal.Decimal
	if res, ok := m.txByID[TxID(escrowID, "wallet", "reserve")]; ok {
		if _, released := m.txByID[TxID(escrowID, "wallet", "reserve_release")]; !released {
			reservedHere = decimal.Min(res.Amount, w.Reserved)
		}
	}
	fromBonus := decimal.Min(w.Bonus, held)
	rest := held.Sub(fromBonus)
	fromReserved := decimal.Min(reservedHere, rest)
	fromAvailable := rest.Sub(fromReserved)
	if w.Available.LessThan(fromAvailable) {
		return ErrInsufficientFunds
	}
	if err := m.record(TxID(escrowID, "wallet", "fund"), payerID, TxEscrowFund, held, currency, escrowID, "wallet", "funded_from_wallet"); err != nil {
		return err
	}

	w.Bonus = w.Bonus.Sub(fromBonus)
	w.Reserved = w.Reserved.Sub(fromReserved)
	w.Available = w.Available.Sub(fromAvailable)
	w.TotalOut = w.TotalOut.Add(held)
	w.UpdatedAt = time.Now()

	m.holdings[escrowID] = &Holding{
		EscrowID:  escrowID,
		Currency:  currency,
		Amount:    held,
		Status:    HoldingActive,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) closeHolding(escrowID, status string) (*Holding, error) {
	h, ok := m.holdings[escrowID]
	if !ok {
		return nil, ErrHoldingNotFound
	}
	if h.Status != HoldingActive {
		return nil, ErrHoldingClosed
	}
	h.Status = status
	now := time.Now()
	h.ClosedAt = &now
	return h, nil
}

func (m *MemoryStore) ReleaseHolding(ctx context.Context, escrowID, sellerID string, sellerAmount, feeAmount decimal.Decimal, eventRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.closeHolding(escrowID, HoldingReleased)
	if err != nil {
		return err
	}
	m.record(TxID(escrowID, eventRef, "seller"), sellerID, TxEscrowReceive, sellerAmount, h.Currency, escrowID, eventRef, "escrow_released")
	sw := m.wallet(sellerID, h.Currency)
	sw.Available = sw.Available.Add(sellerAmount)
	sw.TotalIn = sw.TotalIn.Add(sellerAmount)
	sw.UpdatedAt = time.Now()

	if feeAmount.Sign() > 0 {
		m.record(TxID(escrowID, eventRef, "fee"), PlatformUserID, TxFee, feeAmount, h.Currency, escrowID, eventRef, "settlement_fee")
		pw := m.wallet(PlatformUserID, h.Currency)
		pw.Available = pw.Available.Add(feeAmount)
		pw.TotalIn = pw.TotalIn.Add(feeAmount)
		pw.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) RefundHolding(ctx context.Context, escrowID, buyerID, eventRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.closeHolding(escrowID, HoldingRefunded)
	if err != nil {
		return err
	}
	m.record(TxID(escrowID, eventRef, "refund"), buyerID, TxEscrowRefund, h.Amount, h.Currency, escrowID, eventRef, "escrow_refunded")
	w := m.wallet(buyerID, h.Currency)
	w.Available = w.Available.Add(h.Amount)
	w.TotalIn = w.TotalIn.Add(h.Amount)
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SettleHolding(ctx context.Context, escrowID, buyerID, sellerID string, buyerAmount, sellerAmount, feeAmount decimal.Decimal, eventRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holdings[escrowID]
	if !ok {
		return ErrHoldingNotFound
	}
	if h.Status != HoldingActive {
		return ErrHoldingClosed
	}
	if !buyerAmount.Add(sellerAmount).Add(feeAmount).Equal(h.Amount) {
		return ErrInsufficientFunds
	}
	h.Status = HoldingSettled
	now := time.Now()
	h.ClosedAt = &now

	if buyerAmount.Sign() > 0 {
		m.record(TxID(escrowID, eventRef, "buyer"), buyerID, TxDisputePayout, buyerAmount, h.Currency, escrowID, eventRef, "dispute_payout")
		w := m.wallet(buyerID, h.Currency)
		w.Available = w.Available.Add(buyerAmount)
		w.TotalIn = w.TotalIn.Add(buyerAmount)
		w.UpdatedAt = now
	}
	if sellerAmount.Sign() > 0 {
		m.record(TxID(escrowID, eventRef, "seller"), sellerID, TxDisputePayout, sellerAmount, h.Currency, escrowID, eventRef, "dispute_payout")
		w := m.wallet(sellerID, h.Currency)
		w.Available = w.Available.Add(sellerAmount)
		w.TotalIn = w.TotalIn.Add(sellerAmount)
		w.UpdatedAt = now
	}
	if feeAmount.Sign() > 0 {
		m.record(TxID(escrowID, eventRef, "fee"), PlatformUserID, TxFee, feeAmount, h.Currency, escrowID, eventRef, "settlement_fee")
		w := m.wallet(PlatformUserID, h.Currency)
		w.Available = w.Available.Add(feeAmount)
		w.TotalIn = w.TotalIn.Add(feeAmount)
		w.UpdatedAt = now
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
