// Package reconciliation replays the transaction journal against stored
// balances. The ledger writes balances and journal rows in one database
// transaction, so a mismatch means corruption or a bug, never normal
// operation. The sweep also flags holdings left open by escrows that
// finished, which is the residue a crash between settlement and status
// update would leave.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/ledger"
	"github.com/peertrade/settlement/internal/logging"
	"github.com/peertrade/settlement/internal/metrics"
)

// LedgerSource is the read surface the reconciler needs from the ledger.
type LedgerSource interface {
	ListWallets(ctx context.Context) ([]*ledger.Wallet, error)
	WalletTransactions(ctx context.Context, userID, currency string) ([]*ledger.Transaction, error)
	ListOpenHoldings(ctx context.Context) ([]*ledger.Holding, error)
}

// EscrowSource resolves an escrow for holding cross-checks.
type EscrowSource interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
}

// Result summarizes one reconciliation run.
type Result struct {
	WalletsChecked  int           `json:"walletsChecked"`
	WalletDrift     int           `json:"walletDrift"`
	HoldingsChecked int           `json:"holdingsChecked"`
	OrphanedHolds   int           `json:"orphanedHolds"`
	Duration        time.Duration `json:"duration"`
}

// Service runs reconciliation checks.
type Service struct {
	ledger  LedgerSource
	escrows EscrowSource

	// holdingGrace is how long an open holding may outlive its escrow's
	// terminal status before it is flagged. Covers the window between a
	// settler commit and the escrow status update.
	holdingGrace time.Duration
}

// NewService creates a reconciliation service.
func NewService(ledgerSrc LedgerSource, escrows EscrowSource) *Service {
	return &Service{
		ledger:       ledgerSrc,
		escrows:      escrows,
		holdingGrace: time.Minute,
	}
}

// Run executes all checks and records metrics.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{}

	if err := s.checkWallets(ctx, res); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := s.checkHoldings(ctx, res); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	res.Duration = time.Since(start)
	reconcileWalletDrift.Set(float64(res.WalletDrift))
	reconcileOrphanedHolds.Set(float64(res.OrphanedHolds))
	reconcileDuration.Observe(res.Duration.Seconds())

	logging.L(ctx).Info("reconciliation run complete",
		"wallets", res.WalletsChecked, "drift", res.WalletDrift,
		"holdings", res.HoldingsChecked, "orphaned", res.OrphanedHolds,
		"duration", res.Duration)
	return res, nil
}

// checkWallets replays each wallet's journal and compares the computed
// balance to the stored one.
func (s *Service) checkWallets(ctx context.Context, res *Result) error {
	wallets, err := s.ledger.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}

	for _, w := range wallets {
		res.WalletsChecked++
		txs, err := s.ledger.WalletTransactions(ctx, w.UserID, w.Currency)
		if err != nil {
			return fmt.Errorf("transactions for %s/%s: %w", w.UserID, w.Currency, err)
		}

		expected := Replay(txs)
		stored := w.Available.Add(w.Bonus).Add(w.Reserved)
		if !expected.Equal(stored) {
			res.WalletDrift++
			metrics.ReconciliationDriftTotal.Inc()
			logging.L(ctx).Error("wallet balance drift",
				"user", w.UserID, "currency", w.Currency,
				"stored", stored, "replayed", expected,
				"diff", stored.Sub(expected))
		}
	}
	return nil
}

// Replay computes the balance a wallet should hold given its journal.
// Returns the expected sum of available + bonus + reserved.
func Replay(txs []*ledger.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		switch tx.Type {
		case ledger.TxDeposit, ledger.TxEscrowReceive, ledger.TxEscrowRefund,
			ledger.TxDisputePayout, ledger.TxFee, ledger.TxBonus,
			ledger.TxOverpayCredit, ledger.TxUnderpayCredit:
			total = total.Add(tx.Amount)
		case ledger.TxWithdrawal:
			total = total.Sub(tx.Amount)
		case ledger.TxEscrowFund:
			// Only wallet-funded holdings debit the wallet; provider-funded
			// holdings record the leg without touching balances.
			if tx.Reference == "wallet" {
				total = total.Sub(tx.Amount)
			}
		case ledger.TxReserve, ledger.TxReserveRelease:
			// Moves between available and reserved; net zero for the sum.
		}
	}
	return total
}

// checkHoldings flags active holdings whose escrow has already reached a
// terminal state, past the grace window.
func (s *Service) checkHoldings(ctx context.Context, res *Result) error {
	holdings, err := s.ledger.ListOpenHoldings(ctx)
	if err != nil {
		return fmt.Errorf("list open holdings: %w", err)
	}

	cutoff := time.Now().Add(-s.holdingGrace)
	for _, h := range holdings {
		res.HoldingsChecked++
		if h.CreatedAt.After(cutoff) {
			continue
		}

		e, err := s.escrows.Get(ctx, h.EscrowID)
		if err != nil {
			res.OrphanedHolds++
			logging.L(ctx).Error("holding without escrow",
				"escrowId", h.EscrowID, "amount", h.Amount, "currency", h.Currency)
			continue
		}
		if e.IsTerminal() {
			res.OrphanedHolds++
			logging.L(ctx).Error("open holding on finished escrow",
				"escrowId", h.EscrowID, "escrowStatus", string(e.Status),
				"amount", h.Amount, "currency", h.Currency)
		}
	}
	return nil
}
