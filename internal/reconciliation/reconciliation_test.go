package reconciliation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/escrow"
	"github.com/peertrade/settlement/internal/ledger"
)

type mockEscrows struct {
	escrows map[string]*escrow.Escrow
}

func (m *mockEscrows) Get(_ context.Context, id string) (*escrow.Escrow, error) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	return e, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRunCleanLedgerHasNoDrift(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()

	// Walk a wallet through a full trade so every journal type appears.
	if err := store.Credit(ctx, "", "buyer", "USD", d("100"), ledger.TxDeposit, "dep_1", "deposit"); err != nil {
		t.Fatal(err)
	}
	if err := store.Debit(ctx, "", "buyer", "USD", d("10"), ledger.TxWithdrawal, "wd_1", "withdrawal"); err != nil {
		t.Fatal(err)
	}
	if err := store.CreditBonus(ctx, "buyer", "USD", d("5"), "promo"); err != nil {
		t.Fatal(err)
	}
	if err := store.FundHoldingFromWallet(ctx, "esc_1", "buyer", "USD", d("30")); err != nil {
		t.Fatal(err)
	}
	if err := store.ReleaseHolding(ctx, "esc_1", "seller", d("25"), d("5"), "release"); err != nil {
		t.Fatal(err)
	}
	// Provider-funded holding: the fund leg must not count against the wallet.
	if err := store.FundHolding(ctx, "esc_2", "buyer", "USD", d("30"), d("2"), "bankwire:evt_1"); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, &mockEscrows{escrows: map[string]*escrow.Escrow{
		"esc_2": {ID: "esc_2", Status: escrow.StatusActive},
	}})
	res, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WalletDrift != 0 {
		t.Errorf("drift = %d, want 0", res.WalletDrift)
	}
	if res.WalletsChecked < 3 {
		t.Errorf("walletsChecked = %d, want >= 3", res.WalletsChecked)
	}
	if res.OrphanedHolds != 0 {
		t.Errorf("orphanedHolds = %d, want 0", res.OrphanedHolds)
	}
}

type driftedSource struct {
	*ledger.MemoryStore
}

func (s *driftedSource) ListWallets(ctx context.Context) ([]*ledger.Wallet, error) {
	wallets, err := s.MemoryStore.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		if w.UserID == "mallory" {
			w.Available = w.Available.Add(d("1000"))
		}
	}
	return wallets, nil
}

func TestRunDetectsWalletDrift(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	if err := store.Credit(ctx, "", "mallory", "USD", d("10"), ledger.TxDeposit, "dep_1", "deposit"); err != nil {
		t.Fatal(err)
	}
	if err := store.Credit(ctx, "", "alice", "USD", d("10"), ledger.TxDeposit, "dep_2", "deposit"); err != nil {
		t.Fatal(err)
	}

	svc := NewService(&driftedSource{store}, &mockEscrows{})
	res, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.WalletDrift != 1 {
		t.Errorf("drift = %d, want 1", res.WalletDrift)
	}
}

func TestRunFlagsHoldingOnFinishedEscrow(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	if err := store.FundHolding(ctx, "esc_1", "buyer", "USD", d("30"), decimal.Zero, "bankwire:evt_1"); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, &mockEscrows{escrows: map[string]*escrow.Escrow{
		"esc_1": {ID: "esc_1", Status: escrow.StatusCompleted},
	}})
	svc.holdingGrace = 0

	res, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OrphanedHolds != 1 {
		t.Errorf("orphanedHolds = %d, want 1", res.OrphanedHolds)
	}
}

func TestRunFlagsHoldingWithoutEscrow(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	if err := store.FundHolding(ctx, "esc_gone", "buyer", "USD", d("30"), decimal.Zero, "bankwire:evt_1"); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, &mockEscrows{})
	svc.holdingGrace = 0

	res, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OrphanedHolds != 1 {
		t.Errorf("orphanedHolds = %d, want 1", res.OrphanedHolds)
	}
}

func TestRunSkipsHoldingsInsideGrace(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	if err := store.FundHolding(ctx, "esc_1", "buyer", "USD", d("30"), decimal.Zero, "bankwire:evt_1"); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, &mockEscrows{escrows: map[string]*escrow.Escrow{
		"esc_1": {ID: "esc_1", Status: escrow.StatusCompleted},
	}})
	svc.holdingGrace = time.Hour

	res, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.OrphanedHolds != 0 {
		t.Errorf("orphanedHolds = %d, want 0 inside grace window", res.OrphanedHolds)
	}
}

func TestReplayClassifiesLegs(t *testing.T) {
	txs := []*ledger.Transaction{
		{Type: ledger.TxDeposit, Amount: d("100")},
		{Type: ledger.TxWithdrawal, Amount: d("20")},
		{Type: ledger.TxBonus, Amount: d("5")},
		{Type: ledger.TxEscrowFund, Amount: d("30"), Reference: "wallet"},
		{Type: ledger.TxEscrowFund, Amount: d("40"), Reference: "bankwire:evt_1"},
		{Type: ledger.TxEscrowRefund, Amount: d("30")},
		{Type: ledger.TxOverpayCredit, Amount: d("2")},
	}
	// 100 - 20 + 5 - 30 + 30 + 2 = 87; provider-funded leg is neutral.
	if got := Replay(txs); !got.Equal(d("87")) {
		t.Errorf("Replay = %s, want 87", got)
	}
}
