package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/testutil"
)

func TestPostgresWalletMovements(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Credit(ctx, "", "u_pg1", "USD", d("100"), TxDeposit, "wire_1", "deposit"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := store.Debit(ctx, "", "u_pg1", "USD", d("30"), TxWithdrawal, "payout_1", "withdrawal"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	w, err := store.GetWallet(ctx, "u_pg1", "USD")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.Available.Equal(d("70")) {
		t.Errorf("available = %s, want 70", w.Available)
	}
	if !w.TotalIn.Equal(d("100")) || !w.TotalOut.Equal(d("30")) {
		t.Errorf("totals = in %s out %s, want 100/30", w.TotalIn, w.TotalOut)
	}

	if err := store.Debit(ctx, "", "u_pg1", "USD", d("1000"), TxWithdrawal, "payout_2", ""); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("overdraft = %v, want ErrInsufficientFunds", err)
	}
	if err := store.Debit(ctx, "", "u_missing", "USD", d("1"), TxWithdrawal, "", ""); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("missing wallet = %v, want ErrWalletNotFound", err)
	}
}

func TestPostgresDuplicateTransactionID(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	txID := TxID("esc_pg1", "bankwire:evt_1", "credit")
	if err := store.Credit(ctx, txID, "u_pg2", "USD", d("50"), TxDeposit, "evt_1", ""); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if err := store.Credit(ctx, txID, "u_pg2", "USD", d("50"), TxDeposit, "evt_1", ""); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("replayed credit = %v, want ErrDuplicateTransaction", err)
	}

	w, err := store.GetWallet(ctx, "u_pg2", "USD")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.Available.Equal(d("50")) {
		t.Errorf("available = %s, want 50 (replay must not double-credit)", w.Available)
	}
}

func TestPostgresHoldingLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	// Overpaid funding: 110 held, 5 surplus back to the buyer.
	if err := store.FundHolding(ctx, "esc_pg2", "u_buyer", "USD", d("110"), d("5"), "bankwire:evt_2"); err != nil {
		t.Fatalf("FundHolding: %v", err)
	}

	h, err := store.GetHolding(ctx, "esc_pg2")
	if err != nil {
		t.Fatalf("GetHolding: %v", err)
	}
	if h.Status != HoldingActive || !h.Amount.Equal(d("110")) {
		t.Fatalf("holding = %s %s, want active 110", h.Status, h.Amount)
	}

	buyer, err := store.GetWallet(ctx, "u_buyer", "USD")
	if err != nil {
		t.Fatalf("GetWallet buyer: %v", err)
	}
	if !buyer.Available.Equal(d("5")) {
		t.Errorf("surplus credit = %s, want 5", buyer.Available)
	}

	if err := store.ReleaseHolding(ctx, "esc_pg2", "u_seller", d("100"), d("10"), "release"); err != nil {
		t.Fatalf("ReleaseHolding: %v", err)
	}

	// A second release is crash recovery, not a double payout.
	err = store.ReleaseHolding(ctx, "esc_pg2", "u_seller", d("100"), d("10"), "release")
	if !errors.Is(err, ErrHoldingClosed) && !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("repeat release = %v, want closed or duplicate", err)
	}

	seller, err := store.GetWallet(ctx, "u_seller", "USD")
	if err != nil {
		t.Fatalf("GetWallet seller: %v", err)
	}
	if !seller.Available.Equal(d("100")) {
		t.Errorf("seller payout = %s, want 100", seller.Available)
	}

	platform, err := store.GetWallet(ctx, PlatformUserID, "USD")
	if err != nil {
		t.Fatalf("GetWallet platform: %v", err)
	}
	if !platform.Available.Equal(d("10")) {
		t.Errorf("fee collected = %s, want 10", platform.Available)
	}
}

func TestPostgresSettleHoldingConservation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.FundHolding(ctx, "esc_pg3", "u_b", "USD", d("110"), decimal.Zero, "evt_3"); err != nil {
		t.Fatalf("FundHolding: %v", err)
	}

	// Payouts must sum to the held amount.
	err := store.SettleHolding(ctx, "esc_pg3", "u_b", "u_s", d("80"), d("80"), decimal.Zero, "dispute:esc_pg3")
	if err == nil {
		t.Fatal("expected conservation failure when payouts exceed holding")
	}

	if err := store.SettleHolding(ctx, "esc_pg3", "u_b", "u_s", d("66"), d("44"), decimal.Zero, "dispute:esc_pg3"); err != nil {
		t.Fatalf("SettleHolding: %v", err)
	}

	b, _ := store.GetWallet(ctx, "u_b", "USD")
	s, _ := store.GetWallet(ctx, "u_s", "USD")
	if !b.Available.Equal(d("66")) || !s.Available.Equal(d("44")) {
		t.Errorf("split = buyer %s seller %s, want 66/44", b.Available, s.Available)
	}
}

func TestPostgresFundFromWalletSpendsBonusFirst(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Credit(ctx, "", "u_pg4", "USD", d("100"), TxDeposit, "", ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := store.CreditBonus(ctx, "u_pg4", "USD", d("20"), "promo_1"); err != nil {
		t.Fatalf("CreditBonus: %v", err)
	}

	if err := store.FundHoldingFromWallet(ctx, "esc_pg4", "u_pg4", "USD", d("50")); err != nil {
		t.Fatalf("FundHoldingFromWallet: %v", err)
	}

	w, err := store.GetWallet(ctx, "u_pg4", "USD")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.Bonus.Equal(decimal.Zero) {
		t.Errorf("bonus = %s, want 0 (spent first)", w.Bonus)
	}
	if !w.Available.Equal(d("70")) {
		t.Errorf("available = %s, want 70 (50 total, 20 from bonus)", w.Available)
	}
}

func TestPostgresReserveLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	if err := store.Credit(ctx, "", "u_pg6", "USD", d("100"), TxDeposit, "", ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := store.CreditBonus(ctx, "u_pg6", "USD", d("20"), "promo_1"); err != nil {
		t.Fatalf("CreditBonus: %v", err)
	}

	if err := store.Reserve(ctx, "esc_pg6", "u_pg6", "USD", d("110")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	w, err := store.GetWallet(ctx, "u_pg6", "USD")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.Available.Equal(d("10")) || !w.Reserved.Equal(d("90")) || !w.Bonus.Equal(d("20")) {
		t.Errorf("after reserve: available=%s reserved=%s bonus=%s, want 10/90/20",
			w.Available, w.Reserved, w.Bonus)
	}

	if err := store.Reserve(ctx, "esc_pg6", "u_pg6", "USD", d("110")); !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("repeated reserve = %v, want ErrDuplicateTransaction", err)
	}
	if err := store.Reserve(ctx, "esc_pg7", "u_pg6", "USD", d("500")); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("over-reserve = %v, want ErrInsufficientFunds", err)
	}

	// Funding consumes the reservation and the bonus.
	if err := store.FundHoldingFromWallet(ctx, "esc_pg6", "u_pg6", "USD", d("110")); err != nil {
		t.Fatalf("FundHoldingFromWallet: %v", err)
	}
	w, _ = store.GetWallet(ctx, "u_pg6", "USD")
	if !w.Available.Equal(d("10")) || !w.Reserved.IsZero() || !w.Bonus.IsZero() {
		t.Errorf("after funding: available=%s reserved=%s bonus=%s, want 10/0/0",
			w.Available, w.Reserved, w.Bonus)
	}
	if err := store.ReleaseReservation(ctx, "esc_pg6", "u_pg6", "USD"); !errors.Is(err, ErrNoReservation) {
		t.Errorf("release after funding = %v, want ErrNoReservation", err)
	}

	// An abandoned reservation comes back in full.
	if err := store.Reserve(ctx, "esc_pg8", "u_pg6", "USD", d("10")); err != nil {
		t.Fatalf("Reserve esc_pg8: %v", err)
	}
	if err := store.ReleaseReservation(ctx, "esc_pg8", "u_pg6", "USD"); err != nil {
		t.Fatalf("ReleaseReservation: %v", err)
	}
	w, _ = store.GetWallet(ctx, "u_pg6", "USD")
	if !w.Available.Equal(d("10")) || !w.Reserved.IsZero() {
		t.Errorf("after release: available=%s reserved=%s, want 10/0", w.Available, w.Reserved)
	}
	if err := store.ReleaseReservation(ctx, "esc_pg8", "u_pg6", "USD"); !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("double release = %v, want ErrDuplicateTransaction", err)
	}
	if err := store.ReleaseReservation(ctx, "esc_never", "u_pg6", "USD"); !errors.Is(err, ErrNoReservation) {
		t.Errorf("unknown reference = %v, want ErrNoReservation", err)
	}
}

func TestIsCheckViolation(t *testing.T) {
	if !isCheckViolation(&pq.Error{Code: "23514"}) {
		t.Error("CHECK violation not classified")
	}
	if !isCheckViolation(fmt.Errorf("debit wallet: %w", &pq.Error{Code: "23514"})) {
		t.Error("wrapped CHECK violation not classified")
	}
	if isCheckViolation(&pq.Error{Code: "23505"}) {
		t.Error("unique violation misclassified as CHECK")
	}
	if isCheckViolation(errors.New("connection reset")) {
		t.Error("plain error misclassified as CHECK")
	}
}

func TestPostgresHistoryPagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := NewService(NewPostgresStore(db))

	for _, ref := range []string{"a", "b", "c", "d", "e"} {
		if err := svc.Deposit(ctx, "u_pg5", "USD", d("10"), ref); err != nil {
			t.Fatalf("Deposit %s: %v", ref, err)
		}
	}

	var seen []string
	cursor := ""
	for page := 0; page < 4; page++ {
		txs, next, err := svc.GetHistory(ctx, "u_pg5", "USD", cursor, 2)
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		for _, tx := range txs {
			seen = append(seen, tx.Reference)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if len(seen) != 5 {
		t.Fatalf("paged through %d rows, want 5: %v", len(seen), seen)
	}
	if seen[0] != "e" || seen[4] != "a" {
		t.Errorf("order = %v, want newest first e..a", seen)
	}
}
