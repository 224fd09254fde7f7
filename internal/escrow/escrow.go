// Package escrow owns the trade lifecycle.
//
// Flow:
//  1. Buyer and seller agree on a trade → escrow created
//  2. Counterpart accepts → awaiting funding
//  3. A payment webhook (or a wallet debit) confirms funding → holding opened
//  4. Seller activates, delivers; buyer releases → holding paid out
//  5. Either party may dispute; an arbitrator splits the holding
//
// All mutating operations on one escrow serialize through a per-escrow
// lock, so a user release and the auto-release sweep can race without
// paying the seller twice. The money side runs through a Settler whose
// operations are idempotent; when a settler reports the holding already
// closed for the movement we were about to make, the status update is
// completed instead of failing, which makes crash recovery a retry.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/fees"
	"github.com/peertrade/settlement/internal/idgen"
	"github.com/peertrade/settlement/internal/locker"
	"github.com/peertrade/settlement/internal/logging"
	"github.com/peertrade/settlement/internal/metrics"
	"github.com/peertrade/settlement/internal/money"
	"github.com/peertrade/settlement/internal/trust"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidTransition = errors.New("invalid escrow status for this operation")
	ErrTerminalState     = errors.New("escrow is in a terminal state")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrBusy              = errors.New("escrow is busy, retry later")
	ErrUnderpaid         = errors.New("payment below expected amount")
	ErrCurrencyMismatch  = errors.New("payment currency does not match escrow")
	// ErrEventAlreadyApplied marks a redelivered funding event whose
	// money already moved; the caller can acknowledge it safely.
	ErrEventAlreadyApplied = errors.New("payment event already applied")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrDisputeResolved     = errors.New("dispute already resolved")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated          Status = "created"           // agreed, not yet accepted
	StatusPaymentPending   Status = "payment_pending"   // accepted, awaiting funding
	StatusPaymentConfirmed Status = "payment_confirmed" // holding opened
	StatusActive           Status = "active"            // seller working, delivery clock running
	StatusDelivered        Status = "delivered"         // awaiting buyer release
	StatusDisputed         Status = "disputed"          // frozen until arbitration
	StatusCompleted        Status = "completed"         // terminal
	StatusCancelled        Status = "cancelled"         // terminal, no funds moved
	StatusRefunded         Status = "refunded"          // terminal, holding returned to buyer
)

// Escrow represents one trade agreement.
type Escrow struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyerId"`
	SellerID  string          `json:"sellerId"`
	Principal decimal.Decimal `json:"principal"`
	Currency  string          `json:"currency"`
	Status    Status          `json:"status"`

	// Fee terms frozen at creation. Later tier or config changes never
	// reprice an in-flight trade.
	Snapshot  fees.Snapshot   `json:"pricingSnapshot"`
	FeeBuyer  decimal.Decimal `json:"feeBuyer"`
	FeeSeller decimal.Decimal `json:"feeSeller"`
	// TotalDue = Principal + FeeBuyer. PaidAmount is what actually
	// landed in the holding.
	TotalDue   decimal.Decimal `json:"totalDue"`
	PaidAmount decimal.Decimal `json:"paidAmount"`

	PaymentDeadline  *time.Time `json:"paymentDeadline,omitempty"`
	DeliveryDeadline *time.Time `json:"deliveryDeadline,omitempty"`
	AutoReleaseAt    *time.Time `json:"autoReleaseAt,omitempty"`

	AcceptedAt         *time.Time `json:"acceptedAt,omitempty"`
	PaymentConfirmedAt *time.Time `json:"paymentConfirmedAt,omitempty"`
	ActivatedAt        *time.Time `json:"activatedAt,omitempty"`
	DeliveredAt        *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`

	Resolution string    `json:"resolution,omitempty"` // how a terminal state was reached
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Dispute is an escalation on an active or delivered escrow.
type Dispute struct {
	ID         string     `json:"id"`
	EscrowID   string     `json:"escrowId"`
	OpenedBy   string     `json:"openedBy"`
	Respondent string     `json:"respondent"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`               // open, resolved
	Resolution string     `json:"resolution,omitempty"` // release, refund, split
	BuyerPct   int        `json:"buyerPct"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists escrow and dispute data.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// ListDue returns escrows in the given status whose deadline for that
	// status (payment, delivery, or auto-release) passed before the cutoff.
	ListDue(ctx context.Context, status Status, before time.Time, limit int) ([]*Escrow, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, escrowID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}

// Settler abstracts ledger operations so escrow doesn't import ledger.
// Implementations must be idempotent per (escrow, event) pair.
type Settler interface {
	FundHolding(ctx context.Context, escrowID, payerID, currency string, held, surplus decimal.Decimal, eventRef string) error
	Reserve(ctx context.Context, escrowID, payerID, currency string, amount decimal.Decimal) error
	ReleaseReservation(ctx context.Context, escrowID, payerID, currency string) error
	FundHoldingFromWallet(ctx context.Context, escrowID, payerID, currency string, held decimal.Decimal) error
	TransactionExists(ctx context.Context, txID string) (bool, error)
	ReleaseHolding(ctx context.Context, escrowID, sellerID string, sellerAmount, feeAmount decimal.Decimal, eventRef string) error
	RefundHolding(ctx context.Context, escrowID, buyerID, eventRef string) error
	SettleHolding(ctx context.Context, escrowID, buyerID, sellerID string, buyerAmount, sellerAmount, feeAmount decimal.Decimal, eventRef string) error
	Credit(ctx context.Context, txID, userID, currency string, amount decimal.Decimal, txType, reference, description string) error
}

// Notifier delivers best-effort trade notifications. Failures never roll
// back a ledger mutation.
type Notifier interface {
	Notify(userID, event string, payload map[string]any)
}

// Config tunes the state machine's windows and tolerances.
type Config struct {
	FeeRateBPS           int
	FeeFloor             string
	UnderpayToleranceBPS int
	PaymentWindow        time.Duration
	DeliveryHours        int
	AutoReleaseHours     int
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	settler  Settler
	locks    locker.Locker
	tiers    *trust.Provider // nil = everyone standard
	notifier Notifier        // nil = no notifications
	settled  func(error) bool
	cfg      Config
}

// NewService creates an escrow service. settled reports whether a settler
// error means "movement already applied" (replay or crash recovery).
func NewService(store Store, settler Settler, locks locker.Locker, settled func(error) bool, cfg Config) *Service {
	if cfg.FeeFloor == "" {
		cfg.FeeFloor = "10"
	}
	if cfg.FeeRateBPS == 0 {
		cfg.FeeRateBPS = 250
	}
	if cfg.PaymentWindow == 0 {
		cfg.PaymentWindow = 24 * time.Hour
	}
	if cfg.DeliveryHours == 0 {
		cfg.DeliveryHours = 24
	}
	if cfg.AutoReleaseHours == 0 {
		cfg.AutoReleaseHours = 72
	}
	if settled == nil {
		settled = func(error) bool { return false }
	}
	return &Service{store: store, settler: settler, locks: locks, settled: settled, cfg: cfg}
}

// WithTiers adds trust-tier lookups for fee discounts.
func (s *Service) WithTiers(p *trust.Provider) *Service {
	s.tiers = p
	return s
}

// WithNotifier adds best-effort notification dispatch.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerID       string `json:"buyerId" binding:"required"`
	SellerID      string `json:"sellerId" binding:"required"`
	Principal     string `json:"principal" binding:"required"`
	Currency      string `json:"currency" binding:"required"`
	FeePolicy     string `json:"feePolicy"`
	DeliveryHours int    `json:"deliveryHours"`
}

// Create registers a new trade. No funds move.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same user", ErrInvalidTransition)
	}
	principal, err := money.ParsePositive(req.Principal)
	if err != nil {
		return nil, err
	}
	currency, err := money.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}

	policy := fees.Policy(req.FeePolicy)
	if req.FeePolicy == "" {
		policy = fees.PolicyBuyerPays
	}
	deliveryHours := req.DeliveryHours
	if deliveryHours <= 0 {
		deliveryHours = s.cfg.DeliveryHours
	}

	snap := fees.Snapshot{
		Policy:           policy,
		RateBPS:          s.cfg.FeeRateBPS,
		Floor:            s.cfg.FeeFloor,
		DeliveryHours:    deliveryHours,
		AutoReleaseHours: s.cfg.AutoReleaseHours,
	}
	if s.tiers != nil {
		tier, err := s.tiers.TierFor(ctx, req.BuyerID)
		if err != nil {
			logging.L(ctx).Warn("tier lookup failed, using standard", "buyer", req.BuyerID, "error", err)
		} else {
			snap.TierName = tier.Name
			snap.DiscountPct = tier.DiscountPct
		}
	}

	breakdown, err := fees.Calculate(principal, snap)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	e := &Escrow{
		ID:        newEscrowID(),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Principal: principal,
		Currency:  currency,
		Status:    StatusCreated,
		Snapshot:  snap,
		FeeBuyer:  breakdown.BuyerShare,
		FeeSeller: breakdown.SellerShare,
		TotalDue:  principal.Add(breakdown.BuyerShare),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCreated)).Inc()
	s.notify(e.SellerID, "escrow.created", e)
	return e, nil
}

// withLock runs fn with the per-escrow lock held, re-reading the escrow
// under the lock. Lock contention is a transient error.
func (s *Service) withLock(ctx context.Context, id string, fn func(e *Escrow) error) (*Escrow, error) {
	release, err := s.locks.Acquire(ctx, id)
	if err != nil {
		metrics.EscrowRejectionsTotal.WithLabelValues("lock_busy").Inc()
		return nil, ErrBusy
	}
	defer release()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(e); err != nil {
		return nil, err
	}
	return e, nil
}

// guard rejects operations on terminal escrows and enforces the expected
// source states. Terminal violations are integrity failures, not user
// errors, and are logged as such.
func (s *Service) guard(ctx context.Context, e *Escrow, op string, from ...Status) error {
	if e.IsTerminal() {
		logging.L(ctx).Error("transition attempted on terminal escrow",
			"escrowId", e.ID, "status", e.Status, "op", op)
		metrics.EscrowRejectionsTotal.WithLabelValues("terminal").Inc()
		return ErrTerminalState
	}
	for _, f := range from {
		if e.Status == f {
			return nil
		}
	}
	metrics.EscrowRejectionsTotal.WithLabelValues("invalid_transition").Inc()
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, op, e.Status)
}

func (s *Service) transition(ctx context.Context, e *Escrow, to Status) error {
	e.Status = to
	e.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// Accept moves a created escrow into payment_pending. Only the seller
// (the counterpart to the initiating buyer) accepts.
func (s *Service) Accept(ctx context.Context, id, callerID string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if callerID != e.SellerID {
			return ErrUnauthorized
		}
		if err := s.guard(ctx, e, "accept", StatusCreated); err != nil {
			return err
		}
		now := time.Now()
		deadline := now.Add(s.cfg.PaymentWindow)
		e.AcceptedAt = &now
		e.PaymentDeadline = &deadline
		if err := s.transition(ctx, e, StatusPaymentPending); err != nil {
			return err
		}
		s.notify(e.BuyerID, "escrow.accepted", e)
		return nil
	})
}

// ConfirmPayment applies a funding event from a payment provider. The
// webhook pipeline has already verified and deduplicated the event;
// eventRef identifies it for deterministic transaction IDs.
//
// Underpayment beyond tolerance credits the amount to the buyer's wallet
// and leaves the escrow in payment_pending; the error is ErrUnderpaid so
// the pipeline can still acknowledge the event as applied. A redelivery
// whose earlier attempt moved the money but lost its acknowledgement is
// recognized by its deterministic fund transaction and reported as
// ErrEventAlreadyApplied rather than a transition failure.
func (s *Service) ConfirmPayment(ctx context.Context, id string, amount decimal.Decimal, currency, eventRef string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if err := s.guard(ctx, e, "confirm_payment", StatusPaymentPending); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				if ok, terr := s.settler.TransactionExists(ctx, txRef(e.ID, eventRef, "fund")); terr == nil && ok {
					return ErrEventAlreadyApplied
				}
			}
			return err
		}
		if amount.Sign() <= 0 {
			return money.ErrInvalidAmount
		}
		if currency != "" && currency != e.Currency {
			metrics.EscrowRejectionsTotal.WithLabelValues("currency_mismatch").Inc()
			return fmt.Errorf("%w: got %s, escrow is in %s", ErrCurrencyMismatch, currency, e.Currency)
		}

		tolerance := e.TotalDue.Mul(decimal.NewFromInt(int64(s.cfg.UnderpayToleranceBPS))).Div(decimal.NewFromInt(10000))
		shortfall := e.TotalDue.Sub(amount)

		if shortfall.GreaterThan(tolerance) {
			// Underpaid beyond tolerance: return the money to the buyer's
			// wallet and keep waiting for a proper payment.
			err := s.settler.Credit(ctx, txRef(id, eventRef, "underpay"), e.BuyerID, e.Currency, amount,
				"underpay_credit", eventRef, "underpayment_returned")
			if err != nil && !s.settled(err) {
				return err
			}
			metrics.EscrowRejectionsTotal.WithLabelValues("underpaid").Inc()
			return fmt.Errorf("%w: received %s, expected %s", ErrUnderpaid, amount, e.TotalDue)
		}

		held := decimal.Min(amount, e.TotalDue)
		surplus := decimal.Max(amount.Sub(e.TotalDue), decimal.Zero)

		err := s.settler.FundHolding(ctx, e.ID, e.BuyerID, e.Currency, held, surplus, eventRef)
		if err != nil && !s.settled(err) {
			return fmt.Errorf("fund holding: %w", err)
		}

		now := time.Now()
		e.PaidAmount = held
		e.PaymentConfirmedAt = &now
		if err := s.transition(ctx, e, StatusPaymentConfirmed); err != nil {
			return err
		}
		s.notify(e.SellerID, "escrow.funded", e)
		return nil
	})
}

// FundFromWallet funds the escrow from the buyer's wallet balance
// instead of an external payment. The full amount due is reserved
// first, then consumed into the holding; bonus credit is spent first.
func (s *Service) FundFromWallet(ctx context.Context, id, callerID string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if callerID != e.BuyerID {
			return ErrUnauthorized
		}
		if err := s.guard(ctx, e, "fund_from_wallet", StatusPaymentPending); err != nil {
			return err
		}
		err := s.settler.Reserve(ctx, e.ID, e.BuyerID, e.Currency, e.TotalDue)
		if err != nil && !s.settled(err) {
			return err
		}
		err = s.settler.FundHoldingFromWallet(ctx, e.ID, e.BuyerID, e.Currency, e.TotalDue)
		if err != nil && !s.settled(err) {
			// Funding failed after the balance was locked; unlock it so
			// the money is not stranded in reserved.
			if rerr := s.settler.ReleaseReservation(ctx, e.ID, e.BuyerID, e.Currency); rerr != nil {
				logging.L(ctx).Error("release reservation after failed funding",
					"escrowId", e.ID, "error", rerr)
			}
			return err
		}
		now := time.Now()
		e.PaidAmount = e.TotalDue
		e.PaymentConfirmedAt = &now
		if err := s.transition(ctx, e, StatusPaymentConfirmed); err != nil {
			return err
		}
		s.notify(e.SellerID, "escrow.funded", e)
		return nil
	})
}

// Activate starts the delivery window. The deadline counts from payment
// confirmation, so time spent waiting for funds never eats into it.
func (s *Service) Activate(ctx context.Context, id, callerID string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if callerID != e.SellerID {
			return ErrUnauthorized
		}
		if err := s.guard(ctx, e, "activate", StatusPaymentConfirmed); err != nil {
			return err
		}
		now := time.Now()
		deadline := e.PaymentConfirmedAt.Add(time.Duration(e.Snapshot.DeliveryHours) * time.Hour)
		e.ActivatedAt = &now
		e.DeliveryDeadline = &deadline
		if err := s.transition(ctx, e, StatusActive); err != nil {
			return err
		}
		s.notify(e.BuyerID, "escrow.active", e)
		return nil
	})
}

// MarkDelivered records delivery and starts the auto-release countdown.
func (s *Service) MarkDelivered(ctx context.Context, id, callerID string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if callerID != e.SellerID {
			return ErrUnauthorized
		}
		if err := s.guard(ctx, e, "mark_delivered", StatusActive); err != nil {
			return err
		}
		now := time.Now()
		autoRelease := now.Add(time.Duration(e.Snapshot.AutoReleaseHours) * time.Hour)
		e.DeliveredAt = &now
		e.AutoReleaseAt = &autoRelease
		if err := s.transition(ctx, e, StatusDelivered); err != nil {
			return err
		}
		s.notify(e.BuyerID, "escrow.delivered", e)
		return nil
	})
}

// Release pays the seller and completes the trade. Both the buyer action
// and the auto-release sweep land here; the closed-holding check in the
// settler makes the second caller a no-op.
func (s *Service) Release(ctx context.Context, id, callerID string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if callerID != "" && callerID != e.BuyerID {
			return ErrUnauthorized
		}
		if err := s.guard(ctx, e, "release", StatusDelivered); err != nil {
			return err
		}
		return s.release(ctx, e, "released")
	})
}

// release performs the payout and completion under an already-held lock.
func (s *Service) release(ctx context.Context, e *Escrow, resolution string) error {
	sellerAmount := e.Principal.Sub(e.FeeSeller)
	// Fee revenue is whatever remains of the holding, so a tolerated
	// underpayment reduces the fee rather than the seller's payout.
	feeAmount := e.PaidAmount.Sub(sellerAmount)

	err := s.settler.ReleaseHolding(ctx, e.ID, e.SellerID, sellerAmount, feeAmount, "release")
	if err != nil && !s.settled(err) {
		return fmt.Errorf("release holding: %w", err)
	}

	now := time.Now()
	e.CompletedAt = &now
	e.Resolution = resolution
	if err := s.transition(ctx, e, StatusCompleted); err != nil {
		return err
	}

	s.recordCompletions(ctx, e)
	s.notify(e.SellerID, "escrow.completed", e)
	s.notify(e.BuyerID, "escrow.completed", e)
	return nil
}

// Cancel aborts a trade. Before funding this simply closes the escrow;
// after funding the holding is refunded to the buyer.
func (s *Service) Cancel(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if callerID != "" && callerID != e.BuyerID && callerID != e.SellerID {
			return ErrUnauthorized
		}
		if err := s.guard(ctx, e, "cancel", StatusCreated, StatusPaymentPending, StatusPaymentConfirmed, StatusActive); err != nil {
			return err
		}

		if e.Status == StatusCreated || e.Status == StatusPaymentPending {
			e.Resolution = reason
			if err := s.transition(ctx, e, StatusCancelled); err != nil {
				return err
			}
		} else {
			err := s.settler.RefundHolding(ctx, e.ID, e.BuyerID, "cancel")
			if err != nil && !s.settled(err) {
				return fmt.Errorf("refund holding: %w", err)
			}
			e.Resolution = reason
			if err := s.transition(ctx, e, StatusRefunded); err != nil {
				return err
			}
		}
		s.notify(e.BuyerID, "escrow.cancelled", e)
		s.notify(e.SellerID, "escrow.cancelled", e)
		return nil
	})
}

// OpenDispute escalates an active or delivered trade to arbitration.
func (s *Service) OpenDispute(ctx context.Context, id, callerID, reason string) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if callerID != e.BuyerID && callerID != e.SellerID {
			return ErrUnauthorized
		}
		if err := s.guard(ctx, e, "dispute", StatusActive, StatusDelivered); err != nil {
			return err
		}

		respondent := e.SellerID
		if callerID == e.SellerID {
			respondent = e.BuyerID
		}
		d := &Dispute{
			ID:         newDisputeID(),
			EscrowID:   e.ID,
			OpenedBy:   callerID,
			Respondent: respondent,
			Reason:     reason,
			Status:     "open",
			CreatedAt:  time.Now(),
		}
		if err := s.store.CreateDispute(ctx, d); err != nil {
			return fmt.Errorf("create dispute: %w", err)
		}
		if err := s.transition(ctx, e, StatusDisputed); err != nil {
			return err
		}
		s.notify(respondent, "escrow.disputed", e)
		return nil
	})
}

// ResolveRequest is the arbitrator's decision.
type ResolveRequest struct {
	BuyerPct int    `json:"buyerPct"`
	Note     string `json:"note"`
}

// ResolveDispute settles a disputed escrow with a buyer-share percentage
// of the collected amount. 100 refunds the buyer, 0 releases everything
// to the seller, anything between splits. The escrow completes; the fee
// is waived on disputed trades.
func (s *Service) ResolveDispute(ctx context.Context, id, arbitratorID string, req ResolveRequest) (*Escrow, error) {
	return s.withLock(ctx, id, func(e *Escrow) error {
		if err := s.guard(ctx, e, "resolve_dispute", StatusDisputed); err != nil {
			return err
		}
		d, err := s.store.GetDispute(ctx, e.ID)
		if err != nil {
			return err
		}
		if d.Status != "open" {
			return ErrDisputeResolved
		}

		buyerAmount, sellerAmount, err := money.Split(e.PaidAmount, req.BuyerPct)
		if err != nil {
			return err
		}

		err = s.settler.SettleHolding(ctx, e.ID, e.BuyerID, e.SellerID, buyerAmount, sellerAmount, decimal.Zero, "dispute")
		if err != nil && !s.settled(err) {
			return fmt.Errorf("settle holding: %w", err)
		}

		now := time.Now()
		d.Status = "resolved"
		d.Resolution = resolutionName(req.BuyerPct)
		d.BuyerPct = req.BuyerPct
		d.ResolvedBy = arbitratorID
		d.Note = req.Note
		d.ResolvedAt = &now
		if err := s.store.UpdateDispute(ctx, d); err != nil {
			return fmt.Errorf("update dispute: %w", err)
		}

		e.CompletedAt = &now
		e.Resolution = "dispute_" + d.Resolution
		if err := s.transition(ctx, e, StatusCompleted); err != nil {
			return err
		}
		s.notify(e.BuyerID, "escrow.resolved", e)
		s.notify(e.SellerID, "escrow.resolved", e)
		return nil
	})
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetDispute returns the dispute for an escrow.
func (s *Service) GetDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	return s.store.GetDispute(ctx, escrowID)
}

// ListByUser returns escrows involving a user as buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func resolutionName(buyerPct int) string {
	switch buyerPct {
	case 100:
		return "refund"
	case 0:
		return "release"
	default:
		return "split"
	}
}

func (s *Service) recordCompletions(ctx context.Context, e *Escrow) {
	if s.tiers == nil {
		return
	}
	// Best effort: a failed stats update never unwinds a completed trade.
	if err := s.tiers.RecordCompletion(ctx, e.BuyerID, 0); err != nil {
		logging.L(ctx).Warn("record completion failed", "user", e.BuyerID, "error", err)
	}
	if err := s.tiers.RecordCompletion(ctx, e.SellerID, 0); err != nil {
		logging.L(ctx).Warn("record completion failed", "user", e.SellerID, "error", err)
	}
}

func (s *Service) notify(userID, event string, e *Escrow) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(userID, event, map[string]any{
		"escrowId": e.ID,
		"status":   string(e.Status),
		"amount":   e.Principal.String(),
		"currency": e.Currency,
	})
}

// txRef derives a deterministic transaction ID using the same scheme as
// the ledger, so a replayed event collides instead of crediting twice.
func txRef(escrowID, eventRef, leg string) string {
	h := sha256.Sum256([]byte(escrowID + "|" + eventRef + "|" + leg))
	return "tx_" + hex.EncodeToString(h[:12])
}

func newEscrowID() string  { return idgen.WithPrefix("esc_") }
func newDisputeID() string { return idgen.WithPrefix("dsp_") }
