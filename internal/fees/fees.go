// Package fees computes trade fees from a frozen pricing snapshot.
//
// The calculator is a pure function of (principal, snapshot). Everything
// that can drift over time — base rate, floor, the payer's trust discount,
// delivery windows — is captured into the snapshot when the escrow is
// created, so recomputing the fee later always yields the original result.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/money"
)

var (
	ErrInvalidPolicy   = errors.New("fees: unknown fee-split policy")
	ErrInvalidSnapshot = errors.New("fees: invalid pricing snapshot")
)

// Policy determines who pays the fee.
type Policy string

const (
	PolicyBuyerPays  Policy = "buyer_pays"
	PolicySellerPays Policy = "seller_pays"
	PolicySplit      Policy = "split"
)

// Valid reports whether the policy is a known value.
func (p Policy) Valid() bool {
	switch p {
	case PolicyBuyerPays, PolicySellerPays, PolicySplit:
		return true
	}
	return false
}

// Snapshot is the pricing snapshot frozen into an escrow at creation.
// Stored as JSONB on the escrow row; later config changes never touch it.
type Snapshot struct {
	Policy           Policy `json:"policy"`
	RateBPS          int    `json:"rateBps"`          // base fee, basis points of principal
	Floor            string `json:"floor"`            // minimum total fee, decimal string
	DiscountPct      int    `json:"discountPct"`      // trust-tier discount on the rate fee
	TierName         string `json:"tierName"`         // informational, for receipts
	DeliveryHours    int    `json:"deliveryHours"`    // counted from payment confirmation
	AutoReleaseHours int    `json:"autoReleaseHours"` // buyer window after delivery
}

// Validate checks snapshot sanity before it is frozen.
func (s Snapshot) Validate() error {
	if !s.Policy.Valid() {
		return ErrInvalidPolicy
	}
	if s.RateBPS < 0 || s.RateBPS > 10000 {
		return ErrInvalidSnapshot
	}
	if s.DiscountPct < 0 || s.DiscountPct > 100 {
		return ErrInvalidSnapshot
	}
	if s.DeliveryHours <= 0 || s.AutoReleaseHours <= 0 {
		return ErrInvalidSnapshot
	}
	if _, err := money.Parse(s.Floor); err != nil {
		return ErrInvalidSnapshot
	}
	return nil
}

// Breakdown is the computed fee split.
type Breakdown struct {
	BuyerShare  decimal.Decimal
	SellerShare decimal.Decimal
	Total       decimal.Decimal
}

// Calculate computes the fee breakdown for a principal under a snapshot.
//
// The trust discount applies to the rate-based fee; the floor is a hard
// minimum applied afterwards, so no tier discounts below the floor.
func Calculate(principal decimal.Decimal, snap Snapshot) (Breakdown, error) {
	if err := snap.Validate(); err != nil {
		return Breakdown{}, err
	}
	if principal.Sign() <= 0 {
		return Breakdown{}, money.ErrInvalidAmount
	}

	rateFee := principal.
		Mul(decimal.NewFromInt(int64(snap.RateBPS))).
		Div(decimal.NewFromInt(10000))
	if snap.DiscountPct > 0 {
		keep := decimal.NewFromInt(int64(100 - snap.DiscountPct))
		rateFee = rateFee.Mul(keep).Div(decimal.NewFromInt(100))
	}
	rateFee = rateFee.Round(8)

	floor, err := money.Parse(snap.Floor)
	if err != nil {
		return Breakdown{}, ErrInvalidSnapshot
	}
	total := money.Max(rateFee, floor)

	var buyer, seller decimal.Decimal
	switch snap.Policy {
	case PolicyBuyerPays:
		buyer, seller = total, decimal.Zero
	case PolicySellerPays:
		buyer, seller = decimal.Zero, total
	case PolicySplit:
		buyer, seller, err = money.Split(total, 50)
		if err != nil {
			return Breakdown{}, err
		}
	default:
		return Breakdown{}, ErrInvalidPolicy
	}

	return Breakdown{BuyerShare: buyer, SellerShare: seller, Total: total}, nil
}
