package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snap(policy Policy) Snapshot {
	return Snapshot{
		Policy:           policy,
		RateBPS:          250,
		Floor:            "10",
		DeliveryHours:    24,
		AutoReleaseHours: 72,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFloorApplies(t *testing.T) {
	// 2.5% of 20 is 0.50; floor of 10 wins.
	b, err := Calculate(d("20"), snap(PolicyBuyerPays))
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("10")))
	assert.True(t, b.BuyerShare.Equal(d("10")))
	assert.True(t, b.SellerShare.IsZero())
}

func TestRateAboveFloor(t *testing.T) {
	// 2.5% of 1000 is 25.
	b, err := Calculate(d("1000"), snap(PolicySellerPays))
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("25")))
	assert.True(t, b.SellerShare.Equal(d("25")))
	assert.True(t, b.BuyerShare.IsZero())
}

func TestSplitPolicyConserves(t *testing.T) {
	b, err := Calculate(d("1000"), snap(PolicySplit))
	require.NoError(t, err)
	assert.True(t, b.BuyerShare.Add(b.SellerShare).Equal(b.Total))
	assert.True(t, b.BuyerShare.Equal(d("12.5")))
}

func TestDiscountNeverBeatsFloor(t *testing.T) {
	s := snap(PolicyBuyerPays)
	s.DiscountPct = 50
	b, err := Calculate(d("20"), s)
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("10")), "floor holds under discount")

	// Above the floor the discount bites: 25 -> 12.50, floor 10 < 12.50.
	b, err = Calculate(d("1000"), s)
	require.NoError(t, err)
	assert.True(t, b.Total.Equal(d("12.5")))
}

func TestDeterminismUnderTierChange(t *testing.T) {
	// The snapshot freezes the discount: recomputing with the same snapshot
	// yields identical fees no matter what the user's live tier says now.
	frozen := snap(PolicyBuyerPays)
	frozen.DiscountPct = 20

	first, err := Calculate(d("400"), frozen)
	require.NoError(t, err)
	second, err := Calculate(d("400"), frozen)
	require.NoError(t, err)

	assert.True(t, first.Total.Equal(second.Total))
	assert.True(t, first.BuyerShare.Equal(second.BuyerShare))
}

func TestValidation(t *testing.T) {
	_, err := Calculate(d("0"), snap(PolicyBuyerPays))
	assert.Error(t, err)

	bad := snap("house_pays")
	_, err = Calculate(d("100"), bad)
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	bad = snap(PolicyBuyerPays)
	bad.RateBPS = 20000
	_, err = Calculate(d("100"), bad)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	bad = snap(PolicyBuyerPays)
	bad.Floor = "x"
	_, err = Calculate(d("100"), bad)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}
