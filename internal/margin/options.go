package margin

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

var (
	nakedCallPrimary = decimal.RequireFromString("0.20")
	nakedCallFloor   = decimal.RequireFromString("0.10")
)

// OptionOrder is what option sizing needs to know about a single-leg order.
type OptionOrder struct {
	Side            types.OrderSide
	OptionType      types.OptionType
	Strike          decimal.Decimal
	UnderlyingPrice decimal.Decimal
	Premium         decimal.Decimal // per share
	Contracts       decimal.Decimal
	Multiplier      decimal.Decimal
	SharesHeld      decimal.Decimal // long shares of the underlying
}

// OptionRequirement returns the cash or margin an option order needs.
// Buys need the full premium. Sold calls covered by held shares need nothing;
// naked calls use the greater of 20% of the underlying less the out-of-money
// amount plus premium, or 10% of the underlying plus premium. Sold puts are
// cash-secured at the strike.
func OptionRequirement(o OptionOrder) decimal.Decimal {
	units := o.Contracts.Mul(o.Multiplier)

	if o.Side == types.OrderSideBuy {
		return o.Premium.Mul(units).Round(4)
	}

	if o.OptionType == types.OptionTypePut {
		return o.Strike.Mul(units).Round(4)
	}

	if o.SharesHeld.GreaterThanOrEqual(units) {
		return decimal.Zero
	}

	otm := o.Strike.Sub(o.UnderlyingPrice)
	if otm.IsNegative() {
		otm = decimal.Zero
	}
	primary := nakedCallPrimary.Mul(o.UnderlyingPrice).Sub(otm).Add(o.Premium)
	floor := nakedCallFloor.Mul(o.UnderlyingPrice).Add(o.Premium)
	return decimal.Max(primary, floor).Mul(units).Round(4)
}

// SpreadRequirement is the margin for a two-leg vertical spread: the strike
// width times contracts times multiplier.
func SpreadRequirement(longStrike, shortStrike, contracts, multiplier decimal.Decimal) decimal.Decimal {
	return longStrike.Sub(shortStrike).Abs().Mul(contracts).Mul(multiplier).Round(4)
}
