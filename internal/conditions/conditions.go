// Package conditions decides whether an order's price conditions are met by
// a quote. Evaluate is pure.
package conditions

import (
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

type Input struct {
	Type  types.OrderType
	Side  types.OrderSide
	Bid   decimal.Decimal
	Ask   decimal.Decimal
	Limit *decimal.Decimal
	Stop  *decimal.Decimal
}

// Evaluate returns the fill price and true when the order would fill. Buys
// fill at the ask and sells at the bid. Bounds are inclusive. Trailing stops
// are decided by the trailing package and never fill here.
func Evaluate(in Input) (decimal.Decimal, bool) {
	price := in.Bid
	if in.Side == types.OrderSideBuy {
		price = in.Ask
	}

	switch in.Type {
	case types.OrderTypeMarket:
		return price, true
	case types.OrderTypeLimit:
		if in.Limit == nil {
			return decimal.Zero, false
		}
		return price, limitMet(in.Side, price, *in.Limit)
	case types.OrderTypeStop:
		if in.Stop == nil {
			return decimal.Zero, false
		}
		return price, stopMet(in.Side, price, *in.Stop)
	case types.OrderTypeStopLimit:
		if in.Limit == nil || in.Stop == nil {
			return decimal.Zero, false
		}
		return price, stopMet(in.Side, price, *in.Stop) && limitMet(in.Side, price, *in.Limit)
	}
	return decimal.Zero, false
}

// ForOrder evaluates a stored order against a quote.
func ForOrder(o *types.Order, bid, ask decimal.Decimal) (decimal.Decimal, bool) {
	return Evaluate(Input{
		Type:  o.OrderType,
		Side:  o.Side,
		Bid:   bid,
		Ask:   ask,
		Limit: o.LimitPrice,
		Stop:  o.StopPrice,
	})
}

func limitMet(side types.OrderSide, price, limit decimal.Decimal) bool {
	if side == types.OrderSideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

func stopMet(side types.OrderSide, price, stop decimal.Decimal) bool {
	if side == types.OrderSideBuy {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}
