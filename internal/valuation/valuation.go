// Package valuation marks an account's positions to the current quotes.
package valuation

import (
	"context"

	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

// Mark is one position valued at the side of the book it would close into.
type Mark struct {
	Position types.Position
	Quote    marketdata.Quote
	Price    decimal.Decimal // bid for longs, ask for shorts
	Value    decimal.Decimal // signed: negative for shorts
}

type Valuation struct {
	Cash           decimal.Decimal
	PositionsValue decimal.Decimal
	Equity         decimal.Decimal
	ShortExposure  decimal.Decimal // sum of |short qty| x ask x multiplier
	Maintenance    decimal.Decimal // ShortExposure x maintenance rate
	Marks          []Mark
}

// MarkFor returns the mark for symbol, if held.
func (v Valuation) MarkFor(symbol string) (Mark, bool) {
	for _, m := range v.Marks {
		if m.Position.Symbol == symbol {
			return m, true
		}
	}
	return Mark{}, false
}

// Value marks every position. A missing quote fails the whole valuation.
func Value(ctx context.Context, quotes QuoteSource, account *types.Account, positions []types.Position) (Valuation, error) {
	v := Valuation{
		Cash:           account.Cash,
		PositionsValue: decimal.Zero,
		ShortExposure:  decimal.Zero,
	}

	for _, p := range positions {
		q, err := quotes.GetQuote(ctx, p.Symbol)
		if err != nil {
			return Valuation{}, err
		}
		mult := p.Multiplier
		if mult.IsZero() {
			mult = types.MultiplierFor(p.AssetClass)
		}

		price := q.Bid
		if p.IsShort() {
			price = q.Ask
			v.ShortExposure = v.ShortExposure.Add(p.Quantity.Abs().Mul(q.Ask).Mul(mult))
		}
		value := p.Quantity.Mul(price).Mul(mult)
		v.PositionsValue = v.PositionsValue.Add(value)
		v.Marks = append(v.Marks, Mark{Position: p, Quote: q, Price: price, Value: value})
	}

	v.PositionsValue = v.PositionsValue.Round(4)
	v.ShortExposure = v.ShortExposure.Round(4)
	v.Equity = v.Cash.Add(v.PositionsValue)
	v.Maintenance = v.ShortExposure.Mul(margin.MaintenanceMarginRate).Round(4)
	return v, nil
}

// Compliant reports whether equity covers the maintenance requirement.
func (v Valuation) Compliant() bool {
	return v.Equity.GreaterThanOrEqual(v.Maintenance)
}
