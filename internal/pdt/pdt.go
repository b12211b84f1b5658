// Package pdt tracks round-trip day trades and enforces the pattern day
// trader restriction.
package pdt

import (
	"time"

	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

const (
	// WindowDays is a flat calendar window, not a business-day count.
	WindowDays   = 7
	MaxDayTrades = 3
	// WarningCount triggers an early warning one trade before the block.
	WarningCount = MaxDayTrades - 1
)

var MinimumEquity = decimal.NewFromInt(25000)

type Tracker struct {
	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: ledger.Now}
}

func windowStart(now time.Time) string {
	return types.TradeDate(now.AddDate(0, 0, -(WindowDays - 1)))
}

// CountDayTrades counts day trades whose trade date falls in the window
// ending today.
func (t *Tracker) CountDayTrades(store *ledger.Store, accountID string) (int64, error) {
	return store.CountDayTradesSince(accountID, windowStart(t.now()))
}

// CheckRule blocks when the window already holds MaxDayTrades and equity is
// under the minimum.
func (t *Tracker) CheckRule(store *ledger.Store, accountID string, equity decimal.Decimal) (int64, error) {
	count, err := t.CountDayTrades(store, accountID)
	if err != nil {
		return 0, err
	}
	if count >= MaxDayTrades && equity.LessThan(MinimumEquity) {
		return count, types.Business(types.CodePDTRestricted,
			"pattern day trader restriction: %d day trades in %d days with equity %s below %s",
			count, WindowDays, equity.StringFixed(2), MinimumEquity.StringFixed(2))
	}
	return count, nil
}

// RecordIfApplicable pairs fill with the earliest opposite-side fill of the
// same symbol on the same Eastern trade date. It returns whether a day trade
// was recorded and the updated window count.
func (t *Tracker) RecordIfApplicable(tx *ledger.Store, fill *types.Fill) (bool, int64, error) {
	from := types.StartOfTradeDate(fill.FilledAt)
	to := from.AddDate(0, 0, 1)

	opposite, err := tx.FillsBetween(fill.AccountID, fill.Symbol, fill.Side.Opposite(), from, to)
	if err != nil {
		return false, 0, err
	}
	if len(opposite) == 0 {
		return false, 0, nil
	}
	match := opposite[0]

	dt := &types.DayTrade{
		AccountID: fill.AccountID,
		Symbol:    fill.Symbol,
		Quantity:  decimal.Min(fill.Quantity, match.Quantity),
		TradeDate: types.TradeDate(fill.FilledAt),
		CreatedAt: t.now(),
	}
	buy, sell := fill, &match
	if fill.Side == types.OrderSideSell {
		buy, sell = &match, fill
	}
	dt.BuyOrderID, dt.BuyPrice = buy.OrderID, buy.Price
	dt.SellOrderID, dt.SellPrice = sell.OrderID, sell.Price

	if err := tx.CreateDayTrade(dt); err != nil {
		return false, 0, err
	}

	count, err := tx.CountDayTradesSince(fill.AccountID, windowStart(t.now()))
	if err != nil {
		return true, 0, err
	}
	return true, count, nil
}
