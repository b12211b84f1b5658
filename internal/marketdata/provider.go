// Package marketdata defines the quote, clock, asset and calendar
// capabilities the ledger consumes, with one implementation per source.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Timestamp time.Time       `json:"timestamp"`
}

func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
}

type Clock struct {
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
	Timestamp time.Time `json:"timestamp"`
}

type Asset struct {
	Symbol       string `json:"symbol"`
	Tradable     bool   `json:"tradable"`
	Shortable    bool   `json:"shortable"`
	EasyToBorrow bool   `json:"easy_to_borrow"`
	Marginable   bool   `json:"marginable"`
}

// CalendarDay is one trading session. Open and Close are HH:MM Eastern.
type CalendarDay struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

type Provider interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
	GetClock(ctx context.Context) (Clock, error)
	GetAsset(ctx context.Context, symbol string) (Asset, error)
	GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error)
}

// IsTradingDay reports whether day's Eastern date is a calendar session.
func IsTradingDay(ctx context.Context, p Provider, day time.Time) (bool, error) {
	start := types.StartOfTradeDate(day)
	days, err := p.GetCalendar(ctx, start, start.Add(24*time.Hour-time.Second))
	if err != nil {
		return false, err
	}
	date := types.TradeDate(day)
	for _, d := range days {
		if d.Date == date {
			return true, nil
		}
	}
	return false, nil
}
