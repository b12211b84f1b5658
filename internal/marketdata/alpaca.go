package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// Alpaca serves equities and crypto from the Alpaca data and trading APIs.
type Alpaca struct {
	trading *alpaca.Client
	data    *marketdata.Client
	feed    string
}

var _ Provider = (*Alpaca)(nil)

func NewAlpaca(cfg config.Alpaca) *Alpaca {
	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}

	return &Alpaca{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data: marketdata.NewClient(dataOpts),
		feed: cfg.Feed,
	}
}

func (a *Alpaca) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	in, err := types.ParseInstrument(symbol)
	if err != nil {
		return Quote{}, err
	}

	switch in.AssetClass {
	case types.AssetClassCrypto:
		q, err := a.data.GetLatestCryptoQuote(in.Symbol, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			return Quote{}, types.Transient(err, "crypto quote %s", in.Symbol)
		}
		return Quote{
			Symbol:    in.Symbol,
			Bid:       decimal.NewFromFloat(q.BidPrice),
			Ask:       decimal.NewFromFloat(q.AskPrice),
			Timestamp: q.Timestamp,
		}, nil
	case types.AssetClassOption:
		return Quote{}, types.Transient(ErrUnknownSymbol, "option quotes are not available from alpaca for %s", in.Symbol)
	}

	q, err := a.data.GetLatestQuote(in.Symbol, marketdata.GetLatestQuoteRequest{Feed: marketdata.Feed(a.feed)})
	if err != nil {
		return Quote{}, types.Transient(err, "quote %s", in.Symbol)
	}
	return Quote{
		Symbol:    in.Symbol,
		Bid:       decimal.NewFromFloat(q.BidPrice),
		Ask:       decimal.NewFromFloat(q.AskPrice),
		Timestamp: q.Timestamp,
	}, nil
}

func (a *Alpaca) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := a.data.GetBars(strings.ToUpper(symbol), marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     start,
		End:       end,
		Feed:      marketdata.Feed(a.feed),
	})
	if err != nil {
		return nil, types.Transient(err, "bars %s", symbol)
	}

	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, Bar{
			Timestamp: b.Timestamp,
			Open:      decimal.NewFromFloat(b.Open),
			High:      decimal.NewFromFloat(b.High),
			Low:       decimal.NewFromFloat(b.Low),
			Close:     decimal.NewFromFloat(b.Close),
			Volume:    int64(b.Volume),
		})
	}
	return bars, nil
}

func (a *Alpaca) GetClock(ctx context.Context) (Clock, error) {
	if err := ctx.Err(); err != nil {
		return Clock{}, err
	}
	c, err := a.trading.GetClock()
	if err != nil {
		return Clock{}, types.Transient(err, "market clock")
	}
	return Clock{
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
		Timestamp: c.Timestamp,
	}, nil
}

func (a *Alpaca) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	in, err := types.ParseInstrument(symbol)
	if err != nil {
		return Asset{}, err
	}
	if in.AssetClass == types.AssetClassOption {
		// Contracts are tradable when their underlying is.
		underlying, err := a.GetAsset(ctx, in.Underlying)
		if err != nil {
			return Asset{}, err
		}
		return Asset{Symbol: in.Symbol, Tradable: underlying.Tradable}, nil
	}

	asset, err := a.trading.GetAsset(in.Symbol)
	if err != nil {
		return Asset{}, types.Transient(err, "asset %s", in.Symbol)
	}
	return Asset{
		Symbol:       in.Symbol,
		Tradable:     asset.Tradable,
		Shortable:    asset.Shortable,
		EasyToBorrow: asset.EasyToBorrow,
		Marginable:   asset.Marginable,
	}, nil
}

func (a *Alpaca) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	days, err := a.trading.GetCalendar(alpaca.GetCalendarRequest{
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, types.Transient(err, "calendar %s..%s", start.Format(types.DateLayout), end.Format(types.DateLayout))
	}

	out := make([]CalendarDay, 0, len(days))
	for _, d := range days {
		out = append(out, CalendarDay{Date: d.Date, Open: d.Open, Close: d.Close})
	}
	return out, nil
}

func (a *Alpaca) String() string {
	return fmt.Sprintf("alpaca(feed=%s)", a.feed)
}
