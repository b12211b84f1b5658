package marketdata

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Instrument is a simulated listing with a mid price and a quoted spread.
type Instrument struct {
	Symbol       string
	Mid          decimal.Decimal
	SpreadBps    int64   // full bid/ask spread in basis points
	Volatility   float64 // max fractional move per Step
	Tradable     bool
	Shortable    bool
	EasyToBorrow bool
}

var defaultInstruments = []Instrument{
	{Symbol: "AAPL", Mid: decimal.NewFromInt(190), SpreadBps: 2, Volatility: 0.004, Tradable: true, Shortable: true, EasyToBorrow: true},
	{Symbol: "MSFT", Mid: decimal.NewFromInt(410), SpreadBps: 2, Volatility: 0.004, Tradable: true, Shortable: true, EasyToBorrow: true},
	{Symbol: "TSLA", Mid: decimal.NewFromInt(240), SpreadBps: 4, Volatility: 0.01, Tradable: true, Shortable: true, EasyToBorrow: false},
	{Symbol: "GME", Mid: decimal.NewFromInt(25), SpreadBps: 10, Volatility: 0.03, Tradable: true, Shortable: false},
	{Symbol: "BTC/USD", Mid: decimal.NewFromInt(65000), SpreadBps: 5, Volatility: 0.008, Tradable: true},
}

// Simulated is an in-process feed. Prices only move when Step is called, so
// tests see exactly the quotes they set.
type Simulated struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument
	quotes      map[string]Quote
	open        bool
	holidays    map[string]bool
	rng         *rand.Rand
	now         func() time.Time
}

var _ Provider = (*Simulated)(nil)

func NewSimulated() *Simulated {
	s := &Simulated{
		instruments: make(map[string]*Instrument),
		quotes:      make(map[string]Quote),
		open:        true,
		holidays:    make(map[string]bool),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
	}
	return s
}

// NewSimulatedWithDefaults seeds a handful of liquid listings.
func NewSimulatedWithDefaults() *Simulated {
	s := NewSimulated()
	for _, in := range defaultInstruments {
		s.AddInstrument(in)
	}
	return s
}

func (s *Simulated) AddInstrument(in Instrument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.Symbol = strings.ToUpper(in.Symbol)
	s.instruments[in.Symbol] = &in
	s.quotes[in.Symbol] = quoteAround(in.Symbol, in.Mid, in.SpreadBps, s.now())
}

// SetQuote pins a symbol's bid and ask. Unknown symbols are listed as
// tradable, shortable and easy to borrow.
func (s *Simulated) SetQuote(symbol string, bid, ask decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := strings.ToUpper(symbol)
	if _, ok := s.instruments[sym]; !ok {
		s.instruments[sym] = &Instrument{Symbol: sym, Tradable: true, Shortable: true, EasyToBorrow: true}
	}
	s.instruments[sym].Mid = bid.Add(ask).Div(decimal.NewFromInt(2))
	s.quotes[sym] = Quote{Symbol: sym, Bid: bid, Ask: ask, Timestamp: s.now()}
}

func (s *Simulated) SetAsset(asset Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sym := strings.ToUpper(asset.Symbol)
	in, ok := s.instruments[sym]
	if !ok {
		in = &Instrument{Symbol: sym}
		s.instruments[sym] = in
	}
	in.Tradable = asset.Tradable
	in.Shortable = asset.Shortable
	in.EasyToBorrow = asset.EasyToBorrow
}

func (s *Simulated) SetMarketOpen(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
}

// SetNow replaces the feed's clock.
func (s *Simulated) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetHoliday removes the Eastern date (YYYY-MM-DD) from the calendar.
func (s *Simulated) SetHoliday(date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays[date] = true
}

// Step moves every listing by a random fraction of its volatility.
func (s *Simulated) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sym, in := range s.instruments {
		if in.Mid.IsZero() {
			continue
		}
		move := s.rng.Float64()*2*in.Volatility - in.Volatility
		in.Mid = in.Mid.Mul(decimal.NewFromFloat(1 + move)).Round(4)
		s.quotes[sym] = quoteAround(sym, in.Mid, in.SpreadBps, s.now())
	}
	log.Debug().Int("instruments", len(s.instruments)).Msg("simulated prices stepped")
}

func quoteAround(symbol string, mid decimal.Decimal, spreadBps int64, at time.Time) Quote {
	half := mid.Mul(decimal.New(spreadBps, -4)).Div(decimal.NewFromInt(2)).Round(4)
	minTick := decimal.New(1, -2)
	if half.LessThan(minTick) {
		half = minTick
	}
	return Quote{Symbol: symbol, Bid: mid.Sub(half).Round(4), Ask: mid.Add(half).Round(4), Timestamp: at}
}

func (s *Simulated) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, types.Transient(ErrUnknownSymbol, "no simulated quote for %s", symbol)
	}
	return q, nil
}

// GetBars synthesises one flat daily bar per weekday from the current mid.
func (s *Simulated) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	q, err := s.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	mid := q.Mid()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var bars []Bar
	for d := types.StartOfTradeDate(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		if !s.isSession(d) {
			continue
		}
		bars = append(bars, Bar{Timestamp: d, Open: mid, High: q.Ask, Low: q.Bid, Close: mid})
	}
	return bars, nil
}

func (s *Simulated) GetClock(ctx context.Context) (Clock, error) {
	if err := ctx.Err(); err != nil {
		return Clock{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	day := types.StartOfTradeDate(now)
	return Clock{
		IsOpen:    s.open,
		NextOpen:  day.Add(24*time.Hour + 9*time.Hour + 30*time.Minute),
		NextClose: day.Add(16 * time.Hour),
		Timestamp: now,
	}, nil
}

func (s *Simulated) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	in, err := types.ParseInstrument(symbol)
	if err != nil {
		return Asset{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if in.AssetClass == types.AssetClassOption {
		_, listed := s.instruments[in.Symbol]
		_, underlying := s.instruments[in.Underlying]
		return Asset{Symbol: in.Symbol, Tradable: listed || underlying}, nil
	}

	listing, ok := s.instruments[in.Symbol]
	if !ok {
		return Asset{}, types.Transient(ErrUnknownSymbol, "no simulated asset %s", in.Symbol)
	}
	return Asset{
		Symbol:       listing.Symbol,
		Tradable:     listing.Tradable,
		Shortable:    listing.Shortable,
		EasyToBorrow: listing.EasyToBorrow,
		Marginable:   in.AssetClass == types.AssetClassEquity,
	}, nil
}

// GetCalendar lists every weekday that is not marked as a holiday.
func (s *Simulated) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var days []CalendarDay
	for d := types.StartOfTradeDate(start); !d.After(end); d = d.AddDate(0, 0, 1) {
		if !s.isSession(d) {
			continue
		}
		days = append(days, CalendarDay{Date: types.TradeDate(d), Open: "09:30", Close: "16:00"})
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days, nil
}

func (s *Simulated) isSession(d time.Time) bool {
	wd := d.In(types.Eastern()).Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !s.holidays[types.TradeDate(d)]
}

// Symbols lists the simulated listings.
func (s *Simulated) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.instruments))
	for sym := range s.instruments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
