// Package journal derives realised round trips from the fills ledger and
// records the daily equity snapshots the risk checks read back.
package journal

import (
	"context"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/internal/valuation"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	SideLong  = "long"
	SideShort = "short"
)

// lot is an unmatched opening quantity. qty is signed.
type lot struct {
	qty      decimal.Decimal
	price    decimal.Decimal
	openedAt time.Time
}

// MatchRoundTrips pairs fills first in, first out per symbol. A closing fill
// larger than the open lots opens a new lot in its own direction with the
// rest. Fills must be in execution order.
func MatchRoundTrips(fills []types.Fill) []types.RoundTrip {
	books := make(map[string][]lot)
	trips := []types.RoundTrip{}

	for _, f := range fills {
		signed := f.Quantity
		if f.Side == types.OrderSideSell {
			signed = signed.Neg()
		}
		mult := multiplierOf(f.Symbol)
		book := books[f.Symbol]

		for len(book) > 0 && !signed.IsZero() && book[0].qty.Sign() != signed.Sign() {
			open := &book[0]
			matched := decimal.Min(open.qty.Abs(), signed.Abs())

			trip := types.RoundTrip{
				Symbol:     f.Symbol,
				Side:       SideLong,
				Quantity:   matched,
				EntryPrice: open.price,
				ExitPrice:  f.Price,
				OpenedAt:   open.openedAt,
				ClosedAt:   f.FilledAt,
			}
			move := f.Price.Sub(open.price)
			if open.qty.IsNegative() {
				trip.Side = SideShort
				move = move.Neg()
			}
			trip.PnL = move.Mul(matched).Mul(mult).Round(4)
			trips = append(trips, trip)

			if open.qty.IsPositive() {
				open.qty = open.qty.Sub(matched)
				signed = signed.Add(matched)
			} else {
				open.qty = open.qty.Add(matched)
				signed = signed.Sub(matched)
			}
			if open.qty.IsZero() {
				book = book[1:]
			}
		}
		if !signed.IsZero() {
			book = append(book, lot{qty: signed, price: f.Price, openedAt: f.FilledAt})
		}
		books[f.Symbol] = book
	}
	return trips
}

func multiplierOf(symbol string) decimal.Decimal {
	in, err := types.ParseInstrument(symbol)
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return in.Multiplier
}

// Summary totals a set of round trips.
type Summary struct {
	Trips    int             `json:"trips"`
	Winners  int             `json:"winners"`
	Losers   int             `json:"losers"`
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

func Summarize(trips []types.RoundTrip) Summary {
	s := Summary{Trips: len(trips), TotalPnL: decimal.Zero}
	for _, t := range trips {
		s.TotalPnL = s.TotalPnL.Add(t.PnL)
		switch t.PnL.Sign() {
		case 1:
			s.Winners++
		case -1:
			s.Losers++
		}
	}
	return s
}

// Journal reads round trips and writes equity snapshots.
type Journal struct {
	store  *ledger.Store
	market marketdata.Provider
	now    func() time.Time
}

func New(store *ledger.Store, market marketdata.Provider) *Journal {
	return &Journal{store: store, market: market, now: ledger.Now}
}

// RoundTrips matches the account's fills, optionally for one symbol.
func (j *Journal) RoundTrips(ctx context.Context, accountID, symbol string) ([]types.RoundTrip, error) {
	store := j.store.WithContext(ctx)
	account, err := store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, types.NotFound("account %s", accountID)
	}
	fills, err := store.FillsForAccount(accountID, symbol)
	if err != nil {
		return nil, err
	}
	trips := MatchRoundTrips(fills)
	sort.SliceStable(trips, func(a, b int) bool { return trips[a].ClosedAt.Before(trips[b].ClosedAt) })
	return trips, nil
}

func (j *Journal) Snapshots(ctx context.Context, accountID string) ([]types.EquitySnapshot, error) {
	return j.store.WithContext(ctx).Snapshots(accountID)
}

// SnapshotResult reports one snapshot run.
type SnapshotResult struct {
	TradeDate string
	Skipped   bool // not a trading day
	Taken     int
	Failed    int
}

// TakeSnapshots values every account and records it. Non-trading days are
// skipped. An account that cannot be valued is logged and skipped.
func (j *Journal) TakeSnapshots(ctx context.Context) (SnapshotResult, error) {
	logger := log.With().Str("component", "snapshots").Logger()
	now := j.now()
	result := SnapshotResult{TradeDate: types.TradeDate(now)}

	trading, err := marketdata.IsTradingDay(ctx, j.market, now)
	if err != nil {
		return result, err
	}
	if !trading {
		result.Skipped = true
		logger.Debug().Str("trade_date", result.TradeDate).Msg("not a trading day, no snapshots")
		return result, nil
	}

	ids, err := j.store.WithContext(ctx).ListAccountIDs()
	if err != nil {
		return result, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := j.snapshot(ctx, id, result.TradeDate, now); err != nil {
			result.Failed++
			logger.Error().Err(err).Str("account_id", id).Msg("failed to snapshot account")
			continue
		}
		result.Taken++
	}

	logger.Info().
		Str("trade_date", result.TradeDate).
		Int("taken", result.Taken).
		Int("failed", result.Failed).
		Msg("equity snapshots recorded")
	return result, nil
}

func (j *Journal) snapshot(ctx context.Context, accountID, tradeDate string, at time.Time) error {
	store := j.store.WithContext(ctx)
	account, err := store.GetAccount(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return types.NotFound("account %s", accountID)
	}
	positions, err := store.ListPositions(accountID)
	if err != nil {
		return err
	}
	v, err := valuation.Value(ctx, j.market, account, positions)
	if err != nil {
		return err
	}
	return store.CreateSnapshot(&types.EquitySnapshot{
		AccountID:      accountID,
		TradeDate:      tradeDate,
		Equity:         v.Equity.Round(4),
		Cash:           v.Cash,
		PositionsValue: v.PositionsValue.Round(4),
		// cumulative since the account opened
		DailyPnL: v.Equity.Sub(account.StartingBalance).Round(4),
		TakenAt:  at,
	})
}

// GinHandlers contains HTTP handlers for journal endpoints
type GinHandlers struct {
	journal *Journal
}

func NewGinHandlers(journal *Journal) *GinHandlers {
	return &GinHandlers{journal: journal}
}

type roundTripsResponse struct {
	Summary    Summary           `json:"summary"`
	RoundTrips []types.RoundTrip `json:"round_trips"`
}

// RoundTripsHandler handles GET requests for the account's round trips
// Query parameter: symbol
func (h *GinHandlers) RoundTripsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := auth.AccountID(c)
		if accountID == "" {
			response.Unauthorized(c, "Missing account in token")
			return
		}
		trips, err := h.journal.RoundTrips(c.Request.Context(), accountID, c.Query("symbol"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, roundTripsResponse{Summary: Summarize(trips), RoundTrips: trips})
	}
}

func (h *GinHandlers) SnapshotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := auth.AccountID(c)
		if accountID == "" {
			response.Unauthorized(c, "Missing account in token")
			return
		}
		snapshots, err := h.journal.Snapshots(c.Request.Context(), accountID)
		response.Handle(c, snapshots, err)
	}
}
