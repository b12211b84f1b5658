// Package margin reserves margin for short sales, tracks borrow tranches,
// accrues borrow fees and sizes option margin.
package margin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	InitialMarginRate     = decimal.RequireFromString("0.5")
	MaintenanceMarginRate = decimal.RequireFromString("0.25")

	daysPerYear = decimal.NewFromInt(365)
)

// DefaultRates are annualised borrow rates per tier.
var DefaultRates = map[types.BorrowTier]decimal.Decimal{
	types.BorrowTierEasy:     decimal.RequireFromString("0.005"),
	types.BorrowTierModerate: decimal.RequireFromString("0.03"),
	types.BorrowTierHard:     decimal.RequireFromString("0.15"),
}

type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (marketdata.Quote, error)
}

type Engine struct {
	rates map[types.BorrowTier]decimal.Decimal
}

func NewEngine() *Engine {
	return &Engine{rates: DefaultRates}
}

// ShortMargin is the initial margin reserved for a short of qty at price.
func ShortMargin(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(InitialMarginRate).Round(4)
}

// ResolveTier picks the tier from the override table, else from asset
// metadata, else moderate. A nil asset means the lookup failed.
func (e *Engine) ResolveTier(tx *ledger.Store, symbol string, asset *marketdata.Asset) (types.BorrowTier, decimal.Decimal, error) {
	override, err := tx.GetTierOverride(symbol)
	if err != nil {
		return "", decimal.Zero, err
	}
	if override != nil {
		if override.AnnualRate != nil {
			return override.Tier, *override.AnnualRate, nil
		}
		return override.Tier, e.rates[override.Tier], nil
	}

	tier := types.BorrowTierModerate
	if asset != nil {
		switch {
		case !asset.Shortable:
			tier = types.BorrowTierNotShortable
		case asset.EasyToBorrow:
			tier = types.BorrowTierEasy
		default:
			tier = types.BorrowTierHard
		}
	}
	return tier, e.rates[tier], nil
}

// OpenShort inserts a tranche for a newly shorted quantity and adds its
// margin to account.MarginUsed. The caller persists the account.
func (e *Engine) OpenShort(tx *ledger.Store, account *types.Account, symbol string, qty, price decimal.Decimal, asset *marketdata.Asset, at time.Time) (*types.Borrow, error) {
	tier, rate, err := e.ResolveTier(tx, symbol, asset)
	if err != nil {
		return nil, err
	}
	if tier == types.BorrowTierNotShortable {
		return nil, types.Business(types.CodeNotShortable, "%s is not available to borrow", symbol)
	}

	borrow := &types.Borrow{
		BorrowID:   uuid.New().String(),
		AccountID:  account.AccountID,
		Symbol:     symbol,
		Quantity:   qty,
		EntryPrice: price,
		AnnualRate: rate,
		Tier:       tier,
		AccruedFee: decimal.Zero,
		OpenedAt:   at,
	}
	if err := tx.CreateBorrow(borrow); err != nil {
		return nil, err
	}

	account.MarginUsed = account.MarginUsed.Add(ShortMargin(price, qty))
	return borrow, nil
}

// CloseShort covers qty against open tranches oldest first and releases
// their margin from account.MarginUsed, floored at zero. It returns the
// margin released.
func (e *Engine) CloseShort(tx *ledger.Store, account *types.Account, symbol string, qty decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	borrows, err := tx.OpenBorrows(account.AccountID, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	released := decimal.Zero
	remaining := qty
	for i := range borrows {
		if !remaining.IsPositive() {
			break
		}
		b := &borrows[i]
		closed := decimal.Min(remaining, b.Quantity)
		released = released.Add(ShortMargin(b.EntryPrice, closed))
		remaining = remaining.Sub(closed)

		b.Quantity = b.Quantity.Sub(closed)
		if !b.Quantity.IsPositive() {
			b.Quantity = decimal.Zero
			closedAt := at
			b.ClosedAt = &closedAt
		}
		if err := tx.SaveBorrow(b); err != nil {
			return decimal.Zero, err
		}
	}

	account.MarginUsed = account.MarginUsed.Sub(released)
	if account.MarginUsed.IsNegative() {
		account.MarginUsed = decimal.Zero
	}
	return released, nil
}

// AccrualSummary reports one fee accrual pass.
type AccrualSummary struct {
	Accounts int
	Tranches int
	Total    decimal.Decimal
	Skipped  []string // symbols without a quote this pass
	Failed   []string // accounts whose transaction rolled back
}

// DailyFee is annualRate/365 x quantity x ask.
func DailyFee(rate, qty, ask decimal.Decimal) decimal.Decimal {
	return rate.Div(daysPerYear).Mul(qty).Mul(ask).Round(4)
}

// AccrueBorrowFees charges one day of fees on every open tranche. Each
// account is its own transaction. Tranches already charged for today's
// trade date are left alone, so a repeated run does not double-charge.
func (e *Engine) AccrueBorrowFees(ctx context.Context, store *ledger.Store, quotes QuoteSource) (AccrualSummary, error) {
	logger := log.With().Str("component", "borrow_accrual").Logger()
	summary := AccrualSummary{Total: decimal.Zero}

	accounts, err := store.WithContext(ctx).AccountsWithOpenBorrows()
	if err != nil {
		return summary, err
	}

	now := ledger.Now()
	today := types.TradeDate(now)
	asks := make(map[string]decimal.Decimal)
	missing := make(map[string]bool)
	var failures []error

	for _, accountID := range accounts {
		open, err := store.WithContext(ctx).OpenBorrows(accountID, "")
		if err != nil {
			logger.Error().Err(err).Str("account_id", accountID).Msg("failed to load open borrows")
			summary.Failed = append(summary.Failed, accountID)
			failures = append(failures, fmt.Errorf("accrue borrow fees for %s: %w", accountID, err))
			continue
		}
		for _, b := range open {
			if _, ok := asks[b.Symbol]; ok || missing[b.Symbol] {
				continue
			}
			q, err := quotes.GetQuote(ctx, b.Symbol)
			if err != nil {
				logger.Error().Err(err).Str("symbol", b.Symbol).Msg("no quote for borrow accrual")
				missing[b.Symbol] = true
				summary.Skipped = append(summary.Skipped, b.Symbol)
				continue
			}
			asks[b.Symbol] = q.Ask
		}

		var charged decimal.Decimal
		var tranches int
		err = store.Transaction(ctx, func(tx *ledger.Store) error {
			charged, tranches = decimal.Zero, 0
			account, err := tx.LockAccount(accountID)
			if err != nil {
				return err
			}
			borrows, err := tx.LockOpenBorrows(accountID)
			if err != nil {
				return err
			}
			for i := range borrows {
				b := &borrows[i]
				ask, ok := asks[b.Symbol]
				if !ok {
					continue
				}
				if b.LastAccruedAt != nil && types.TradeDate(*b.LastAccruedAt) == today {
					continue
				}
				fee := DailyFee(b.AnnualRate, b.Quantity, ask)
				b.AccruedFee = b.AccruedFee.Add(fee)
				stamp := now
				b.LastAccruedAt = &stamp
				if err := tx.SaveBorrow(b); err != nil {
					return err
				}
				charged = charged.Add(fee)
				tranches++
			}
			if tranches == 0 {
				return nil
			}
			account.Cash = account.Cash.Sub(charged)
			return tx.SaveBalances(account)
		})
		if err != nil {
			logger.Error().Err(err).Str("account_id", accountID).Msg("borrow accrual failed")
			summary.Failed = append(summary.Failed, accountID)
			failures = append(failures, fmt.Errorf("accrue borrow fees for %s: %w", accountID, err))
			continue
		}

		if tranches > 0 {
			summary.Accounts++
			summary.Tranches += tranches
			summary.Total = summary.Total.Add(charged)
			logger.Info().
				Str("account_id", accountID).
				Int("tranches", tranches).
				Str("fee", charged.StringFixed(4)).
				Msg("borrow fees accrued")
		}
	}

	return summary, errors.Join(failures...)
}
