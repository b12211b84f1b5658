package trading

import (
	"context"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/internal/valuation"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OpenAccount creates an account funded with startingBalance.
func (s *Service) OpenAccount(ctx context.Context, startingBalance decimal.Decimal) (*types.Account, error) {
	if startingBalance.IsNegative() {
		return nil, types.Validation(types.CodeInvalidQuantity, "starting balance cannot be negative")
	}
	account := &types.Account{
		AccountID:       uuid.New().String(),
		Cash:            startingBalance.Round(4),
		MarginUsed:      decimal.Zero,
		StartingBalance: startingBalance.Round(4),
		PDTEnforced:     s.pdtDefault,
	}
	if err := s.store.WithContext(ctx).CreateAccount(account); err != nil {
		return nil, err
	}
	log.Info().Str("component", "accounts").Str("account_id", account.AccountID).Str("starting_balance", account.Cash.String()).Msg("account opened")
	return account, nil
}

// AccountSummary values the account at current quotes.
func (s *Service) AccountSummary(ctx context.Context, accountID string) (*types.AccountSummary, error) {
	store := s.store.WithContext(ctx)
	account, err := store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, types.NotFound("account %s", accountID)
	}
	positions, err := store.ListPositions(accountID)
	if err != nil {
		return nil, err
	}
	v, err := valuation.Value(ctx, s.market, account, positions)
	if err != nil {
		return nil, transient(err, "valuing account %s", accountID)
	}
	return &types.AccountSummary{
		Account:        *account,
		Positions:      positions,
		PositionsValue: v.PositionsValue,
		Equity:         v.Equity,
		AsOf:           ledger.Now(),
	}, nil
}

// RiskControls returns the stored controls, or the default profile.
func (s *Service) RiskControls(ctx context.Context, accountID string) (*types.RiskControls, error) {
	if err := s.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.risk.Controls(accountID)
}

// UpsertRiskControls replaces the account's controls.
func (s *Service) UpsertRiskControls(ctx context.Context, controls *types.RiskControls) (*types.RiskControls, error) {
	if err := s.requireAccount(ctx, controls.AccountID); err != nil {
		return nil, err
	}
	if err := validateControls(controls); err != nil {
		return nil, err
	}
	if err := s.store.WithContext(ctx).SaveRiskControls(controls); err != nil {
		return nil, err
	}
	log.Info().Str("component", "risk_controls").Str("account_id", controls.AccountID).Msg("risk controls updated")
	return s.risk.Controls(controls.AccountID)
}

func validateControls(c *types.RiskControls) error {
	limits := []struct {
		name  string
		value *decimal.Decimal
	}{
		{"max_position_pct", c.MaxPositionPct},
		{"max_position_value", c.MaxPositionValue},
		{"max_order_value", c.MaxOrderValue},
		{"max_order_quantity", c.MaxOrderQuantity},
		{"max_price_deviation_pct", c.MaxPriceDeviationPct},
		{"max_daily_notional", c.MaxDailyNotional},
		{"max_daily_loss_pct", c.MaxDailyLossPct},
		{"max_drawdown_pct", c.MaxDrawdownPct},
		{"max_short_exposure_pct", c.MaxShortExposurePct},
		{"max_single_short_pct", c.MaxSingleShortPct},
	}
	for _, l := range limits {
		if l.value != nil && l.value.IsNegative() {
			return types.Validation(types.CodeInvalidOrderShape, "%s cannot be negative", l.name)
		}
	}
	if c.MaxOpenPositions != nil && *c.MaxOpenPositions < 0 {
		return types.Validation(types.CodeInvalidOrderShape, "max_open_positions cannot be negative")
	}
	if c.MaxDailyTrades != nil && *c.MaxDailyTrades < 0 {
		return types.Validation(types.CodeInvalidOrderShape, "max_daily_trades cannot be negative")
	}
	return nil
}

func (s *Service) RiskEvents(ctx context.Context, accountID string, limit int) ([]types.RiskEvent, error) {
	return s.store.WithContext(ctx).RiskEvents(accountID, limit)
}

// SetBorrowTier pins a symbol's borrow tier, optionally with its own rate.
func (s *Service) SetBorrowTier(ctx context.Context, symbol string, tier types.BorrowTier, rate *decimal.Decimal) error {
	switch tier {
	case types.BorrowTierEasy, types.BorrowTierModerate, types.BorrowTierHard, types.BorrowTierNotShortable:
	default:
		return types.Validation(types.CodeInvalidOrderShape, "unknown borrow tier %q", tier)
	}
	if rate != nil && rate.IsNegative() {
		return types.Validation(types.CodeInvalidOrderShape, "borrow rate cannot be negative")
	}
	in, err := types.ParseInstrument(symbol)
	if err != nil {
		return err
	}
	return s.store.WithContext(ctx).SaveTierOverride(&types.BorrowTierOverride{Symbol: in.Symbol, Tier: tier, AnnualRate: rate})
}

func (s *Service) requireAccount(ctx context.Context, accountID string) error {
	account, err := s.store.WithContext(ctx).GetAccount(accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return types.NotFound("account %s", accountID)
	}
	return nil
}
