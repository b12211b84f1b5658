// Package liquidation enforces maintenance margin by covering shorts, and
// flattens accounts when a risk control asks for it.
package liquidation

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/internal/valuation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Supervisor struct {
	store     *ledger.Store
	quotes    valuation.QuoteSource
	executor  *execution.Executor
	publisher events.Publisher
}

func NewSupervisor(store *ledger.Store, quotes valuation.QuoteSource, executor *execution.Executor, publisher events.Publisher) *Supervisor {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Supervisor{store: store, quotes: quotes, executor: executor, publisher: publisher}
}

// CheckSummary reports one margin check pass.
type CheckSummary struct {
	Accounts     int
	Deficient    int
	Liquidations int
	Failed       []string
}

// RunMarginCheck checks every account holding a short. Accounts are handled
// one at a time; a failure on one does not stop the pass.
func (s *Supervisor) RunMarginCheck(ctx context.Context) (CheckSummary, error) {
	logger := log.With().Str("component", "liquidation").Logger()
	var summary CheckSummary

	accounts, err := s.store.WithContext(ctx).AccountsWithShorts()
	if err != nil {
		return summary, err
	}

	for _, accountID := range accounts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Accounts++
		deficient, covered, err := s.CheckAccount(ctx, accountID)
		if deficient {
			summary.Deficient++
		}
		summary.Liquidations += covered
		if err != nil {
			logger.Error().Err(err).Str("account_id", accountID).Msg("margin check failed")
			summary.Failed = append(summary.Failed, accountID)
		}
	}

	if summary.Deficient > 0 {
		logger.Warn().
			Int("accounts", summary.Accounts).
			Int("deficient", summary.Deficient).
			Int("liquidations", summary.Liquidations).
			Msg("margin check complete")
	} else {
		logger.Debug().Int("accounts", summary.Accounts).Msg("margin check complete")
	}
	return summary, nil
}

// CheckAccount covers shorts, largest exposure first, until equity meets the
// maintenance requirement again or nothing more can be covered. It reports
// whether the account was deficient and how many covers were executed.
func (s *Supervisor) CheckAccount(ctx context.Context, accountID string) (bool, int, error) {
	logger := log.With().Str("component", "liquidation").Str("account_id", accountID).Logger()

	v, err := s.value(ctx, accountID)
	if err != nil {
		return false, 0, err
	}
	if v.Compliant() {
		return false, 0, nil
	}

	logger.Warn().
		Str("equity", v.Equity.String()).
		Str("requirement", v.Maintenance.String()).
		Msg("maintenance margin deficiency")
	s.publisher.Publish(events.Event{
		Type:      events.MarginWarning,
		AccountID: accountID,
		Payload:   events.Payload{Equity: events.Dec(v.Equity), Requirement: events.Dec(v.Maintenance)},
	})

	covered := 0
	for !v.Compliant() {
		mark, ok := largestShort(v)
		if !ok {
			break
		}
		qty := affordable(v.Cash, mark)
		if !qty.IsPositive() {
			return true, covered, types.Business(types.CodeInsufficientFunds,
				"cannot cover %s: cash %s below one unit at %s", mark.Position.Symbol, v.Cash.StringFixed(2), mark.Price)
		}

		res, err := s.close(ctx, mark, qty, "margin liquidation", logger)
		if err != nil {
			return true, covered, err
		}
		covered++

		if v, err = s.value(ctx, accountID); err != nil {
			return true, covered, err
		}
		s.publisher.Publish(events.Event{
			Type:      events.MarginLiquidation,
			AccountID: accountID,
			Payload: events.Payload{
				OrderID:     res.Order.OrderID,
				Symbol:      res.Order.Symbol,
				Side:        string(res.Order.Side),
				Quantity:    events.Dec(res.Fill.Quantity),
				Price:       events.Dec(res.Fill.Price),
				Equity:      events.Dec(v.Equity),
				Requirement: events.Dec(v.Maintenance),
			},
		})
	}
	return true, covered, nil
}

// FlattenAccount closes every position at the touch: longs sell at the bid,
// shorts cover at the ask for as much as cash allows.
func (s *Supervisor) FlattenAccount(ctx context.Context, accountID, reason string) (int, error) {
	logger := log.With().Str("component", "auto_flatten").Str("account_id", accountID).Logger()

	v, err := s.value(ctx, accountID)
	if err != nil {
		return 0, err
	}

	s.publisher.Publish(events.Event{
		Type:      events.RiskAutoFlatten,
		AccountID: accountID,
		Payload:   events.Payload{Reason: reason, Equity: events.Dec(v.Equity)},
	})

	// longs first so their proceeds fund the covers
	marks := append([]valuation.Mark(nil), v.Marks...)
	sort.SliceStable(marks, func(i, j int) bool {
		return !marks[i].Position.IsShort() && marks[j].Position.IsShort()
	})

	closed := 0
	var errs []error
	for _, m := range marks {
		qty := m.Position.Quantity.Abs()
		if m.Position.IsShort() {
			account, err := s.store.WithContext(ctx).GetAccount(accountID)
			if err != nil {
				return closed, err
			}
			qty = decimal.Min(qty, affordable(account.Cash, m))
			if !qty.IsPositive() {
				errs = append(errs, fmt.Errorf("cannot afford to cover %s", m.Position.Symbol))
				continue
			}
		}
		if _, err := s.close(ctx, m, qty, reason, logger); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}

	logger.Warn().Int("closed", closed).Int("failed", len(errs)).Str("reason", reason).Msg("account flattened")
	if len(errs) > 0 {
		return closed, fmt.Errorf("flatten %s: %d of %d positions failed: %w", accountID, len(errs), len(marks), errs[0])
	}
	return closed, nil
}

func (s *Supervisor) value(ctx context.Context, accountID string) (valuation.Valuation, error) {
	store := s.store.WithContext(ctx)
	account, err := store.GetAccount(accountID)
	if err != nil {
		return valuation.Valuation{}, err
	}
	if account == nil {
		return valuation.Valuation{}, types.NotFound("account %s", accountID)
	}
	positions, err := store.ListPositions(accountID)
	if err != nil {
		return valuation.Valuation{}, err
	}
	return valuation.Value(ctx, s.quotes, account, positions)
}

// close inserts a market order against the position and fills it at the
// mark price. A failed fill closes the order: rejected with the reason, or
// cancelled when the failure was transient, since the next pass re-sizes
// from scratch.
func (s *Supervisor) close(ctx context.Context, m valuation.Mark, qty decimal.Decimal, reason string, logger zerolog.Logger) (*execution.FillResult, error) {
	side := types.OrderSideSell
	if m.Position.IsShort() {
		side = types.OrderSideBuy
	}
	order := &types.Order{
		OrderID:        uuid.New().String(),
		AccountID:      m.Position.AccountID,
		Symbol:         m.Position.Symbol,
		AssetClass:     m.Position.AssetClass,
		Side:           side,
		OrderType:      types.OrderTypeMarket,
		TimeInForce:    types.TimeInForceIOC,
		Status:         types.OrderStatusPending,
		Quantity:       qty,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		BracketRole:    types.BracketRoleNone,
	}
	store := s.store.WithContext(ctx)
	if err := store.CreateOrder(order); err != nil {
		return nil, err
	}

	res, err := s.executor.ExecuteFill(ctx, execution.FillRequest{
		OrderID:    order.OrderID,
		Price:      m.Price,
		Quantity:   qty,
		Multiplier: m.Position.Multiplier,
	})
	if err != nil {
		order.Status = types.OrderStatusRejected
		if types.IsTransient(err) {
			now := ledger.Now()
			order.Status = types.OrderStatusCancelled
			order.CancelledAt = &now
		}
		order.RejectionReason = types.RejectionReason(err)
		if saveErr := store.SaveOrder(order); saveErr != nil {
			logger.Error().Err(saveErr).Str("order_id", order.OrderID).Msg("failed to close out order")
		}
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(side)).
		Str("quantity", qty.String()).
		Str("price", m.Price.String()).
		Str("reason", reason).
		Msg("position closed out")
	return res, nil
}

func largestShort(v valuation.Valuation) (valuation.Mark, bool) {
	var best valuation.Mark
	found := false
	for _, m := range v.Marks {
		if !m.Position.IsShort() {
			continue
		}
		if !found || m.Value.Abs().GreaterThan(best.Value.Abs()) {
			best, found = m, true
		}
	}
	return best, found
}

// affordable is the whole-unit quantity of the short in m that cash can
// buy back at the mark price.
func affordable(cash decimal.Decimal, m valuation.Mark) decimal.Decimal {
	qty := m.Position.Quantity.Abs()
	mult := m.Position.Multiplier
	if mult.IsZero() {
		mult = types.MultiplierFor(m.Position.AssetClass)
	}
	unit := m.Price.Mul(mult)
	if !unit.IsPositive() || !cash.IsPositive() {
		return decimal.Zero
	}
	if unit.Mul(qty).LessThanOrEqual(cash) {
		return qty
	}
	return cash.Div(unit).Floor()
}
