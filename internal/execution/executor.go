// Package execution applies fills to the ledger. One fill is one
// transaction holding row locks on the order, account and position, taken
// in that order.
package execution

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/pdt"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type AssetLookup interface {
	GetAsset(ctx context.Context, symbol string) (marketdata.Asset, error)
}

// FillHook runs after the commit of a fill that completed its order.
type FillHook interface {
	OnOrderFilled(ctx context.Context, order *types.Order)
}

type FillRequest struct {
	OrderID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	// Multiplier defaults to the asset class multiplier when zero.
	Multiplier decimal.Decimal
}

type FillResult struct {
	Order         types.Order
	Fill          types.Fill
	Split         Split
	CashDelta     decimal.Decimal
	MarginDelta   decimal.Decimal
	DayTrade      bool
	DayTradeCount int64
}

type Executor struct {
	store     *ledger.Store
	margin    *margin.Engine
	pdt       *pdt.Tracker
	assets    AssetLookup
	publisher events.Publisher
	hooks     []FillHook
}

func NewExecutor(store *ledger.Store, engine *margin.Engine, tracker *pdt.Tracker, assets AssetLookup, publisher events.Publisher) *Executor {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Executor{
		store:     store,
		margin:    engine,
		pdt:       tracker,
		assets:    assets,
		publisher: publisher,
	}
}

// AddHook registers a post-commit hook for completed orders.
func (e *Executor) AddHook(h FillHook) {
	e.hooks = append(e.hooks, h)
}

// ExecuteFill applies one fill. Quantity above the remaining quantity is
// clamped. Any failure rolls the whole fill back and leaves the order as it
// was; the caller decides whether to reject it.
func (e *Executor) ExecuteFill(ctx context.Context, req FillRequest) (*FillResult, error) {
	logger := log.With().Str("component", "fill_executor").Str("order_id", req.OrderID).Logger()

	if !req.Quantity.IsPositive() {
		return nil, types.Validation(types.CodeInvalidQuantity, "fill quantity must be positive")
	}
	if !req.Price.IsPositive() {
		return nil, types.Validation(types.CodeInvalidOrderShape, "fill price must be positive")
	}

	asset := e.prefetchAsset(ctx, req.OrderID, logger)

	var result *FillResult
	err := e.store.Transaction(ctx, func(tx *ledger.Store) error {
		var err error
		result, err = e.apply(tx, req, asset, logger)
		return err
	})
	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) && !errors.Is(err, types.ErrTransient) {
			logger.Warn().Str("code", typed.Code).Msg(typed.Error())
		} else {
			logger.Error().Err(err).Msg("fill failed")
		}
		return nil, err
	}

	logger.Info().
		Str("kind", string(result.Split.Kind)).
		Str("quantity", result.Fill.Quantity.String()).
		Str("price", result.Fill.Price.String()).
		Str("status", string(result.Order.Status)).
		Msg("fill applied")

	e.afterCommit(ctx, result)
	return result, nil
}

// prefetchAsset looks up borrow metadata before any lock is taken. A failed
// lookup yields nil, which resolves to the default borrow tier.
func (e *Executor) prefetchAsset(ctx context.Context, orderID string, logger zerolog.Logger) *marketdata.Asset {
	if e.assets == nil {
		return nil
	}
	order, err := e.store.WithContext(ctx).GetOrder(orderID)
	if err != nil || order == nil {
		return nil
	}
	if order.Side != types.OrderSideSell || order.AssetClass != types.AssetClassEquity {
		return nil
	}
	asset, err := e.assets.GetAsset(ctx, order.Symbol)
	if err != nil {
		logger.Debug().Err(err).Str("symbol", order.Symbol).Msg("asset lookup failed, using default borrow tier")
		return nil
	}
	return &asset
}

func (e *Executor) apply(tx *ledger.Store, req FillRequest, asset *marketdata.Asset, logger zerolog.Logger) (*FillResult, error) {
	order, err := tx.LockOrder(req.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Open() {
		return nil, types.Business(types.CodeNotFillable, "order %s is %s", order.OrderID, order.Status)
	}
	remaining := order.RemainingQuantity()
	if !remaining.IsPositive() {
		return nil, types.Business(types.CodeNotFillable, "order %s has nothing left to fill", order.OrderID)
	}
	qty := decimal.Min(req.Quantity, remaining)

	account, err := tx.LockAccount(order.AccountID)
	if err != nil {
		return nil, err
	}
	position, err := tx.LockPosition(order.AccountID, order.Symbol)
	if err != nil {
		return nil, err
	}

	mult := req.Multiplier
	if mult.IsZero() {
		mult = types.MultiplierFor(order.AssetClass)
	}

	posQty := decimal.Zero
	if position != nil {
		posQty = position.Quantity
	}
	split := Classify(order.Side, qty, posQty)
	notional := req.Price.Mul(qty).Mul(mult).Round(4)

	if err := revalidate(order, account, split, req.Price, mult, notional); err != nil {
		return nil, err
	}

	now := ledger.Now()
	cashBefore, marginBefore := account.Cash, account.MarginUsed

	fill := &types.Fill{
		FillID:    uuid.New().String(),
		OrderID:   order.OrderID,
		AccountID: order.AccountID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  qty,
		Price:     req.Price,
		Notional:  notional,
		FilledAt:  now,
	}
	if err := tx.CreateFill(fill); err != nil {
		return nil, err
	}

	filled := order.FilledQuantity.Add(qty)
	order.AvgFillPrice = order.AvgFillPrice.Mul(order.FilledQuantity).Add(req.Price.Mul(qty)).Div(filled).Round(6)
	order.FilledQuantity = filled
	order.Status = types.OrderStatusPartiallyFilled
	if filled.GreaterThanOrEqual(order.Quantity) {
		order.Status = types.OrderStatusFilled
		filledAt := now
		order.FilledAt = &filledAt
	}
	if err := tx.SaveOrder(order); err != nil {
		return nil, err
	}

	if order.Side == types.OrderSideBuy {
		account.Cash = account.Cash.Sub(notional)
	} else {
		account.Cash = account.Cash.Add(req.Price.Mul(split.CloseLong).Mul(mult).Round(4))
	}

	if err := e.updatePosition(tx, order, position, qty, req.Price, mult); err != nil {
		return nil, err
	}

	result := &FillResult{Split: split}

	if order.AssetClass == types.AssetClassEquity {
		if split.OpenShort.IsPositive() {
			if _, err := e.margin.OpenShort(tx, account, order.Symbol, split.OpenShort, req.Price, asset, now); err != nil {
				return nil, err
			}
		}
		if split.Cover.IsPositive() {
			if _, err := e.margin.CloseShort(tx, account, order.Symbol, split.Cover, now); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.SaveBalances(account); err != nil {
		return nil, err
	}

	if order.AssetClass == types.AssetClassEquity && e.pdt != nil {
		recorded, count, err := e.pdt.RecordIfApplicable(tx, fill)
		if err != nil {
			return nil, err
		}
		result.DayTrade, result.DayTradeCount = recorded, count
	}

	result.Order = *order
	result.Fill = *fill
	result.CashDelta = account.Cash.Sub(cashBefore)
	result.MarginDelta = account.MarginUsed.Sub(marginBefore)

	logger.Debug().
		Str("kind", string(split.Kind)).
		Str("cash_delta", result.CashDelta.String()).
		Str("margin_delta", result.MarginDelta.String()).
		Msg("fill classified")

	return result, nil
}

func revalidate(order *types.Order, account *types.Account, split Split, price, mult, notional decimal.Decimal) error {
	if order.Side == types.OrderSideBuy {
		if account.Cash.LessThan(notional) {
			return types.Business(types.CodeInsufficientFunds,
				"insufficient funds: need %s, have %s", notional.StringFixed(2), account.Cash.StringFixed(2))
		}
		return nil
	}

	if !split.OpenShort.IsPositive() {
		return nil
	}
	switch order.AssetClass {
	case types.AssetClassCrypto:
		return types.Business(types.CodeInsufficientPosition,
			"insufficient position: selling %s %s with %s held", split.CloseLong.Add(split.OpenShort), order.Symbol, split.CloseLong)
	case types.AssetClassEquity, types.AssetClassOption:
		// option writes reserve nothing but must still be covered by free margin
		required := margin.ShortMargin(price.Mul(mult), split.OpenShort)
		if available := account.AvailableMargin(); available.LessThan(required) {
			return types.Business(types.CodeInsufficientMargin,
				"insufficient margin: need %s, have %s available", required.StringFixed(2), available.StringFixed(2))
		}
	}
	return nil
}

func (e *Executor) updatePosition(tx *ledger.Store, order *types.Order, position *types.Position, qty, price, mult decimal.Decimal) error {
	next := ApplyToPosition(position, order.Side, qty, price, mult)
	if next == nil {
		return tx.DeletePosition(position)
	}
	if position == nil {
		in, err := types.ParseInstrument(order.Symbol)
		if err != nil {
			return err
		}
		next.AccountID = order.AccountID
		next.Symbol = in.Symbol
		in.Apply(next)
	}
	return tx.SavePosition(next)
}

func (e *Executor) afterCommit(ctx context.Context, result *FillResult) {
	order := &result.Order
	payload := events.Payload{
		OrderID:        order.OrderID,
		Symbol:         order.Symbol,
		Side:           string(order.Side),
		Quantity:       events.Dec(result.Fill.Quantity),
		FilledQuantity: events.Dec(order.FilledQuantity),
		Price:          events.Dec(result.Fill.Price),
	}

	evtType := events.OrderPartiallyFilled
	if order.Status == types.OrderStatusFilled {
		evtType = events.OrderFilled
	}
	e.publisher.Publish(events.Event{Type: evtType, AccountID: order.AccountID, Payload: payload})

	if result.DayTrade && result.DayTradeCount == pdt.WarningCount {
		e.publisher.Publish(events.Event{
			Type:      events.PDTWarning,
			AccountID: order.AccountID,
			Payload:   events.Payload{Symbol: order.Symbol, DayTrades: result.DayTradeCount},
		})
	}

	if order.Status != types.OrderStatusFilled {
		return
	}
	for _, h := range e.hooks {
		h.OnOrderFilled(ctx, order)
	}
}
