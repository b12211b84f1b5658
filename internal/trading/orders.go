package trading

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/risk"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/internal/valuation"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const idempotencyTTL = 24 * time.Hour

// OrderRequest is a client's order as submitted.
type OrderRequest struct {
	AccountID          string            `json:"-"`
	IdempotencyKey     string            `json:"-"`
	Symbol             string            `json:"symbol" binding:"required"`
	Side               types.OrderSide   `json:"side" binding:"required"`
	Type               types.OrderType   `json:"type"`
	TimeInForce        types.TimeInForce `json:"time_in_force"`
	Quantity           decimal.Decimal   `json:"quantity"`
	LimitPrice         *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice          *decimal.Decimal  `json:"stop_price,omitempty"`
	TrailPercent       *decimal.Decimal  `json:"trail_percent,omitempty"`
	TrailAmount        *decimal.Decimal  `json:"trail_amount,omitempty"`
	TakeProfitPrice    *decimal.Decimal  `json:"take_profit_price,omitempty"`
	StopLossPrice      *decimal.Decimal  `json:"stop_loss_price,omitempty"`
	StopLossLimitPrice *decimal.Decimal  `json:"stop_loss_limit_price,omitempty"`
}

func (r *OrderRequest) normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = types.OrderSide(strings.ToLower(string(r.Side)))
	r.Type = types.OrderType(strings.ToLower(string(r.Type)))
	r.TimeInForce = types.TimeInForce(strings.ToLower(string(r.TimeInForce)))
	if r.Type == "" {
		r.Type = types.OrderTypeMarket
	}
	if r.TimeInForce == "" {
		r.TimeInForce = types.TimeInForceDay
	}
}

func shapeErr(format string, args ...any) error {
	return types.Validation(types.CodeInvalidOrderShape, format, args...)
}

func required(field string, t types.OrderType, v *decimal.Decimal) error {
	if v == nil {
		return shapeErr("%s is required for %s orders", field, t)
	}
	if !v.IsPositive() {
		return shapeErr("%s must be positive", field)
	}
	return nil
}

func forbidden(field string, t types.OrderType, v *decimal.Decimal) error {
	if v != nil {
		return shapeErr("%s is not allowed on %s orders", field, t)
	}
	return nil
}

// validateShape stops at the first problem.
func validateShape(r OrderRequest) error {
	if !r.Quantity.IsPositive() {
		return types.Validation(types.CodeInvalidQuantity, "quantity must be positive")
	}
	if r.Symbol == "" {
		return shapeErr("symbol is required")
	}
	if r.Side != types.OrderSideBuy && r.Side != types.OrderSideSell {
		return shapeErr("side must be buy or sell, got %q", r.Side)
	}
	switch r.TimeInForce {
	case types.TimeInForceDay, types.TimeInForceGTC, types.TimeInForceIOC, types.TimeInForceFOK:
	default:
		return shapeErr("unknown time in force %q", r.TimeInForce)
	}

	var rules []error
	switch r.Type {
	case types.OrderTypeMarket:
		rules = []error{
			forbidden("limit_price", r.Type, r.LimitPrice),
			forbidden("stop_price", r.Type, r.StopPrice),
		}
	case types.OrderTypeLimit:
		rules = []error{
			required("limit_price", r.Type, r.LimitPrice),
			forbidden("stop_price", r.Type, r.StopPrice),
		}
	case types.OrderTypeStop:
		rules = []error{
			required("stop_price", r.Type, r.StopPrice),
			forbidden("limit_price", r.Type, r.LimitPrice),
		}
	case types.OrderTypeStopLimit:
		rules = []error{
			required("stop_price", r.Type, r.StopPrice),
			required("limit_price", r.Type, r.LimitPrice),
		}
	case types.OrderTypeTrailingStop:
		if r.Side != types.OrderSideSell {
			return shapeErr("trailing stops are sell orders")
		}
		if (r.TrailPercent == nil) == (r.TrailAmount == nil) {
			return shapeErr("exactly one of trail_percent or trail_amount is required")
		}
		if r.TrailPercent != nil {
			rules = append(rules, required("trail_percent", r.Type, r.TrailPercent))
			if r.TrailPercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
				rules = append(rules, shapeErr("trail_percent must be below 100"))
			}
		} else {
			rules = append(rules, required("trail_amount", r.Type, r.TrailAmount))
		}
		rules = append(rules,
			forbidden("limit_price", r.Type, r.LimitPrice),
			forbidden("stop_price", r.Type, r.StopPrice),
		)
	default:
		return shapeErr("unknown order type %q", r.Type)
	}
	if r.Type != types.OrderTypeTrailingStop {
		rules = append(rules,
			forbidden("trail_percent", r.Type, r.TrailPercent),
			forbidden("trail_amount", r.Type, r.TrailAmount),
		)
	}
	for _, err := range rules {
		if err != nil {
			return err
		}
	}

	return validateBracket(r)
}

func validateBracket(r OrderRequest) error {
	if r.TakeProfitPrice == nil && r.StopLossPrice == nil {
		if r.StopLossLimitPrice != nil {
			return shapeErr("stop_loss_limit_price requires stop_loss_price")
		}
		return nil
	}
	if r.Type == types.OrderTypeTrailingStop {
		return shapeErr("trailing stops cannot carry bracket legs")
	}
	if r.TakeProfitPrice != nil && !r.TakeProfitPrice.IsPositive() {
		return shapeErr("take_profit_price must be positive")
	}
	if r.StopLossPrice != nil && !r.StopLossPrice.IsPositive() {
		return shapeErr("stop_loss_price must be positive")
	}
	if r.StopLossLimitPrice != nil {
		if r.StopLossPrice == nil {
			return shapeErr("stop_loss_limit_price requires stop_loss_price")
		}
		if !r.StopLossLimitPrice.IsPositive() {
			return shapeErr("stop_loss_limit_price must be positive")
		}
	}
	if r.TakeProfitPrice != nil && r.StopLossPrice != nil {
		if r.Side == types.OrderSideBuy && !r.TakeProfitPrice.GreaterThan(*r.StopLossPrice) {
			return shapeErr("take_profit_price must be above stop_loss_price for a buy entry")
		}
		if r.Side == types.OrderSideSell && !r.TakeProfitPrice.LessThan(*r.StopLossPrice) {
			return shapeErr("take_profit_price must be below stop_loss_price for a sell entry")
		}
	}
	return nil
}

// plan is a checked order and everything read while checking it.
type plan struct {
	order     *types.Order
	account   *types.Account
	position  *types.Position
	quote     marketdata.Quote
	valuation valuation.Valuation
	notional  decimal.Decimal
	margin    decimal.Decimal
	risk      risk.Result
}

func (r OrderRequest) toOrder() (*types.Order, error) {
	in, err := types.ParseInstrument(r.Symbol)
	if err != nil {
		return nil, err
	}
	if in.AssetClass == types.AssetClassOption && !r.Quantity.Equal(r.Quantity.Truncate(0)) {
		return nil, types.Validation(types.CodeInvalidQuantity, "option quantity must be whole contracts")
	}
	role := types.BracketRoleNone
	if r.TakeProfitPrice != nil || r.StopLossPrice != nil {
		role = types.BracketRoleEntry
	}
	return &types.Order{
		OrderID:            uuid.New().String(),
		AccountID:          r.AccountID,
		Symbol:             in.Symbol,
		AssetClass:         in.AssetClass,
		Side:               r.Side,
		OrderType:          r.Type,
		TimeInForce:        r.TimeInForce,
		Status:             types.OrderStatusPending,
		Quantity:           r.Quantity,
		FilledQuantity:     decimal.Zero,
		AvgFillPrice:       decimal.Zero,
		LimitPrice:         r.LimitPrice,
		StopPrice:          r.StopPrice,
		TrailPercent:       r.TrailPercent,
		TrailAmount:        r.TrailAmount,
		BracketRole:        role,
		TakeProfitPrice:    r.TakeProfitPrice,
		StopLossPrice:      r.StopLossPrice,
		StopLossLimitPrice: r.StopLossLimitPrice,
	}, nil
}

func transient(err error, format string, args ...any) error {
	if types.IsTransient(err) {
		return err
	}
	return types.Transient(err, format, args...)
}

// prepare runs every pre-trade check. On a business-rule rejection it
// returns the plan built so far along with the error, so the rejected
// order can be recorded.
func (s *Service) prepare(ctx context.Context, req OrderRequest) (*plan, error) {
	req.normalize()
	if err := validateShape(req); err != nil {
		return nil, err
	}
	order, err := req.toOrder()
	if err != nil {
		return nil, err
	}

	store := s.store.WithContext(ctx)
	account, err := store.GetAccount(req.AccountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, types.NotFound("account %s", req.AccountID)
	}
	p := &plan{order: order, account: account}

	asset, err := s.market.GetAsset(ctx, order.Symbol)
	if err != nil {
		return nil, transient(err, "asset lookup for %s", order.Symbol)
	}
	if !asset.Tradable {
		return p, types.Business(types.CodeNotTradable, "%s is not tradable", order.Symbol)
	}

	if p.quote, err = s.market.GetQuote(ctx, order.Symbol); err != nil {
		return nil, transient(err, "quote for %s", order.Symbol)
	}
	positions, err := store.ListPositions(account.AccountID)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == order.Symbol {
			p.position = &positions[i]
		}
	}
	if p.valuation, err = valuation.Value(ctx, s.market, account, positions); err != nil {
		return nil, transient(err, "valuing account %s", account.AccountID)
	}

	if order.AssetClass == types.AssetClassEquity && account.PDTEnforced {
		count, err := s.pdt.CheckRule(store, account.AccountID, p.valuation.Equity)
		if err != nil {
			if types.ErrorCode(err) == types.CodePDTRestricted {
				s.publisher.Publish(events.Event{
					Type:      events.PDTRestricted,
					AccountID: account.AccountID,
					Payload:   events.Payload{Symbol: order.Symbol, DayTrades: count, Equity: events.Dec(p.valuation.Equity)},
				})
				return p, err
			}
			return nil, err
		}
	}

	if p.risk, err = s.risk.Validate(ctx, risk.Input{
		Order:     order,
		Account:   account,
		Position:  p.position,
		Valuation: p.valuation,
		Quote:     p.quote,
	}); err != nil {
		return nil, err
	}
	if !p.risk.OK() {
		return p, p.risk.Err()
	}

	if err := s.size(ctx, p, &asset, positions); err != nil {
		return p, err
	}
	return p, nil
}

func referencePrice(o *types.Order, q marketdata.Quote) decimal.Decimal {
	switch {
	case o.LimitPrice != nil:
		return *o.LimitPrice
	case o.StopPrice != nil:
		return *o.StopPrice
	case o.Side == types.OrderSideBuy:
		return q.Ask
	default:
		return q.Bid
	}
}

// size checks buying power and margin for the order at its reference
// price. The fill re-verifies all of this under lock.
func (s *Service) size(ctx context.Context, p *plan, asset *marketdata.Asset, positions []types.Position) error {
	o, account := p.order, p.account
	mult := types.MultiplierFor(o.AssetClass)
	price := referencePrice(o, p.quote)
	p.notional = price.Mul(o.Quantity).Mul(mult).Round(4)
	p.margin = decimal.Zero

	held := decimal.Zero
	if p.position != nil {
		held = p.position.Quantity
	}
	split := execution.Classify(o.Side, o.Quantity, held)

	if o.Side == types.OrderSideBuy {
		if p.notional.GreaterThan(account.Cash) {
			return types.Business(types.CodeInsufficientFunds,
				"insufficient funds: order needs %s, cash is %s", p.notional.StringFixed(2), account.Cash.StringFixed(2))
		}
		return nil
	}
	if !split.OpenShort.IsPositive() {
		return nil
	}

	switch o.AssetClass {
	case types.AssetClassCrypto:
		return types.Business(types.CodeInsufficientPosition,
			"insufficient position: %s held, %s to sell", split.CloseLong, o.Quantity)
	case types.AssetClassEquity:
		tier, _, err := s.margin.ResolveTier(s.store.WithContext(ctx), o.Symbol, asset)
		if err != nil {
			return err
		}
		if tier == types.BorrowTierNotShortable {
			return types.Business(types.CodeNotShortable, "%s is not available to borrow", o.Symbol)
		}
		p.margin = margin.ShortMargin(price.Mul(mult), split.OpenShort)
	case types.AssetClassOption:
		in, err := types.ParseInstrument(o.Symbol)
		if err != nil {
			return err
		}
		underlying, err := s.market.GetQuote(ctx, in.Underlying)
		if err != nil {
			return transient(err, "quote for %s", in.Underlying)
		}
		shares := decimal.Zero
		for _, pos := range positions {
			if pos.Symbol == in.Underlying && pos.Quantity.IsPositive() {
				shares = pos.Quantity
			}
		}
		p.margin = margin.OptionRequirement(margin.OptionOrder{
			Side:            o.Side,
			OptionType:      in.OptionType,
			Strike:          in.Strike,
			UnderlyingPrice: underlying.Mid(),
			Premium:         price,
			Contracts:       split.OpenShort,
			Multiplier:      in.Multiplier,
			SharesHeld:      shares,
		})
	}

	if available := account.AvailableMargin(); p.margin.GreaterThan(available) {
		return types.Business(types.CodeInsufficientMargin,
			"insufficient margin: order needs %s, %s available", p.margin.StringFixed(2), available.StringFixed(2))
	}
	return nil
}

// PlaceOrder checks and records an order, then tries to fill it at once
// when its market is in session. A business-rule rejection is recorded as
// a rejected order, which is returned together with the error.
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error) {
	logger := log.With().Str("component", "trading").Str("account_id", req.AccountID).Str("symbol", req.Symbol).Logger()

	if existing, err := s.replay(ctx, req); err != nil || existing != nil {
		return existing, err
	}

	p, err := s.prepare(ctx, req)
	if err != nil {
		if p == nil || !errors.Is(err, types.ErrBusinessRule) {
			if types.IsTransient(err) {
				logger.Error().Err(err).Msg("order placement unavailable")
			}
			return nil, err
		}
		return s.rejectAtPlacement(ctx, p, req.IdempotencyKey, err)
	}

	if err := s.persist(ctx, p.order, req.IdempotencyKey); err != nil {
		return nil, err
	}
	logger.Info().
		Str("order_id", p.order.OrderID).
		Str("side", string(p.order.Side)).
		Str("type", string(p.order.OrderType)).
		Str("quantity", p.order.Quantity.String()).
		Msg("order accepted")

	s.tryImmediate(ctx, p.order, p.quote)

	order, err := s.store.WithContext(ctx).GetOrder(p.order.OrderID)
	if err != nil {
		return nil, err
	}
	return order, nil
}

// replay returns the order already created under the request's
// idempotency key, if any.
func (s *Service) replay(ctx context.Context, req OrderRequest) (*types.Order, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	store := s.store.WithContext(ctx)
	record, err := store.GetIdempotencyRecord(req.IdempotencyKey)
	if err != nil || record == nil {
		return nil, err
	}
	if record.ExpiresAt.Before(ledger.Now()) {
		return nil, store.DeleteIdempotencyRecord(req.IdempotencyKey)
	}
	if record.AccountID != req.AccountID {
		return nil, types.Validation(types.CodeInvalidOrderShape, "idempotency key already used")
	}
	order, err := store.GetOrder(record.ResourceID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFound("order %s", record.ResourceID)
	}
	return order, nil
}

func (s *Service) persist(ctx context.Context, order *types.Order, key string) error {
	return s.store.Transaction(ctx, func(tx *ledger.Store) error {
		if err := tx.CreateOrder(order); err != nil {
			return err
		}
		if key == "" {
			return nil
		}
		return tx.CreateIdempotencyRecord(&types.IdempotencyRecord{
			IdempotencyKey: key,
			AccountID:      order.AccountID,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      ledger.Now().Add(idempotencyTTL),
		})
	})
}

func (s *Service) rejectAtPlacement(ctx context.Context, p *plan, key string, cause error) (*types.Order, error) {
	logger := log.With().Str("component", "trading").Str("account_id", p.order.AccountID).Str("order_id", p.order.OrderID).Logger()
	order := p.order
	order.Status = types.OrderStatusRejected
	order.RejectionReason = types.RejectionReason(cause)

	if err := s.persist(ctx, order, key); err != nil {
		return nil, err
	}
	logger.Warn().Str("code", types.ErrorCode(cause)).Str("reason", order.RejectionReason).Msg("order rejected")

	if types.ErrorCode(cause) == types.CodeRiskViolation {
		messages := p.risk.Messages()
		raw, err := json.Marshal(messages)
		if err != nil {
			return nil, err
		}
		riskEvent := &types.RiskEvent{
			AccountID:  order.AccountID,
			Symbol:     order.Symbol,
			Kind:       "order_rejected",
			Violations: string(raw),
			CreatedAt:  ledger.Now(),
		}
		if err := s.store.WithContext(ctx).CreateRiskEvent(riskEvent); err != nil {
			logger.Error().Err(err).Msg("failed to record risk event")
		}
		s.publisher.Publish(events.Event{
			Type:      events.RiskOrderRejected,
			AccountID: order.AccountID,
			Payload:   events.Payload{OrderID: order.OrderID, Symbol: order.Symbol, Side: string(order.Side), Violations: messages},
		})
	}
	s.publishRejected(order)

	if p.risk.AutoFlatten && s.flattener != nil {
		reason := "risk controls: " + order.RejectionReason
		if _, err := s.flattener.FlattenAccount(ctx, order.AccountID, reason); err != nil {
			logger.Error().Err(err).Msg("auto flatten incomplete")
		}
	}
	return order, cause
}

func (s *Service) publishRejected(order *types.Order) {
	s.publisher.Publish(events.Event{
		Type:      events.OrderRejected,
		AccountID: order.AccountID,
		Payload: events.Payload{
			OrderID:  order.OrderID,
			Symbol:   order.Symbol,
			Side:     string(order.Side),
			Quantity: events.Dec(order.Quantity),
			Reason:   order.RejectionReason,
		},
	})
}

// ValidateOrder runs the placement checks without recording anything.
// Rule failures come back as an invalid result; only lookup failures are
// returned as errors.
func (s *Service) ValidateOrder(ctx context.Context, req OrderRequest) (*types.ValidationResult, error) {
	p, err := s.prepare(ctx, req)
	result := &types.ValidationResult{Valid: err == nil, Notional: decimal.Zero, MarginNeeded: decimal.Zero}
	if p != nil {
		result.Notional, result.MarginNeeded = p.notional, p.margin
	}
	if err == nil {
		return result, nil
	}

	var typed *types.Error
	if !errors.As(err, &typed) || !(errors.Is(err, types.ErrValidation) || errors.Is(err, types.ErrBusinessRule)) {
		return nil, err
	}
	result.Reasons = typed.Reasons
	if len(result.Reasons) == 0 {
		result.Reasons = []string{typed.Message}
	}
	return result, nil
}

// CancelOrder cancels the unfilled remainder of an open order.
func (s *Service) CancelOrder(ctx context.Context, accountID, orderID string) (*types.Order, error) {
	order, err := s.store.WithContext(ctx).GetOrderForAccount(orderID, accountID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFound("order %s", orderID)
	}
	cancelled, err := s.cancel(ctx, orderID, "cancelled by user")
	if err != nil {
		return nil, err
	}
	if cancelled == nil {
		return nil, types.Business(types.CodeNotCancellable, "order %s is %s", orderID, order.Status)
	}
	return cancelled, nil
}

// cancel moves an open order to cancelled. It returns nil when the order
// was no longer open.
func (s *Service) cancel(ctx context.Context, orderID, reason string) (*types.Order, error) {
	var cancelled *types.Order
	err := s.store.Transaction(ctx, func(tx *ledger.Store) error {
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if !o.Status.Open() {
			return nil
		}
		now := ledger.Now()
		o.Status = types.OrderStatusCancelled
		o.CancelledAt = &now
		o.RejectionReason = reason
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil || cancelled == nil {
		return nil, err
	}

	log.Info().Str("component", "trading").Str("order_id", orderID).Str("reason", reason).Msg("order cancelled")
	s.publisher.Publish(events.Event{
		Type:      events.OrderCancelled,
		AccountID: cancelled.AccountID,
		Payload: events.Payload{
			OrderID:        cancelled.OrderID,
			Symbol:         cancelled.Symbol,
			Side:           string(cancelled.Side),
			Quantity:       events.Dec(cancelled.Quantity),
			FilledQuantity: events.Dec(cancelled.FilledQuantity),
			Reason:         reason,
		},
	})
	return cancelled, nil
}

func (s *Service) ListOrders(ctx context.Context, filter ledger.OrderFilter) ([]types.Order, error) {
	return s.store.WithContext(ctx).ListOrders(filter)
}

// GetOrder returns the order with its bracket children and fills.
func (s *Service) GetOrder(ctx context.Context, accountID, orderID string) (*types.OrderDetail, error) {
	store := s.store.WithContext(ctx)
	order, err := store.GetOrderForAccount(orderID, accountID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFound("order %s", orderID)
	}
	children, err := store.ChildOrders(orderID)
	if err != nil {
		return nil, err
	}
	fills, err := store.FillsForOrder(orderID)
	if err != nil {
		return nil, err
	}

	detail := &types.OrderDetail{Order: *order, ChildIDs: make([]string, 0, len(children)), Fills: fills}
	for _, c := range children {
		detail.ChildIDs = append(detail.ChildIDs, c.OrderID)
	}
	return detail, nil
}
