// Package risk runs the pre-trade checklist. Every check runs; all
// violations are reported together.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/internal/valuation"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Input is the proposed order and the account state it is checked against.
type Input struct {
	Order     *types.Order
	Account   *types.Account
	Position  *types.Position // existing position in the symbol, or nil
	Valuation valuation.Valuation
	Quote     marketdata.Quote
}

type Violation struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

type Result struct {
	Violations  []Violation
	AutoFlatten bool
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

// Messages returns the human-readable reasons in check order.
func (r Result) Messages() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.Message
	}
	return out
}

// Err is nil when the order passed.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return types.RiskRejection(r.Messages())
}

// state is everything a check reads; derived once per validation.
type state struct {
	in       Input
	controls *types.RiskControls

	price    decimal.Decimal // expected execution price
	notional decimal.Decimal
	mult     decimal.Decimal
	equity   decimal.Decimal
	preQty   decimal.Decimal // signed
	postQty  decimal.Decimal // signed
	shortQty decimal.Decimal // newly shorted quantity

	daily          ledger.DailyStats
	dayStartEquity decimal.Decimal
	peakEquity     decimal.Decimal

	autoFlatten bool
}

type check struct {
	name string
	run  func(s *state) []string
}

var checks = []check{
	{"max_open_positions", checkOpenPositions},
	{"position_concentration", checkConcentration},
	{"position_value", checkPositionValue},
	{"order_value", checkOrderValue},
	{"order_quantity", checkOrderQuantity},
	{"price_deviation", checkPriceDeviation},
	{"daily_trades", checkDailyTrades},
	{"daily_notional", checkDailyNotional},
	{"daily_loss", checkDailyLoss},
	{"drawdown", checkDrawdown},
	{"short_selling", checkShortSelling},
	{"short_exposure", checkShortExposure},
	{"single_short", checkSingleShort},
}

type Validator struct {
	store *ledger.Store
	now   func() time.Time
}

func NewValidator(store *ledger.Store) *Validator {
	return &Validator{store: store, now: ledger.Now}
}

// Controls returns the account's stored controls or the default profile.
func (v *Validator) Controls(accountID string) (*types.RiskControls, error) {
	controls, err := v.store.GetRiskControls(accountID)
	if err != nil {
		return nil, err
	}
	if controls == nil {
		return DefaultControls(accountID), nil
	}
	return controls, nil
}

// Validate runs every check. The returned error is for lookup failures
// only; rule violations are in the Result.
func (v *Validator) Validate(ctx context.Context, in Input) (Result, error) {
	store := v.store.WithContext(ctx)
	controls, err := v.Controls(in.Account.AccountID)
	if err != nil {
		return Result{}, err
	}

	s := &state{in: in, controls: controls, equity: in.Valuation.Equity}
	s.mult = types.MultiplierFor(in.Order.AssetClass)
	s.price = expectedPrice(in.Order, in.Quote)
	s.notional = s.price.Mul(in.Order.Quantity).Mul(s.mult)

	s.preQty = decimal.Zero
	if in.Position != nil {
		s.preQty = in.Position.Quantity
	}
	signed := in.Order.Quantity
	if in.Order.Side == types.OrderSideSell {
		signed = signed.Neg()
	}
	s.postQty = s.preQty.Add(signed)
	if in.Order.Side == types.OrderSideSell && s.postQty.IsNegative() {
		s.shortQty = decimal.Min(s.postQty.Neg(), in.Order.Quantity)
	}

	now := v.now()
	s.daily, err = store.DailyFillStats(in.Account.AccountID, types.StartOfTradeDate(now))
	if err != nil {
		return Result{}, err
	}

	s.dayStartEquity = in.Account.StartingBalance
	prior, err := store.LastSnapshotBefore(in.Account.AccountID, types.TradeDate(now))
	if err != nil {
		return Result{}, err
	}
	if prior != nil {
		s.dayStartEquity = prior.Equity
	}

	s.peakEquity = decimal.Max(in.Account.StartingBalance, s.equity)
	if peak, ok, err := store.PeakEquity(in.Account.AccountID); err != nil {
		return Result{}, err
	} else if ok {
		s.peakEquity = decimal.Max(s.peakEquity, peak)
	}

	var result Result
	for _, c := range checks {
		for _, msg := range c.run(s) {
			result.Violations = append(result.Violations, Violation{Check: c.name, Message: msg})
		}
	}
	result.AutoFlatten = s.autoFlatten
	return result, nil
}

// expectedPrice is the limit or stop when set, else the touch for the side.
func expectedPrice(o *types.Order, q marketdata.Quote) decimal.Decimal {
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

func pctOf(part, whole decimal.Decimal) decimal.Decimal {
	return part.Div(whole).Mul(hundred).Round(2)
}

func checkOpenPositions(s *state) []string {
	c := s.controls.MaxOpenPositions
	if c == nil || s.in.Order.Side != types.OrderSideBuy || s.in.Position != nil {
		return nil
	}
	if open := len(s.in.Valuation.Marks); open >= *c {
		return []string{fmt.Sprintf("opening %s would exceed the limit of %d open positions", s.in.Order.Symbol, *c)}
	}
	return nil
}

// increasing reports whether the order grows the absolute position size.
func (s *state) increasing() bool {
	return s.postQty.Abs().GreaterThan(s.preQty.Abs())
}

func (s *state) postValue() decimal.Decimal {
	return s.postQty.Abs().Mul(s.price).Mul(s.mult)
}

func checkConcentration(s *state) []string {
	c := s.controls.MaxPositionPct
	if c == nil || !s.increasing() {
		return nil
	}
	if !s.equity.IsPositive() {
		return []string{"account equity is not positive"}
	}
	if pct := pctOf(s.postValue(), s.equity); pct.GreaterThan(*c) {
		return []string{fmt.Sprintf("position in %s would be %s%% of equity, above the %s%% limit", s.in.Order.Symbol, pct, c)}
	}
	return nil
}

func checkPositionValue(s *state) []string {
	c := s.controls.MaxPositionValue
	if c == nil || !s.increasing() {
		return nil
	}
	if v := s.postValue(); v.GreaterThan(*c) {
		return []string{fmt.Sprintf("position in %s would be worth %s, above the %s limit", s.in.Order.Symbol, v.StringFixed(2), c.StringFixed(2))}
	}
	return nil
}

func checkOrderValue(s *state) []string {
	c := s.controls.MaxOrderValue
	if c == nil {
		return nil
	}
	if s.notional.GreaterThan(*c) {
		return []string{fmt.Sprintf("order value %s exceeds the %s limit", s.notional.StringFixed(2), c.StringFixed(2))}
	}
	return nil
}

func checkOrderQuantity(s *state) []string {
	c := s.controls.MaxOrderQuantity
	if c == nil {
		return nil
	}
	if s.in.Order.Quantity.GreaterThan(*c) {
		return []string{fmt.Sprintf("order quantity %s exceeds the %s limit", s.in.Order.Quantity, c)}
	}
	return nil
}

func checkPriceDeviation(s *state) []string {
	c := s.controls.MaxPriceDeviationPct
	mid := s.in.Quote.Mid()
	if c == nil || !mid.IsPositive() {
		return nil
	}
	prices := []struct {
		label string
		price *decimal.Decimal
	}{
		{"limit", s.in.Order.LimitPrice},
		{"stop", s.in.Order.StopPrice},
	}
	var out []string
	for _, p := range prices {
		if p.price == nil {
			continue
		}
		if dev := pctOf(p.price.Sub(mid).Abs(), mid); dev.GreaterThan(*c) {
			out = append(out, fmt.Sprintf("%s price %s is %s%% from the market %s, above the %s%% limit", p.label, p.price, dev, mid.StringFixed(4), c))
		}
	}
	return out
}

func checkDailyTrades(s *state) []string {
	c := s.controls.MaxDailyTrades
	if c == nil {
		return nil
	}
	if s.daily.Trades >= int64(*c) {
		return []string{fmt.Sprintf("daily trade limit of %d reached", *c)}
	}
	return nil
}

func checkDailyNotional(s *state) []string {
	c := s.controls.MaxDailyNotional
	if c == nil {
		return nil
	}
	if total := s.daily.Notional.Add(s.notional); total.GreaterThan(*c) {
		return []string{fmt.Sprintf("daily traded value would reach %s, above the %s limit", total.StringFixed(2), c.StringFixed(2))}
	}
	return nil
}

func checkDailyLoss(s *state) []string {
	c := s.controls.MaxDailyLossPct
	if c == nil || !s.dayStartEquity.IsPositive() {
		return nil
	}
	loss := s.dayStartEquity.Sub(s.equity)
	if !loss.IsPositive() {
		return nil
	}
	if pct := pctOf(loss, s.dayStartEquity); pct.GreaterThanOrEqual(*c) {
		s.autoFlatten = s.autoFlatten || s.controls.AutoFlatten
		return []string{fmt.Sprintf("daily loss of %s%% reached the %s%% limit", pct, c)}
	}
	return nil
}

func checkDrawdown(s *state) []string {
	c := s.controls.MaxDrawdownPct
	if c == nil || !s.peakEquity.IsPositive() {
		return nil
	}
	dd := s.peakEquity.Sub(s.equity)
	if !dd.IsPositive() {
		return nil
	}
	if pct := pctOf(dd, s.peakEquity); pct.GreaterThanOrEqual(*c) {
		s.autoFlatten = s.autoFlatten || s.controls.AutoFlatten
		return []string{fmt.Sprintf("drawdown of %s%% from peak equity %s reached the %s%% limit", pct, s.peakEquity.StringFixed(2), c)}
	}
	return nil
}

func (s *state) shortChecksApply() bool {
	return s.in.Order.AssetClass == types.AssetClassEquity && s.shortQty.IsPositive()
}

func checkShortSelling(s *state) []string {
	if !s.shortChecksApply() || s.controls.ShortSellingEnabled {
		return nil
	}
	return []string{"short selling is disabled for this account"}
}

func checkShortExposure(s *state) []string {
	c := s.controls.MaxShortExposurePct
	if !s.shortChecksApply() || c == nil {
		return nil
	}
	if !s.equity.IsPositive() {
		return []string{"account equity is not positive"}
	}
	total := s.in.Valuation.ShortExposure.Add(s.shortQty.Mul(s.price).Mul(s.mult))
	if pct := pctOf(total, s.equity); pct.GreaterThan(*c) {
		return []string{fmt.Sprintf("short exposure would be %s%% of equity, above the %s%% limit", pct, c)}
	}
	return nil
}

func checkSingleShort(s *state) []string {
	c := s.controls.MaxSingleShortPct
	if !s.shortChecksApply() || c == nil || !s.equity.IsPositive() {
		return nil
	}
	if pct := pctOf(s.postValue(), s.equity); pct.GreaterThan(*c) {
		return []string{fmt.Sprintf("short in %s would be %s%% of equity, above the %s%% limit", s.in.Order.Symbol, pct, c)}
	}
	return nil
}
