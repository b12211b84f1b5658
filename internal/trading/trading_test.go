package trading

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/pdt"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type fakeFlattener struct {
	mu      sync.Mutex
	calls   []string
	reasons []string
}

func (f *fakeFlattener) FlattenAccount(ctx context.Context, accountID, reason string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, accountID)
	f.reasons = append(f.reasons, reason)
	return 0, nil
}

type env struct {
	t        *testing.T
	store    *ledger.Store
	sim      *marketdata.Simulated
	recorder *events.Recorder
	service  *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.NewInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store := ledger.NewStore(db)
	sim := marketdata.NewSimulated()
	sim.SetQuote("AAPL", d("99.9"), d("100"))
	recorder := &events.Recorder{}
	engine := margin.NewEngine()
	tracker := pdt.NewTracker()
	executor := execution.NewExecutor(store, engine, tracker, sim, recorder)
	service := NewService(Options{
		Store:     store,
		Market:    sim,
		Executor:  executor,
		Margin:    engine,
		PDT:       tracker,
		Publisher: recorder,
	})
	return &env{t: t, store: store, sim: sim, recorder: recorder, service: service}
}

func (e *env) open(balance string) string {
	e.t.Helper()
	account, err := e.service.OpenAccount(context.Background(), d(balance))
	if err != nil {
		e.t.Fatalf("OpenAccount error: %v", err)
	}
	return account.AccountID
}

func (e *env) place(req OrderRequest) *types.Order {
	e.t.Helper()
	order, err := e.service.PlaceOrder(context.Background(), req)
	if err != nil {
		e.t.Fatalf("PlaceOrder(%+v) error: %v", req, err)
	}
	return order
}

func (e *env) order(id string) *types.Order {
	e.t.Helper()
	o, err := e.store.GetOrder(id)
	if err != nil || o == nil {
		e.t.Fatalf("GetOrder(%s) = %v, %v", id, o, err)
	}
	return o
}

func (e *env) cash(accountID string) decimal.Decimal {
	e.t.Helper()
	a, err := e.store.GetAccount(accountID)
	if err != nil || a == nil {
		e.t.Fatalf("GetAccount(%s) = %v, %v", accountID, a, err)
	}
	return a.Cash
}

func TestValidateShape(t *testing.T) {
	base := func() OrderRequest {
		return OrderRequest{Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, TimeInForce: types.TimeInForceDay, Quantity: d("1")}
	}
	tests := []struct {
		name     string
		mutate   func(r *OrderRequest)
		wantCode string
	}{
		{"valid market", func(r *OrderRequest) {}, ""},
		{"zero quantity", func(r *OrderRequest) { r.Quantity = decimal.Zero }, types.CodeInvalidQuantity},
		{"negative quantity", func(r *OrderRequest) { r.Quantity = d("-1") }, types.CodeInvalidQuantity},
		{"bad side", func(r *OrderRequest) { r.Side = "hold" }, types.CodeInvalidOrderShape},
		{"bad tif", func(r *OrderRequest) { r.TimeInForce = "opg" }, types.CodeInvalidOrderShape},
		{"market with limit", func(r *OrderRequest) { r.LimitPrice = dp("100") }, types.CodeInvalidOrderShape},
		{"limit without price", func(r *OrderRequest) { r.Type = types.OrderTypeLimit }, types.CodeInvalidOrderShape},
		{"limit zero price", func(r *OrderRequest) { r.Type = types.OrderTypeLimit; r.LimitPrice = dp("0") }, types.CodeInvalidOrderShape},
		{"valid limit", func(r *OrderRequest) { r.Type = types.OrderTypeLimit; r.LimitPrice = dp("100") }, ""},
		{"stop with limit", func(r *OrderRequest) {
			r.Type = types.OrderTypeStop
			r.StopPrice = dp("100")
			r.LimitPrice = dp("101")
		}, types.CodeInvalidOrderShape},
		{"stop limit needs both", func(r *OrderRequest) { r.Type = types.OrderTypeStopLimit; r.StopPrice = dp("100") }, types.CodeInvalidOrderShape},
		{"trailing buy", func(r *OrderRequest) { r.Type = types.OrderTypeTrailingStop; r.TrailPercent = dp("5") }, types.CodeInvalidOrderShape},
		{"trailing both offsets", func(r *OrderRequest) {
			r.Side = types.OrderSideSell
			r.Type = types.OrderTypeTrailingStop
			r.TrailPercent = dp("5")
			r.TrailAmount = dp("2")
		}, types.CodeInvalidOrderShape},
		{"trailing percent 100", func(r *OrderRequest) {
			r.Side = types.OrderSideSell
			r.Type = types.OrderTypeTrailingStop
			r.TrailPercent = dp("100")
		}, types.CodeInvalidOrderShape},
		{"valid trailing amount", func(r *OrderRequest) {
			r.Side = types.OrderSideSell
			r.Type = types.OrderTypeTrailingStop
			r.TrailAmount = dp("2")
		}, ""},
		{"trail on limit", func(r *OrderRequest) {
			r.Type = types.OrderTypeLimit
			r.LimitPrice = dp("100")
			r.TrailAmount = dp("2")
		}, types.CodeInvalidOrderShape},
		{"buy bracket inverted", func(r *OrderRequest) { r.TakeProfitPrice = dp("90"); r.StopLossPrice = dp("110") }, types.CodeInvalidOrderShape},
		{"sell bracket inverted", func(r *OrderRequest) {
			r.Side = types.OrderSideSell
			r.TakeProfitPrice = dp("110")
			r.StopLossPrice = dp("90")
		}, types.CodeInvalidOrderShape},
		{"valid buy bracket", func(r *OrderRequest) { r.TakeProfitPrice = dp("110"); r.StopLossPrice = dp("90") }, ""},
		{"stop loss limit alone", func(r *OrderRequest) { r.StopLossLimitPrice = dp("89") }, types.CodeInvalidOrderShape},
		{"unknown type", func(r *OrderRequest) { r.Type = "iceberg" }, types.CodeInvalidOrderShape},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			tt.mutate(&r)
			err := validateShape(r)
			if got := types.ErrorCode(err); got != tt.wantCode {
				t.Errorf("validateShape() code = %q, want %q (err %v)", got, tt.wantCode, err)
			}
			if err != nil && !errors.Is(err, types.ErrValidation) {
				t.Errorf("validateShape() error %v is not a validation error", err)
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	r := OrderRequest{Symbol: " aapl ", Side: "BUY"}
	r.normalize()
	if r.Symbol != "AAPL" || r.Side != types.OrderSideBuy {
		t.Errorf("normalize() symbol/side = %q/%q", r.Symbol, r.Side)
	}
	if r.Type != types.OrderTypeMarket || r.TimeInForce != types.TimeInForceDay {
		t.Errorf("normalize() type/tif = %q/%q, want market/day", r.Type, r.TimeInForce)
	}
}

func TestPlaceMarketOrderFillsImmediately(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")

	order := e.place(OrderRequest{AccountID: acct, Symbol: "aapl", Side: types.OrderSideBuy, Quantity: d("10")})

	if order.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", order.Status)
	}
	if !order.AvgFillPrice.Equal(d("100")) {
		t.Errorf("avg fill price = %s, want 100", order.AvgFillPrice)
	}
	if got := e.cash(acct); !got.Equal(d("9000")) {
		t.Errorf("cash = %s, want 9000", got)
	}
	if n := len(e.recorder.OfType(events.OrderFilled)); n != 1 {
		t.Errorf("order.filled events = %d, want 1", n)
	}
}

func TestPlaceOrderUnknownAccount(t *testing.T) {
	e := newEnv(t)
	_, err := e.service.PlaceOrder(context.Background(), OrderRequest{AccountID: "missing", Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("1")})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("PlaceOrder() error = %v, want not found", err)
	}
	orders, _ := e.store.ListOrders(ledger.OrderFilter{AccountID: "missing"})
	if len(orders) != 0 {
		t.Errorf("orders recorded = %d, want 0", len(orders))
	}
}

func TestPlaceOrderInsufficientFundsIsRecorded(t *testing.T) {
	e := newEnv(t)
	acct := e.open("1000")

	order, err := e.service.PlaceOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("20")})
	if types.ErrorCode(err) != types.CodeInsufficientFunds {
		t.Fatalf("PlaceOrder() error = %v, want insufficient_funds", err)
	}
	if order == nil || order.Status != types.OrderStatusRejected {
		t.Fatalf("returned order = %+v, want rejected", order)
	}
	stored := e.order(order.OrderID)
	if stored.Status != types.OrderStatusRejected || stored.RejectionReason == "" {
		t.Errorf("stored order status = %s reason = %q", stored.Status, stored.RejectionReason)
	}
	if got := e.cash(acct); !got.Equal(d("1000")) {
		t.Errorf("cash = %s, want unchanged 1000", got)
	}
	riskEvents, _ := e.service.RiskEvents(context.Background(), acct, 10)
	if len(riskEvents) != 0 {
		t.Errorf("risk events = %d, want 0 for a funding rejection", len(riskEvents))
	}
	if n := len(e.recorder.OfType(events.OrderRejected)); n != 1 {
		t.Errorf("order.rejected events = %d, want 1", n)
	}
}

func TestRiskRejectionRecordsEvent(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	controls, err := e.service.RiskControls(context.Background(), acct)
	if err != nil {
		t.Fatal(err)
	}
	controls.MaxOrderValue = dp("500")
	if _, err := e.service.UpsertRiskControls(context.Background(), controls); err != nil {
		t.Fatalf("UpsertRiskControls error: %v", err)
	}

	order, err := e.service.PlaceOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("10")})
	if types.ErrorCode(err) != types.CodeRiskViolation {
		t.Fatalf("PlaceOrder() error = %v, want risk_violation", err)
	}
	if order.Status != types.OrderStatusRejected {
		t.Errorf("status = %s, want rejected", order.Status)
	}

	riskEvents, err := e.service.RiskEvents(context.Background(), acct, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(riskEvents) != 1 || riskEvents[0].Kind != "order_rejected" || riskEvents[0].Symbol != "AAPL" {
		t.Fatalf("risk events = %+v", riskEvents)
	}
	published := e.recorder.OfType(events.RiskOrderRejected)
	if len(published) != 1 || len(published[0].Payload.Violations) != 1 {
		t.Fatalf("risk.order_rejected events = %+v", published)
	}
}

func TestAutoFlattenOnDailyLoss(t *testing.T) {
	e := newEnv(t)
	flattener := &fakeFlattener{}
	e.service.SetFlattener(flattener)
	acct := e.open("10000")
	e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("10")})

	controls, _ := e.service.RiskControls(context.Background(), acct)
	controls.MaxDailyLossPct = dp("1")
	controls.AutoFlatten = true
	if _, err := e.service.UpsertRiskControls(context.Background(), controls); err != nil {
		t.Fatal(err)
	}

	// equity 9000 + 10 x 80 = 9800, a 2% loss on the day
	e.sim.SetQuote("AAPL", d("80"), d("80.1"))
	_, err := e.service.PlaceOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("1")})
	if types.ErrorCode(err) != types.CodeRiskViolation {
		t.Fatalf("PlaceOrder() error = %v, want risk_violation", err)
	}
	if len(flattener.calls) != 1 || flattener.calls[0] != acct {
		t.Fatalf("flatten calls = %v, want [%s]", flattener.calls, acct)
	}
}

func TestIdempotentPlacement(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	req := OrderRequest{AccountID: acct, IdempotencyKey: "key-1", Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("5")}

	first := e.place(req)
	second := e.place(req)
	if first.OrderID != second.OrderID {
		t.Errorf("replayed order id = %s, want %s", second.OrderID, first.OrderID)
	}
	orders, _ := e.service.ListOrders(context.Background(), ledger.OrderFilter{AccountID: acct})
	if len(orders) != 1 {
		t.Errorf("orders = %d, want 1", len(orders))
	}
	if got := e.cash(acct); !got.Equal(d("9500")) {
		t.Errorf("cash = %s, want 9500", got)
	}

	other := e.open("10000")
	req.AccountID = other
	if _, err := e.service.PlaceOrder(context.Background(), req); !errors.Is(err, types.ErrValidation) {
		t.Errorf("reused key on another account error = %v, want validation", err)
	}
}

func TestImmediateOrdersOutsideSession(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	e.sim.SetMarketOpen(false)

	ioc := e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, TimeInForce: types.TimeInForceIOC, Quantity: d("1")})
	if ioc.Status != types.OrderStatusCancelled {
		t.Errorf("IOC status = %s, want cancelled", ioc.Status)
	}

	day := e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("2")})
	if day.Status != types.OrderStatusPending {
		t.Fatalf("day order status = %s, want pending", day.Status)
	}

	summary, err := e.service.EvaluatePendingOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Evaluated != 0 {
		t.Errorf("closed-session pass evaluated %d orders, want 0", summary.Evaluated)
	}

	e.sim.SetMarketOpen(true)
	summary, err = e.service.FillQueuedMarketOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.Filled != 1 {
		t.Errorf("queued fills = %d, want 1", summary.Filled)
	}
	if got := e.order(day.OrderID).Status; got != types.OrderStatusFilled {
		t.Errorf("day order status = %s, want filled", got)
	}
}

func TestCryptoTradesOutsideSession(t *testing.T) {
	e := newEnv(t)
	acct := e.open("100000")
	e.sim.SetQuote("BTC/USD", d("64990"), d("65000"))
	e.sim.SetMarketOpen(false)

	order := e.place(OrderRequest{AccountID: acct, Symbol: "BTC/USD", Side: types.OrderSideBuy, TimeInForce: types.TimeInForceIOC, Quantity: d("0.5")})
	if order.Status != types.OrderStatusFilled {
		t.Errorf("crypto IOC status = %s, want filled", order.Status)
	}
}

func TestIOCNotMarketableIsCancelled(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")

	order := e.place(OrderRequest{
		AccountID:   acct,
		Symbol:      "AAPL",
		Side:        types.OrderSideBuy,
		Type:        types.OrderTypeLimit,
		TimeInForce: types.TimeInForceFOK,
		Quantity:    d("1"),
		LimitPrice:  dp("95"),
	})
	if order.Status != types.OrderStatusCancelled || order.RejectionReason != "not immediately fillable" {
		t.Errorf("FOK status = %s reason = %q", order.Status, order.RejectionReason)
	}
}

func TestLimitOrderRestsUntilMarketable(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")

	order := e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, TimeInForce: types.TimeInForceGTC, Quantity: d("10"), LimitPrice: dp("95")})
	if order.Status != types.OrderStatusPending {
		t.Fatalf("status = %s, want pending", order.Status)
	}

	summary, _ := e.service.EvaluatePendingOrders(context.Background())
	if summary.Evaluated != 1 || summary.Filled != 0 {
		t.Errorf("first pass = %+v, want 1 evaluated 0 filled", summary)
	}

	e.sim.SetQuote("AAPL", d("94.9"), d("95"))
	summary, _ = e.service.EvaluatePendingOrders(context.Background())
	if summary.Filled != 1 {
		t.Fatalf("second pass = %+v, want 1 filled", summary)
	}
	filled := e.order(order.OrderID)
	if !filled.AvgFillPrice.Equal(d("95")) {
		t.Errorf("avg fill price = %s, want 95", filled.AvgFillPrice)
	}
	if got := e.cash(acct); !got.Equal(d("9050")) {
		t.Errorf("cash = %s, want 9050", got)
	}
}

func TestTrailingStopRatchetsThenFires(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	e.sim.SetQuote("AAPL", d("100"), d("100"))
	e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("10")})

	stop := e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideSell, Type: types.OrderTypeTrailingStop, TimeInForce: types.TimeInForceGTC, Quantity: d("10"), TrailPercent: dp("5")})
	if stop.HighWaterMark == nil || !stop.HighWaterMark.Equal(d("100")) || !stop.TrailStopPrice.Equal(d("95")) {
		t.Fatalf("initial trailing state = %v / %v, want 100 / 95", stop.HighWaterMark, stop.TrailStopPrice)
	}

	e.sim.SetQuote("AAPL", d("110"), d("110.1"))
	summary, _ := e.service.EvaluatePendingOrders(context.Background())
	if summary.Ratcheted != 1 || summary.Filled != 0 {
		t.Fatalf("rally pass = %+v, want 1 ratcheted", summary)
	}
	if got := e.order(stop.OrderID).TrailStopPrice; !got.Equal(d("104.5")) {
		t.Errorf("trail stop = %s, want 104.5", got)
	}

	e.sim.SetQuote("AAPL", d("104"), d("104.1"))
	summary, _ = e.service.EvaluatePendingOrders(context.Background())
	if summary.Filled != 1 {
		t.Fatalf("drop pass = %+v, want 1 filled", summary)
	}
	filled := e.order(stop.OrderID)
	if filled.Status != types.OrderStatusFilled || !filled.AvgFillPrice.Equal(d("104")) {
		t.Errorf("stop = %s @ %s, want filled @ 104", filled.Status, filled.AvgFillPrice)
	}
	if got := e.cash(acct); !got.Equal(d("10040")) {
		t.Errorf("cash = %s, want 10040", got)
	}
}

func TestExpireDayOrders(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	limit := func(tif types.TimeInForce) *types.Order {
		return e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, TimeInForce: tif, Quantity: d("1"), LimitPrice: dp("90")})
	}
	day := limit(types.TimeInForceDay)
	gtc := limit(types.TimeInForceGTC)

	expired, err := e.service.ExpireDayOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}
	if got := e.order(day.OrderID); got.Status != types.OrderStatusExpired || got.ExpiredAt == nil {
		t.Errorf("day order = %s expired_at %v", got.Status, got.ExpiredAt)
	}
	if got := e.order(gtc.OrderID).Status; got != types.OrderStatusPending {
		t.Errorf("gtc order status = %s, want pending", got)
	}
	if n := len(e.recorder.OfType(events.OrderExpired)); n != 1 {
		t.Errorf("order.expired events = %d, want 1", n)
	}
}

func TestCancelOrder(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	order := e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, TimeInForce: types.TimeInForceGTC, Quantity: d("1"), LimitPrice: dp("90")})

	if _, err := e.service.CancelOrder(context.Background(), "someone-else", order.OrderID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("cancel by another account error = %v, want not found", err)
	}

	cancelled, err := e.service.CancelOrder(context.Background(), acct, order.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder error: %v", err)
	}
	if cancelled.Status != types.OrderStatusCancelled || cancelled.CancelledAt == nil {
		t.Errorf("cancelled order = %s at %v", cancelled.Status, cancelled.CancelledAt)
	}

	if _, err := e.service.CancelOrder(context.Background(), acct, order.OrderID); types.ErrorCode(err) != types.CodeNotCancellable {
		t.Errorf("second cancel error = %v, want not_cancellable", err)
	}
	if n := len(e.recorder.OfType(events.OrderCancelled)); n != 1 {
		t.Errorf("order.cancelled events = %d, want 1", n)
	}
}

func TestValidateOrderRecordsNothing(t *testing.T) {
	e := newEnv(t)
	acct := e.open("1000")

	ok, err := e.service.ValidateOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("5")})
	if err != nil {
		t.Fatal(err)
	}
	if !ok.Valid || !ok.Notional.Equal(d("500")) {
		t.Errorf("valid result = %+v, want valid with notional 500", ok)
	}

	bad, err := e.service.ValidateOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("50")})
	if err != nil {
		t.Fatal(err)
	}
	if bad.Valid || len(bad.Reasons) == 0 {
		t.Errorf("invalid result = %+v, want reasons", bad)
	}

	shape, err := e.service.ValidateOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("0")})
	if err != nil || shape.Valid {
		t.Errorf("shape result = %+v, %v, want invalid without error", shape, err)
	}

	orders, _ := e.service.ListOrders(context.Background(), ledger.OrderFilter{AccountID: acct})
	if len(orders) != 0 {
		t.Errorf("orders recorded = %d, want 0", len(orders))
	}
}

func TestShortRequiresMargin(t *testing.T) {
	e := newEnv(t)
	acct := e.open("1000")
	controls, _ := e.service.RiskControls(context.Background(), acct)
	controls.MaxShortExposurePct = nil
	controls.MaxSingleShortPct = nil
	if _, err := e.service.UpsertRiskControls(context.Background(), controls); err != nil {
		t.Fatal(err)
	}

	// 30 x 99.9 x 0.5 = 1498.5 of margin against 1000 cash
	_, err := e.service.PlaceOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideSell, Quantity: d("30")})
	if types.ErrorCode(err) != types.CodeInsufficientMargin {
		t.Fatalf("PlaceOrder() error = %v, want insufficient_margin", err)
	}

	order := e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideSell, Quantity: d("10")})
	if order.Status != types.OrderStatusFilled {
		t.Errorf("short status = %s, want filled", order.Status)
	}
}

func TestCryptoCannotBeShorted(t *testing.T) {
	e := newEnv(t)
	acct := e.open("100000")
	e.sim.SetQuote("BTC/USD", d("64990"), d("65000"))

	_, err := e.service.PlaceOrder(context.Background(), OrderRequest{AccountID: acct, Symbol: "BTC/USD", Side: types.OrderSideSell, Quantity: d("1")})
	if types.ErrorCode(err) != types.CodeInsufficientPosition {
		t.Errorf("PlaceOrder() error = %v, want insufficient_position", err)
	}
}

func TestRiskControlsLifecycle(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	ctx := context.Background()

	defaults, err := e.service.RiskControls(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if !defaults.ShortSellingEnabled || defaults.MaxOpenPositions == nil {
		t.Errorf("defaults = %+v", defaults)
	}

	defaults.MaxShortExposurePct = dp("-1")
	if _, err := e.service.UpsertRiskControls(ctx, defaults); !errors.Is(err, types.ErrValidation) {
		t.Errorf("negative limit error = %v, want validation", err)
	}

	defaults.MaxShortExposurePct = dp("50")
	defaults.ShortSellingEnabled = false
	saved, err := e.service.UpsertRiskControls(ctx, defaults)
	if err != nil {
		t.Fatal(err)
	}
	if saved.ShortSellingEnabled || !saved.MaxShortExposurePct.Equal(d("50")) {
		t.Errorf("saved = %+v", saved)
	}

	if _, err := e.service.RiskControls(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("controls for missing account error = %v, want not found", err)
	}
}

func TestGetOrderIncludesFills(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	order := e.place(OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideBuy, Quantity: d("3")})

	detail, err := e.service.GetOrder(context.Background(), acct, order.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Fills) != 1 || !detail.Fills[0].Quantity.Equal(d("3")) {
		t.Errorf("fills = %+v, want one fill of 3", detail.Fills)
	}
	if _, err := e.service.GetOrder(context.Background(), "other", order.OrderID); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("GetOrder by another account error = %v, want not found", err)
	}
}

func TestSetBorrowTier(t *testing.T) {
	e := newEnv(t)
	acct := e.open("10000")
	ctx := context.Background()

	if err := e.service.SetBorrowTier(ctx, "AAPL", "impossible", nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("unknown tier error = %v, want validation", err)
	}
	if err := e.service.SetBorrowTier(ctx, "aapl", types.BorrowTierNotShortable, nil); err != nil {
		t.Fatal(err)
	}
	_, err := e.service.PlaceOrder(ctx, OrderRequest{AccountID: acct, Symbol: "AAPL", Side: types.OrderSideSell, Quantity: d("1")})
	if types.ErrorCode(err) != types.CodeNotShortable {
		t.Errorf("short after override error = %v, want not_shortable", err)
	}
}
