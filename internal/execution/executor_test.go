package execution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
)

func TestBuyDebitsCashAndAveragesFillPrice(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	o := f.order("acct-1", "AAPL", types.OrderSideBuy, "10")

	res := f.mustFill(o.OrderID, "4", "100")
	if res.Order.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("status after first fill = %s, want partially_filled", res.Order.Status)
	}
	if res.Order.FilledAt != nil {
		t.Error("FilledAt stamped on a partial fill")
	}
	f.mustFill(o.OrderID, "6", "110")

	order := f.getOrder(o.OrderID)
	if order.Status != types.OrderStatusFilled || order.FilledAt == nil {
		t.Errorf("status = %s filledAt = %v, want filled and stamped", order.Status, order.FilledAt)
	}
	assertDec(t, "FilledQuantity", order.FilledQuantity, "10")
	assertDec(t, "AvgFillPrice", order.AvgFillPrice, "106")
	assertDec(t, "Cash", f.getAccount("acct-1").Cash, "8940")

	pos := f.getPosition("acct-1", "AAPL")
	if pos == nil {
		t.Fatal("position not created")
	}
	assertDec(t, "Position.Quantity", pos.Quantity, "10")
	assertDec(t, "Position.AvgCost", pos.AvgCost, "106")
	assertDec(t, "Position.CostBasis", pos.CostBasis, "1060")
	if pos.AssetClass != types.AssetClassEquity {
		t.Errorf("AssetClass = %s, want equity", pos.AssetClass)
	}

	if got := len(f.recorder.OfType(events.OrderPartiallyFilled)); got != 1 {
		t.Errorf("partially_filled events = %d, want 1", got)
	}
	if got := len(f.recorder.OfType(events.OrderFilled)); got != 1 {
		t.Errorf("filled events = %d, want 1", got)
	}
}

func TestFillIsClampedToRemaining(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	o := f.order("acct-1", "AAPL", types.OrderSideBuy, "10")

	res := f.mustFill(o.OrderID, "15", "100")
	assertDec(t, "Fill.Quantity", res.Fill.Quantity, "10")
	assertDec(t, "Cash", f.getAccount("acct-1").Cash, "9000")

	_, err := f.fill(o.OrderID, "1", "100")
	if types.ErrorCode(err) != types.CodeNotFillable {
		t.Errorf("second fill error = %v, want not_fillable", err)
	}
}

func TestRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	o := f.order("acct-1", "AAPL", types.OrderSideBuy, "10")

	if _, err := f.fill(o.OrderID, "0", "100"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("zero quantity error = %v, want validation", err)
	}
	if _, err := f.fill(o.OrderID, "1", "-1"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("negative price error = %v, want validation", err)
	}
	if _, err := f.fill("missing", "1", "1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing order error = %v, want not found", err)
	}
}

func TestSellLongCreditsProceeds(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	f.trade("acct-1", "AAPL", types.OrderSideBuy, "10", "100")

	res := f.trade("acct-1", "AAPL", types.OrderSideSell, "4", "120")
	if res.Split.Kind != KindSellLong {
		t.Errorf("kind = %s, want sell_long", res.Split.Kind)
	}
	assertDec(t, "Cash", f.getAccount("acct-1").Cash, "9480")
	pos := f.getPosition("acct-1", "AAPL")
	assertDec(t, "Position.Quantity", pos.Quantity, "6")
	assertDec(t, "Position.AvgCost", pos.AvgCost, "100")
	assertDec(t, "Position.CostBasis", pos.CostBasis, "600")

	f.trade("acct-1", "AAPL", types.OrderSideSell, "6", "90")
	if pos := f.getPosition("acct-1", "AAPL"); pos != nil {
		t.Errorf("position = %+v, want deleted at zero", pos)
	}
	assertDec(t, "Cash", f.getAccount("acct-1").Cash, "10020")
}

func TestShortOpenReservesMarginAndBorrows(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	f.sim.SetAsset(marketdata.Asset{Symbol: "AAPL", Tradable: true, Shortable: true, EasyToBorrow: true})

	res := f.trade("acct-1", "AAPL", types.OrderSideSell, "10", "100")
	if res.Split.Kind != KindSellShort {
		t.Errorf("kind = %s, want sell_short", res.Split.Kind)
	}
	account := f.getAccount("acct-1")
	assertDec(t, "Cash", account.Cash, "10000")
	assertDec(t, "MarginUsed", account.MarginUsed, "500")

	pos := f.getPosition("acct-1", "AAPL")
	assertDec(t, "Position.Quantity", pos.Quantity, "-10")
	assertDec(t, "Position.AvgCost", pos.AvgCost, "100")

	borrows, err := f.store.OpenBorrows("acct-1", "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if len(borrows) != 1 || borrows[0].Tier != types.BorrowTierEasy {
		t.Fatalf("borrows = %+v, want one easy tranche", borrows)
	}
	assertDec(t, "Borrow.Quantity", borrows[0].Quantity, "10")
}

func TestCoverReleasesMarginOldestFirst(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	f.trade("acct-1", "XYZ", types.OrderSideSell, "10", "100")
	f.trade("acct-1", "XYZ", types.OrderSideSell, "5", "120")
	assertDec(t, "MarginUsed", f.getAccount("acct-1").MarginUsed, "800")

	pos := f.getPosition("acct-1", "XYZ")
	assertDec(t, "Position.AvgCost", pos.AvgCost, "106.666667")

	res := f.trade("acct-1", "XYZ", types.OrderSideBuy, "12", "90")
	if res.Split.Kind != KindBuyToCover {
		t.Errorf("kind = %s, want buy_to_cover", res.Split.Kind)
	}
	account := f.getAccount("acct-1")
	assertDec(t, "Cash", account.Cash, "8920")
	assertDec(t, "MarginUsed", account.MarginUsed, "180")
	assertDec(t, "MarginDelta", res.MarginDelta, "-620")
	assertDec(t, "Position.Quantity", f.getPosition("acct-1", "XYZ").Quantity, "-3")
}

func TestSellFlipsLongToShort(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	f.trade("acct-1", "XYZ", types.OrderSideBuy, "10", "100")

	res := f.trade("acct-1", "XYZ", types.OrderSideSell, "15", "110")
	if res.Split.Kind != KindSellFlip {
		t.Errorf("kind = %s, want sell_long_and_short", res.Split.Kind)
	}
	assertDec(t, "CloseLong", res.Split.CloseLong, "10")
	assertDec(t, "OpenShort", res.Split.OpenShort, "5")

	account := f.getAccount("acct-1")
	assertDec(t, "Cash", account.Cash, "10100")
	assertDec(t, "MarginUsed", account.MarginUsed, "275")

	pos := f.getPosition("acct-1", "XYZ")
	assertDec(t, "Position.Quantity", pos.Quantity, "-5")
	assertDec(t, "Position.AvgCost", pos.AvgCost, "110")
	assertDec(t, "Position.CostBasis", pos.CostBasis, "550")
}

func TestBuyFlipsShortToLong(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	f.trade("acct-1", "XYZ", types.OrderSideSell, "5", "100")

	res := f.trade("acct-1", "XYZ", types.OrderSideBuy, "8", "95")
	assertDec(t, "Cover", res.Split.Cover, "5")
	assertDec(t, "OpenLong", res.Split.OpenLong, "3")

	account := f.getAccount("acct-1")
	assertDec(t, "Cash", account.Cash, "9240")
	assertDec(t, "MarginUsed", account.MarginUsed, "0")
	pos := f.getPosition("acct-1", "XYZ")
	assertDec(t, "Position.Quantity", pos.Quantity, "3")
	assertDec(t, "Position.AvgCost", pos.AvgCost, "95")

	borrows, _ := f.store.OpenBorrows("acct-1", "XYZ")
	if len(borrows) != 0 {
		t.Errorf("open borrows = %d, want 0", len(borrows))
	}
}

func TestFailedFillLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name  string
		cash  string
		setup func(f *fixture)
		side  types.OrderSide
		sym   string
		qty   string
		code  string
	}{
		{"insufficient funds", "100", nil, types.OrderSideBuy, "AAPL", "10", types.CodeInsufficientFunds},
		{"insufficient margin", "1000", nil, types.OrderSideSell, "AAPL", "30", types.CodeInsufficientMargin},
		{"crypto cannot short", "100000", nil, types.OrderSideSell, "BTC/USD", "1", types.CodeInsufficientPosition},
		{"not shortable", "100000", func(f *fixture) {
			f.sim.SetAsset(marketdata.Asset{Symbol: "GME", Tradable: true, Shortable: false})
		}, types.OrderSideSell, "GME", "1", types.CodeNotShortable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.account("acct-1", tt.cash)
			if tt.setup != nil {
				tt.setup(f)
			}
			o := f.order("acct-1", tt.sym, tt.side, tt.qty)

			_, err := f.fill(o.OrderID, tt.qty, "100")
			if !errors.Is(err, types.ErrBusinessRule) || types.ErrorCode(err) != tt.code {
				t.Fatalf("error = %v, want %s", err, tt.code)
			}

			order := f.getOrder(o.OrderID)
			if order.Status != types.OrderStatusPending || !order.FilledQuantity.IsZero() {
				t.Errorf("order = %s/%s, want untouched pending", order.Status, order.FilledQuantity)
			}
			fills, _ := f.store.FillsForOrder(o.OrderID)
			if len(fills) != 0 {
				t.Errorf("fills = %d, want 0", len(fills))
			}
			account := f.getAccount("acct-1")
			assertDec(t, "Cash", account.Cash, tt.cash)
			assertDec(t, "MarginUsed", account.MarginUsed, "0")
			if pos := f.getPosition("acct-1", o.Symbol); pos != nil {
				t.Errorf("position created: %+v", pos)
			}
		})
	}
}

func TestClosedOrdersAreNotFillable(t *testing.T) {
	for _, status := range []types.OrderStatus{types.OrderStatusCancelled, types.OrderStatusExpired, types.OrderStatusRejected, types.OrderStatusFilled} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			f.account("acct-1", "10000")
			o := f.order("acct-1", "AAPL", types.OrderSideBuy, "1")
			o.Status = status
			if err := f.store.SaveOrder(o); err != nil {
				t.Fatal(err)
			}
			if _, err := f.fill(o.OrderID, "1", "100"); types.ErrorCode(err) != types.CodeNotFillable {
				t.Errorf("error = %v, want not_fillable", err)
			}
		})
	}
}

func TestOptionFillUsesMultiplierAndSkipsBorrow(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	res := f.trade("acct-1", "AAPL240119C00150000", types.OrderSideBuy, "2", "2.50")
	assertDec(t, "Notional", res.Fill.Notional, "500")
	assertDec(t, "Cash", f.getAccount("acct-1").Cash, "9500")

	pos := f.getPosition("acct-1", "AAPL240119C00150000")
	if pos.AssetClass != types.AssetClassOption || pos.Underlying != "AAPL" || pos.Strike == nil {
		t.Errorf("option metadata missing: %+v", pos)
	}
	assertDec(t, "Position.CostBasis", pos.CostBasis, "500")

	// Writing a put opens a short without a borrow tranche.
	f.trade("acct-1", "AAPL240119P00140000", types.OrderSideSell, "1", "1.20")
	borrows, _ := f.store.OpenBorrows("acct-1", "")
	if len(borrows) != 0 {
		t.Errorf("option short opened %d borrow tranches, want 0", len(borrows))
	}
	assertDec(t, "MarginUsed", f.getAccount("acct-1").MarginUsed, "0")
	assertDec(t, "Short option qty", f.getPosition("acct-1", "AAPL240119P00140000").Quantity, "-1")
}

func TestOptionWriteRequiresMargin(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "0")
	f.account("acct-2", "250")

	// 10 contracts x 100 x 5.00 x 50% = 2500 of free margin needed
	o := f.order("acct-1", "AAPL240119C00150000", types.OrderSideSell, "10")
	if _, err := f.fill(o.OrderID, "10", "5.00"); types.ErrorCode(err) != types.CodeInsufficientMargin {
		t.Fatalf("error = %v, want insufficient_margin", err)
	}
	got, _ := f.store.GetOrder(o.OrderID)
	if got.Status != types.OrderStatusPending || !got.FilledQuantity.IsZero() {
		t.Errorf("order = %s filled %s, want untouched pending", got.Status, got.FilledQuantity)
	}
	if pos := f.getPosition("acct-1", "AAPL240119C00150000"); pos != nil {
		t.Errorf("rejected write left a position: %+v", pos)
	}

	// one contract needs 250: exactly covered
	one := f.order("acct-2", "AAPL240119C00150000", types.OrderSideSell, "2")
	if _, err := f.fill(one.OrderID, "2", "5.00"); types.ErrorCode(err) != types.CodeInsufficientMargin {
		t.Errorf("two contracts: error = %v, want insufficient_margin", err)
	}
	f.mustFill(one.OrderID, "1", "5.00")
	assertDec(t, "Short option qty", f.getPosition("acct-2", "AAPL240119C00150000").Quantity, "-1")
}

type hookRecorder struct {
	mu     sync.Mutex
	orders []string
}

func (h *hookRecorder) OnOrderFilled(_ context.Context, o *types.Order) {
	h.mu.Lock()
	h.orders = append(h.orders, o.OrderID)
	h.mu.Unlock()
}

func TestHooksRunOnlyOnFullFill(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "10000")
	hook := &hookRecorder{}
	f.executor.AddHook(hook)

	o := f.order("acct-1", "AAPL", types.OrderSideBuy, "10")
	f.mustFill(o.OrderID, "5", "100")
	if len(hook.orders) != 0 {
		t.Fatalf("hook ran on partial fill")
	}
	f.mustFill(o.OrderID, "5", "100")
	if len(hook.orders) != 1 || hook.orders[0] != o.OrderID {
		t.Errorf("hook orders = %v, want [%s]", hook.orders, o.OrderID)
	}
}

func TestSecondDayTradeWarns(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "100000")

	f.trade("acct-1", "AAPL", types.OrderSideBuy, "10", "100")
	first := f.trade("acct-1", "AAPL", types.OrderSideSell, "10", "101")
	if !first.DayTrade || first.DayTradeCount != 1 {
		t.Fatalf("first round trip: dayTrade=%v count=%d", first.DayTrade, first.DayTradeCount)
	}
	if len(f.recorder.OfType(events.PDTWarning)) != 0 {
		t.Fatal("warned after one day trade")
	}

	f.trade("acct-1", "MSFT", types.OrderSideBuy, "1", "400")
	second := f.trade("acct-1", "MSFT", types.OrderSideSell, "1", "401")
	if second.DayTradeCount != 2 {
		t.Fatalf("count = %d, want 2", second.DayTradeCount)
	}
	if got := len(f.recorder.OfType(events.PDTWarning)); got != 1 {
		t.Errorf("pdt.warning events = %d, want 1", got)
	}
}

func TestConcurrentFillsNeverOverfill(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "100000")
	o := f.order("acct-1", "AAPL", types.OrderSideBuy, "10")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.fill(o.OrderID, "1", "100"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if types.ErrorCode(err) != types.CodeNotFillable {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("successful fills = %d, want 10", succeeded)
	}
	order := f.getOrder(o.OrderID)
	assertDec(t, "FilledQuantity", order.FilledQuantity, "10")
	fills, _ := f.store.FillsForOrder(o.OrderID)
	if len(fills) != 10 {
		t.Errorf("fill rows = %d, want 10", len(fills))
	}
	assertDec(t, "Cash", f.getAccount("acct-1").Cash, "99000")
}

func TestCashAndMarginMoveOnlyByFillDeltas(t *testing.T) {
	f := newFixture(t)
	f.account("acct-1", "50000")

	steps := []struct {
		side  types.OrderSide
		qty   string
		price string
	}{
		{types.OrderSideBuy, "10", "100"},
		{types.OrderSideSell, "25", "105"},
		{types.OrderSideSell, "5", "110"},
		{types.OrderSideBuy, "30", "95"},
		{types.OrderSideSell, "10", "99"},
	}
	for i, s := range steps {
		before := f.getAccount("acct-1")
		res := f.trade("acct-1", "XYZ", s.side, s.qty, s.price)
		after := f.getAccount("acct-1")

		wantCash := res.Split.CloseLong.Mul(d(s.price))
		if s.side == types.OrderSideBuy {
			wantCash = res.Fill.Notional.Neg()
		}
		if !after.Cash.Sub(before.Cash).Equal(wantCash) || !res.CashDelta.Equal(wantCash) {
			t.Errorf("step %d: cash moved %s, want %s", i, after.Cash.Sub(before.Cash), wantCash)
		}
		if !after.MarginUsed.Sub(before.MarginUsed).Equal(res.MarginDelta) {
			t.Errorf("step %d: margin moved %s, result says %s", i, after.MarginUsed.Sub(before.MarginUsed), res.MarginDelta)
		}
	}
}

func TestNotFoundAccountRollsBack(t *testing.T) {
	f := newFixture(t)
	o := f.order("ghost", "AAPL", types.OrderSideBuy, "1")
	if _, err := f.fill(o.OrderID, "1", "1"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("error = %v, want not found", err)
	}
}
