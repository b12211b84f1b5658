package execution

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/pdt"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// tester is satisfied by both *testing.T and *rapid.T.
type tester interface {
	Helper()
	Fatal(args ...any)
	Fatalf(format string, args ...any)
}

type fixture struct {
	t        tester
	store    *ledger.Store
	sim      *marketdata.Simulated
	recorder *events.Recorder
	executor *Executor
}

func newFixture(t tester) *fixture {
	t.Helper()
	db, err := database.NewInMemory()
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store := ledger.NewStore(db)
	sim := marketdata.NewSimulated()
	recorder := &events.Recorder{}
	return &fixture{
		t:        t,
		store:    store,
		sim:      sim,
		recorder: recorder,
		executor: NewExecutor(store, margin.NewEngine(), pdt.NewTracker(), sim, recorder),
	}
}

func (f *fixture) account(id, cash string) {
	f.t.Helper()
	a := &types.Account{AccountID: id, Cash: d(cash), MarginUsed: decimal.Zero, StartingBalance: d(cash)}
	if err := f.store.CreateAccount(a); err != nil {
		f.t.Fatalf("failed to create account: %v", err)
	}
}

func (f *fixture) order(accountID, symbol string, side types.OrderSide, qty string) *types.Order {
	f.t.Helper()
	in, err := types.ParseInstrument(symbol)
	if err != nil {
		f.t.Fatal(err)
	}
	o := &types.Order{
		OrderID:        uuid.New().String(),
		AccountID:      accountID,
		Symbol:         in.Symbol,
		AssetClass:     in.AssetClass,
		Side:           side,
		OrderType:      types.OrderTypeMarket,
		TimeInForce:    types.TimeInForceGTC,
		Status:         types.OrderStatusPending,
		Quantity:       d(qty),
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		BracketRole:    types.BracketRoleNone,
	}
	if err := f.store.CreateOrder(o); err != nil {
		f.t.Fatalf("failed to create order: %v", err)
	}
	return o
}

func (f *fixture) fill(orderID, qty, price string) (*FillResult, error) {
	return f.executor.ExecuteFill(context.Background(), FillRequest{OrderID: orderID, Quantity: d(qty), Price: d(price)})
}

func (f *fixture) mustFill(orderID, qty, price string) *FillResult {
	f.t.Helper()
	res, err := f.fill(orderID, qty, price)
	if err != nil {
		f.t.Fatalf("ExecuteFill(%s x %s @ %s) error: %v", orderID, qty, price, err)
	}
	return res
}

// trade places an order and fills it completely.
func (f *fixture) trade(accountID, symbol string, side types.OrderSide, qty, price string) *FillResult {
	f.t.Helper()
	o := f.order(accountID, symbol, side, qty)
	return f.mustFill(o.OrderID, qty, price)
}

func (f *fixture) getAccount(id string) *types.Account {
	f.t.Helper()
	a, err := f.store.GetAccount(id)
	if err != nil || a == nil {
		f.t.Fatalf("GetAccount(%s) = %v, %v", id, a, err)
	}
	return a
}

func (f *fixture) getOrder(id string) *types.Order {
	f.t.Helper()
	o, err := f.store.GetOrder(id)
	if err != nil || o == nil {
		f.t.Fatalf("GetOrder(%s) = %v, %v", id, o, err)
	}
	return o
}

func (f *fixture) getPosition(accountID, symbol string) *types.Position {
	f.t.Helper()
	p, err := f.store.GetPosition(accountID, symbol)
	if err != nil {
		f.t.Fatal(err)
	}
	return p
}

func assertDec(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(d(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}
