package valuation

import (
	"context"
	"testing"

	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValue(t *testing.T) {
	sim := marketdata.NewSimulated()
	sim.SetQuote("AAPL", d("150"), d("150.10"))
	sim.SetQuote("TSLA", d("199.90"), d("200"))
	sim.SetQuote("AAPL240119C00150000", d("2.40"), d("2.50"))

	account := &types.Account{Cash: d("10000")}
	positions := []types.Position{
		{Symbol: "AAPL", AssetClass: types.AssetClassEquity, Quantity: d("10"), Multiplier: d("1")},
		{Symbol: "TSLA", AssetClass: types.AssetClassEquity, Quantity: d("-5"), Multiplier: d("1")},
		{Symbol: "AAPL240119C00150000", AssetClass: types.AssetClassOption, Quantity: d("1"), Multiplier: d("100")},
	}

	v, err := Value(context.Background(), sim, account, positions)
	if err != nil {
		t.Fatal(err)
	}

	// 10 x 150 (bid) - 5 x 200 (ask) + 1 x 2.40 x 100
	if !v.PositionsValue.Equal(d("740")) {
		t.Errorf("PositionsValue = %s, want 740", v.PositionsValue)
	}
	if !v.Equity.Equal(d("10740")) {
		t.Errorf("Equity = %s, want 10740", v.Equity)
	}
	if !v.ShortExposure.Equal(d("1000")) {
		t.Errorf("ShortExposure = %s, want 1000", v.ShortExposure)
	}
	if !v.Maintenance.Equal(d("250")) {
		t.Errorf("Maintenance = %s, want 250", v.Maintenance)
	}
	if !v.Compliant() {
		t.Error("Compliant() = false, want true")
	}
	if m, ok := v.MarkFor("TSLA"); !ok || !m.Price.Equal(d("200")) {
		t.Errorf("TSLA mark = %+v, want priced at the ask", m)
	}
}

func TestValueFailsWithoutQuote(t *testing.T) {
	account := &types.Account{Cash: d("100")}
	positions := []types.Position{{Symbol: "NOPE", Quantity: d("1"), Multiplier: d("1")}}
	if _, err := Value(context.Background(), marketdata.NewSimulated(), account, positions); !types.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}
