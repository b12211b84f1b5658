package execution

import (
	"context"

	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/shopspring/decimal"
)

// Reconciliation compares stored balances with a replay of the account's
// fills and borrow tranches.
type Reconciliation struct {
	AccountID      string          `json:"account_id"`
	Cash           decimal.Decimal `json:"cash"`
	ExpectedCash   decimal.Decimal `json:"expected_cash"`
	MarginUsed     decimal.Decimal `json:"margin_used"`
	ExpectedMargin decimal.Decimal `json:"expected_margin"`
}

// Balanced reports whether both balances are within tolerance of their
// replayed values.
func (r Reconciliation) Balanced(tolerance decimal.Decimal) bool {
	return r.Cash.Sub(r.ExpectedCash).Abs().LessThanOrEqual(tolerance) &&
		r.MarginUsed.Sub(r.ExpectedMargin).Abs().LessThanOrEqual(tolerance)
}

// Reconcile replays the account from its starting balance: buys pay their
// notional, sells credit only the part that closes a long, and borrow fees
// come out of cash. Margin is re-derived from the open tranches.
func Reconcile(ctx context.Context, store *ledger.Store, accountID string) (Reconciliation, error) {
	store = store.WithContext(ctx)
	account, err := store.GetAccount(accountID)
	if err != nil {
		return Reconciliation{}, err
	}
	if account == nil {
		return Reconciliation{}, types.NotFound("account %s", accountID)
	}
	fills, err := store.FillsForAccount(accountID, "")
	if err != nil {
		return Reconciliation{}, err
	}

	cash := account.StartingBalance
	held := make(map[string]decimal.Decimal)
	for _, f := range fills {
		in, err := types.ParseInstrument(f.Symbol)
		if err != nil {
			return Reconciliation{}, err
		}
		qty := held[f.Symbol]
		split := Classify(f.Side, f.Quantity, qty)
		if f.Side == types.OrderSideBuy {
			cash = cash.Sub(f.Notional)
			held[f.Symbol] = qty.Add(f.Quantity)
		} else {
			cash = cash.Add(f.Price.Mul(split.CloseLong).Mul(in.Multiplier).Round(4))
			held[f.Symbol] = qty.Sub(f.Quantity)
		}
	}

	fees, err := store.AccruedFees(accountID)
	if err != nil {
		return Reconciliation{}, err
	}

	borrows, err := store.OpenBorrows(accountID, "")
	if err != nil {
		return Reconciliation{}, err
	}
	expectedMargin := decimal.Zero
	for _, b := range borrows {
		expectedMargin = expectedMargin.Add(margin.ShortMargin(b.EntryPrice, b.Quantity))
	}

	return Reconciliation{
		AccountID:      accountID,
		Cash:           account.Cash,
		ExpectedCash:   cash.Sub(fees),
		MarginUsed:     account.MarginUsed,
		ExpectedMargin: expectedMargin,
	}, nil
}
