package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderDetail is an order together with its bracket children and fills
type OrderDetail struct {
	Order    Order    `json:"order"`
	ChildIDs []string `json:"child_order_ids"`
	Fills    []Fill   `json:"fills"`
}

// AccountSummary represents an account valued at current quotes
type AccountSummary struct {
	Account        Account         `json:"account"`
	Positions      []Position      `json:"positions"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	Equity         decimal.Decimal `json:"equity"`
	AsOf           time.Time       `json:"as_of"`
}

// RoundTrip is one matched open/close pair from the fills journal
type RoundTrip struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"` // long or short
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	OpenedAt   time.Time       `json:"opened_at"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// ValidationResult is returned by a dry-run order check
type ValidationResult struct {
	Valid        bool            `json:"valid"`
	Reasons      []string        `json:"reasons,omitempty"`
	Notional     decimal.Decimal `json:"estimated_notional"`
	MarginNeeded decimal.Decimal `json:"margin_required"`
}
