package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Account struct {
	gorm.Model      `json:"-"`
	AccountID       string          `gorm:"uniqueIndex" json:"account_id"`
	Cash            decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"cash"`
	MarginUsed      decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"margin_used"`
	StartingBalance decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"starting_balance"`
	PDTEnforced     bool            `json:"pdt_enforced"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AvailableMargin is cash not already reserved against short exposure.
func (a *Account) AvailableMargin() decimal.Decimal {
	return a.Cash.Sub(a.MarginUsed)
}

// Position quantity is signed: positive for long, negative for short.
type Position struct {
	gorm.Model `json:"-"`
	AccountID  string          `gorm:"uniqueIndex:idx_positions_account_symbol" json:"account_id"`
	Symbol     string          `gorm:"uniqueIndex:idx_positions_account_symbol" json:"symbol"`
	AssetClass AssetClass      `json:"asset_class"`
	Quantity   decimal.Decimal `gorm:"type:numeric(24,6);not null" json:"quantity"`
	AvgCost    decimal.Decimal `gorm:"type:numeric(24,6);not null" json:"avg_cost"`
	CostBasis  decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"cost_basis"`

	Underlying string           `json:"underlying,omitempty"`
	OptionType OptionType       `json:"option_type,omitempty"`
	Strike     *decimal.Decimal `gorm:"type:numeric(24,4)" json:"strike,omitempty"`
	Expiration *time.Time       `json:"expiration,omitempty"`
	Multiplier decimal.Decimal  `gorm:"type:numeric(12,4);not null" json:"multiplier"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Position) IsShort() bool { return p.Quantity.IsNegative() }

// Borrow is one short-sale tranche. Covered tranches are closed, never deleted.
type Borrow struct {
	gorm.Model    `json:"-"`
	BorrowID      string          `gorm:"uniqueIndex" json:"borrow_id"`
	AccountID     string          `gorm:"index:idx_borrows_account_symbol" json:"account_id"`
	Symbol        string          `gorm:"index:idx_borrows_account_symbol" json:"symbol"`
	Quantity      decimal.Decimal `gorm:"type:numeric(24,6);not null" json:"quantity"`
	EntryPrice    decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"entry_price"`
	AnnualRate    decimal.Decimal `gorm:"type:numeric(12,6);not null" json:"annual_rate"`
	Tier          BorrowTier      `json:"tier"`
	AccruedFee    decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"accrued_fee"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `gorm:"index" json:"closed_at,omitempty"`
	LastAccruedAt *time.Time      `json:"last_accrued_at,omitempty"`
}

// BorrowTierOverride pins a symbol to a tier regardless of asset metadata.
type BorrowTierOverride struct {
	gorm.Model `json:"-"`
	Symbol     string           `gorm:"uniqueIndex" json:"symbol"`
	Tier       BorrowTier       `json:"tier"`
	AnnualRate *decimal.Decimal `gorm:"type:numeric(12,6)" json:"annual_rate,omitempty"`
}

type DayTrade struct {
	gorm.Model  `json:"-"`
	AccountID   string          `gorm:"index:idx_day_trades_account_date" json:"account_id"`
	Symbol      string          `json:"symbol"`
	BuyOrderID  string          `json:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id"`
	Quantity    decimal.Decimal `gorm:"type:numeric(24,6);not null" json:"quantity"`
	BuyPrice    decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"buy_price"`
	SellPrice   decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"sell_price"`
	TradeDate   string          `gorm:"index:idx_day_trades_account_date" json:"trade_date"` // YYYY-MM-DD, America/New_York
	CreatedAt   time.Time       `json:"created_at"`
}

// RiskControls holds per-account limits. A nil limit is not enforced.
type RiskControls struct {
	gorm.Model           `json:"-"`
	AccountID            string           `gorm:"uniqueIndex" json:"account_id"`
	MaxPositionPct       *decimal.Decimal `gorm:"type:numeric(12,4)" json:"max_position_pct,omitempty"`
	MaxPositionValue     *decimal.Decimal `gorm:"type:numeric(24,4)" json:"max_position_value,omitempty"`
	MaxOpenPositions     *int             `json:"max_open_positions,omitempty"`
	MaxOrderValue        *decimal.Decimal `gorm:"type:numeric(24,4)" json:"max_order_value,omitempty"`
	MaxOrderQuantity     *decimal.Decimal `gorm:"type:numeric(24,6)" json:"max_order_quantity,omitempty"`
	MaxPriceDeviationPct *decimal.Decimal `gorm:"type:numeric(12,4)" json:"max_price_deviation_pct,omitempty"`
	MaxDailyTrades       *int             `json:"max_daily_trades,omitempty"`
	MaxDailyNotional     *decimal.Decimal `gorm:"type:numeric(24,4)" json:"max_daily_notional,omitempty"`
	MaxDailyLossPct      *decimal.Decimal `gorm:"type:numeric(12,4)" json:"max_daily_loss_pct,omitempty"`
	MaxDrawdownPct       *decimal.Decimal `gorm:"type:numeric(12,4)" json:"max_drawdown_pct,omitempty"`
	AutoFlatten          bool             `json:"auto_flatten"`
	ShortSellingEnabled  bool             `json:"short_selling_enabled"`
	MaxShortExposurePct  *decimal.Decimal `gorm:"type:numeric(12,4)" json:"max_short_exposure_pct,omitempty"`
	MaxSingleShortPct    *decimal.Decimal `gorm:"type:numeric(12,4)" json:"max_single_short_pct,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

type RiskEvent struct {
	gorm.Model `json:"-"`
	AccountID  string    `gorm:"index" json:"account_id"`
	Symbol     string    `json:"symbol"`
	Kind       string    `json:"kind"`
	Violations string    `json:"violations"` // JSON array of violation messages
	CreatedAt  time.Time `json:"created_at"`
}

type EquitySnapshot struct {
	gorm.Model     `json:"-"`
	AccountID      string          `gorm:"index:idx_snapshots_account_date" json:"account_id"`
	TradeDate      string          `gorm:"index:idx_snapshots_account_date" json:"trade_date"`
	Equity         decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"equity"`
	Cash           decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"cash"`
	PositionsValue decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"positions_value"`
	DailyPnL       decimal.Decimal `gorm:"column:daily_pnl;type:numeric(24,4);not null" json:"daily_pnl"`
	TakenAt        time.Time       `json:"taken_at"`
}
