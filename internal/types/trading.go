package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Order struct {
	gorm.Model  `json:"-"`
	OrderID     string      `gorm:"uniqueIndex" json:"order_id"`
	AccountID   string      `gorm:"index" json:"account_id"`
	Symbol      string      `gorm:"index" json:"symbol"`
	AssetClass  AssetClass  `json:"asset_class"`
	Side        OrderSide   `json:"side"`
	OrderType   OrderType   `json:"order_type"`
	TimeInForce TimeInForce `json:"time_in_force"`
	Status      OrderStatus `gorm:"index" json:"status"`

	Quantity       decimal.Decimal  `gorm:"type:numeric(24,6);not null" json:"quantity"`
	FilledQuantity decimal.Decimal  `gorm:"type:numeric(24,6);not null" json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `gorm:"type:numeric(24,6);not null" json:"avg_fill_price"`
	LimitPrice     *decimal.Decimal `gorm:"type:numeric(24,4)" json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `gorm:"type:numeric(24,4)" json:"stop_price,omitempty"`

	// Trailing stops carry exactly one of TrailPercent or TrailAmount.
	TrailPercent   *decimal.Decimal `gorm:"type:numeric(12,4)" json:"trail_percent,omitempty"`
	TrailAmount    *decimal.Decimal `gorm:"type:numeric(24,4)" json:"trail_amount,omitempty"`
	HighWaterMark  *decimal.Decimal `gorm:"type:numeric(24,4)" json:"high_water_mark,omitempty"`
	TrailStopPrice *decimal.Decimal `gorm:"type:numeric(24,4)" json:"trail_stop_price,omitempty"`

	BracketGroupID     string           `gorm:"index" json:"bracket_group_id,omitempty"`
	BracketRole        BracketRole      `gorm:"default:none" json:"bracket_role"`
	ParentOrderID      string           `gorm:"index" json:"parent_order_id,omitempty"`
	TakeProfitPrice    *decimal.Decimal `gorm:"type:numeric(24,4)" json:"take_profit_price,omitempty"`
	StopLossPrice      *decimal.Decimal `gorm:"type:numeric(24,4)" json:"stop_loss_price,omitempty"`
	StopLossLimitPrice *decimal.Decimal `gorm:"type:numeric(24,4)" json:"stop_loss_limit_price,omitempty"`
	OCOOrderID         string           `json:"oco_order_id,omitempty"`

	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FilledAt        *time.Time `json:"filled_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty"`
}

// RemainingQuantity is the part of the order that has not been filled yet.
func (o *Order) RemainingQuantity() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Fill is append-only: rows are never updated or deleted.
type Fill struct {
	gorm.Model `json:"-"`
	FillID     string          `gorm:"uniqueIndex" json:"fill_id"`
	OrderID    string          `gorm:"index" json:"order_id"`
	AccountID  string          `gorm:"index:idx_fills_account_symbol" json:"account_id"`
	Symbol     string          `gorm:"index:idx_fills_account_symbol" json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `gorm:"type:numeric(24,6);not null" json:"quantity"`
	Price      decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"price"`
	Notional   decimal.Decimal `gorm:"type:numeric(24,4);not null" json:"notional"`
	FilledAt   time.Time       `gorm:"index" json:"filled_at"`
}

// IdempotencyRecord maps a client-supplied key to the resource it created.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	AccountID      string    `json:"account_id"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
