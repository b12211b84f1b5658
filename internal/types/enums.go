package types

type AssetClass string

type OrderSide string

type OrderType string

type TimeInForce string

type OrderStatus string

type BracketRole string

type BorrowTier string

type OptionType string

const (
	AssetClassEquity AssetClass = "equity"
	AssetClassCrypto AssetClass = "crypto"
	AssetClassOption AssetClass = "option"
)

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the side that closes a position opened by s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Open reports whether an order in this status may still receive fills.
func (s OrderStatus) Open() bool {
	return s == OrderStatusPending || s == OrderStatusPartiallyFilled
}

const (
	BracketRoleNone       BracketRole = "none"
	BracketRoleEntry      BracketRole = "entry"
	BracketRoleTakeProfit BracketRole = "take_profit"
	BracketRoleStopLoss   BracketRole = "stop_loss"
)

const (
	BorrowTierEasy         BorrowTier = "easy"
	BorrowTierModerate     BorrowTier = "moderate"
	BorrowTierHard         BorrowTier = "hard"
	BorrowTierNotShortable BorrowTier = "not_shortable"
)

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)
