package ledger

import (
	"time"

	"github.com/ksred/klear-ledger/internal/types"
)

func (s *Store) CreateOrder(order *types.Order) error {
	return s.db.Create(order).Error
}

// GetOrder returns nil when the order does not exist.
func (s *Store) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := s.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) GetOrderForAccount(orderID, accountID string) (*types.Order, error) {
	var order types.Order
	if err := s.db.Where("order_id = ? AND account_id = ?", orderID, accountID).First(&order).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) LockOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := s.forUpdate().Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if notFound(err) {
			return nil, types.NotFound("order %s", orderID)
		}
		return nil, err
	}
	return &order, nil
}

func (s *Store) SaveOrder(order *types.Order) error {
	return s.db.Save(order).Error
}

type OrderFilter struct {
	AccountID string
	Symbol    string
	Status    []types.OrderStatus
	Limit     int
}

// ListOrders returns an account's orders, newest first.
func (s *Store) ListOrders(f OrderFilter) ([]types.Order, error) {
	q := s.db.Where("account_id = ?", f.AccountID)
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	if len(f.Status) > 0 {
		q = q.Where("status IN ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var orders []types.Order
	err := q.Order("created_at DESC, id DESC").Find(&orders).Error
	return orders, err
}

// OpenOrders returns every pending or partially filled order of the given
// types, oldest first.
func (s *Store) OpenOrders(orderTypes ...types.OrderType) ([]types.Order, error) {
	q := s.db.Where("status IN ?", []types.OrderStatus{types.OrderStatusPending, types.OrderStatusPartiallyFilled})
	if len(orderTypes) > 0 {
		q = q.Where("order_type IN ?", orderTypes)
	}
	var orders []types.Order
	err := q.Order("created_at, id").Find(&orders).Error
	return orders, err
}

// OpenDayOrders returns orders that expire at the session close.
func (s *Store) OpenDayOrders() ([]types.Order, error) {
	var orders []types.Order
	err := s.db.Where("status IN ? AND time_in_force = ?",
		[]types.OrderStatus{types.OrderStatusPending, types.OrderStatusPartiallyFilled},
		types.TimeInForceDay).
		Order("created_at, id").
		Find(&orders).Error
	return orders, err
}

func (s *Store) ChildOrders(parentOrderID string) ([]types.Order, error) {
	var orders []types.Order
	err := s.db.Where("parent_order_id = ?", parentOrderID).Order("id").Find(&orders).Error
	return orders, err
}

func (s *Store) CreateFill(fill *types.Fill) error {
	return s.db.Create(fill).Error
}

func (s *Store) FillsForOrder(orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	err := s.db.Where("order_id = ?", orderID).Order("filled_at, id").Find(&fills).Error
	return fills, err
}

// FillsForAccount returns an account's fills in execution order. An empty
// symbol selects every symbol.
func (s *Store) FillsForAccount(accountID, symbol string) ([]types.Fill, error) {
	q := s.db.Where("account_id = ?", accountID)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var fills []types.Fill
	err := q.Order("filled_at, id").Find(&fills).Error
	return fills, err
}

// FillsBetween returns fills of one side/symbol within [from, to).
func (s *Store) FillsBetween(accountID, symbol string, side types.OrderSide, from, to time.Time) ([]types.Fill, error) {
	var fills []types.Fill
	err := s.db.Where("account_id = ? AND symbol = ? AND side = ? AND filled_at >= ? AND filled_at < ?",
		accountID, symbol, side, from.UTC(), to.UTC()).
		Order("filled_at, id").
		Find(&fills).Error
	return fills, err
}

// DailyFillStats returns the number of fills and their total notional
// since the given instant.
func (s *Store) DailyFillStats(accountID string, since time.Time) (DailyStats, error) {
	var stats DailyStats
	row := s.db.Model(&types.Fill{}).
		Select("COUNT(*), COALESCE(SUM(notional), 0)").
		Where("account_id = ? AND filled_at >= ?", accountID, since.UTC()).
		Row()
	err := row.Scan(&stats.Trades, &stats.Notional)
	return stats, err
}

func (s *Store) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := s.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if notFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) CreateIdempotencyRecord(record *types.IdempotencyRecord) error {
	return s.db.Create(record).Error
}

// DeleteIdempotencyRecord frees an expired key for reuse.
func (s *Store) DeleteIdempotencyRecord(key string) error {
	return s.db.Unscoped().Where("idempotency_key = ?", key).Delete(&types.IdempotencyRecord{}).Error
}
