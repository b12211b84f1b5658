// Package bracket creates the exit legs of bracket orders and enforces
// one-cancels-other links between them.
package bracket

import (
	"context"

	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const ocoReason = "oco: sibling order filled"

type Manager struct {
	store     *ledger.Store
	publisher events.Publisher
}

func NewManager(store *ledger.Store, publisher events.Publisher) *Manager {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Manager{store: store, publisher: publisher}
}

// OnOrderFilled is registered as a fill hook on the executor.
func (m *Manager) OnOrderFilled(ctx context.Context, order *types.Order) {
	logger := log.With().Str("component", "bracket").Str("order_id", order.OrderID).Logger()

	if IsEntry(order) {
		children, err := m.CreateChildren(ctx, order.OrderID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create bracket children")
		} else if len(children) > 0 {
			logger.Info().Int("children", len(children)).Str("group_id", children[0].BracketGroupID).Msg("bracket children created")
		}
	}

	if order.OCOOrderID != "" {
		cancelled, err := m.CancelSibling(ctx, order)
		if err != nil {
			logger.Error().Err(err).Str("sibling", order.OCOOrderID).Msg("failed to cancel oco sibling")
		} else if cancelled {
			logger.Info().Str("sibling", order.OCOOrderID).Msg("oco sibling cancelled")
		}
	}
}

// IsEntry reports whether order carries exit prices for bracket children.
func IsEntry(order *types.Order) bool {
	if order.ParentOrderID != "" {
		return false
	}
	return order.TakeProfitPrice != nil || order.StopLossPrice != nil
}

// CreateChildren creates the take-profit and stop-loss legs for a fully
// filled entry order. A second call returns the children already created.
func (m *Manager) CreateChildren(ctx context.Context, entryID string) ([]types.Order, error) {
	var children []types.Order
	err := m.store.Transaction(ctx, func(tx *ledger.Store) error {
		entry, err := tx.LockOrder(entryID)
		if err != nil {
			return err
		}
		if entry.Status != types.OrderStatusFilled || !IsEntry(entry) {
			return nil
		}

		existing, err := tx.ChildOrders(entry.OrderID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			children = existing
			return nil
		}

		groupID := entry.BracketGroupID
		if groupID == "" {
			groupID = uuid.New().String()
		}

		var tp, sl *types.Order
		if entry.TakeProfitPrice != nil {
			tp = child(entry, groupID, types.BracketRoleTakeProfit)
			tp.OrderType = types.OrderTypeLimit
			tp.LimitPrice = copyDec(entry.TakeProfitPrice)
		}
		if entry.StopLossPrice != nil {
			sl = child(entry, groupID, types.BracketRoleStopLoss)
			sl.OrderType = types.OrderTypeStop
			sl.StopPrice = copyDec(entry.StopLossPrice)
			if entry.StopLossLimitPrice != nil {
				sl.OrderType = types.OrderTypeStopLimit
				sl.LimitPrice = copyDec(entry.StopLossLimitPrice)
			}
		}
		if tp != nil && sl != nil {
			tp.OCOOrderID = sl.OrderID
			sl.OCOOrderID = tp.OrderID
		}

		for _, c := range []*types.Order{tp, sl} {
			if c == nil {
				continue
			}
			if err := tx.CreateOrder(c); err != nil {
				return err
			}
			children = append(children, *c)
		}

		if entry.BracketGroupID != groupID || entry.BracketRole != types.BracketRoleEntry {
			entry.BracketGroupID = groupID
			entry.BracketRole = types.BracketRoleEntry
			return tx.SaveOrder(entry)
		}
		return nil
	})
	return children, err
}

func child(entry *types.Order, groupID string, role types.BracketRole) *types.Order {
	return &types.Order{
		OrderID:        uuid.New().String(),
		AccountID:      entry.AccountID,
		Symbol:         entry.Symbol,
		AssetClass:     entry.AssetClass,
		Side:           entry.Side.Opposite(),
		TimeInForce:    types.TimeInForceGTC,
		Status:         types.OrderStatusPending,
		Quantity:       entry.FilledQuantity,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		BracketGroupID: groupID,
		BracketRole:    role,
		ParentOrderID:  entry.OrderID,
	}
}

func copyDec(v *decimal.Decimal) *decimal.Decimal {
	c := *v
	return &c
}

// CancelSibling cancels the OCO partner of a filled order if it is still
// open. It reports whether a cancellation happened.
func (m *Manager) CancelSibling(ctx context.Context, filled *types.Order) (bool, error) {
	var sibling *types.Order
	err := m.store.Transaction(ctx, func(tx *ledger.Store) error {
		o, err := tx.LockOrder(filled.OCOOrderID)
		if err != nil {
			return err
		}
		if !o.Status.Open() {
			return nil
		}
		now := ledger.Now()
		o.Status = types.OrderStatusCancelled
		o.CancelledAt = &now
		o.RejectionReason = ocoReason
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		sibling = o
		return nil
	})
	if err != nil || sibling == nil {
		return false, err
	}

	m.publisher.Publish(events.Event{
		Type:      events.OrderCancelled,
		AccountID: sibling.AccountID,
		Payload: events.Payload{
			OrderID:        sibling.OrderID,
			Symbol:         sibling.Symbol,
			Side:           string(sibling.Side),
			Quantity:       events.Dec(sibling.Quantity),
			FilledQuantity: events.Dec(sibling.FilledQuantity),
			Reason:         ocoReason,
		},
	})
	return true, nil
}
