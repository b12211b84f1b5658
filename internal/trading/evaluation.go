package trading

import (
	"context"
	"errors"

	"github.com/ksred/klear-ledger/internal/conditions"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/trailing"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type outcome int

const (
	outcomeWaiting outcome = iota
	outcomeFilled
	outcomeRatcheted
	outcomeRejected
	outcomeSkipped
)

// PassSummary counts what one evaluation pass did.
type PassSummary struct {
	Evaluated int `json:"evaluated"`
	Filled    int `json:"filled"`
	Ratcheted int `json:"ratcheted"`
	Rejected  int `json:"rejected"`
	Skipped   int `json:"skipped"`
}

func (p *PassSummary) add(o outcome) {
	p.Evaluated++
	switch o {
	case outcomeFilled:
		p.Filled++
	case outcomeRatcheted:
		p.Ratcheted++
	case outcomeRejected:
		p.Rejected++
	case outcomeSkipped:
		p.Skipped++
	}
}

// sessionOpen reports whether equities and options trade now. A clock
// failure counts as closed; crypto is unaffected.
func (s *Service) sessionOpen(ctx context.Context, logger zerolog.Logger) bool {
	clock, err := s.market.GetClock(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("market clock unavailable, treating session as closed")
		return false
	}
	return clock.IsOpen
}

func immediate(o *types.Order) bool {
	return o.TimeInForce == types.TimeInForceIOC || o.TimeInForce == types.TimeInForceFOK
}

// tryImmediate gives a newly accepted order its first evaluation. IOC and
// FOK orders that do not fill on it are cancelled.
func (s *Service) tryImmediate(ctx context.Context, order *types.Order, quote marketdata.Quote) {
	logger := log.With().Str("component", "trading").Str("order_id", order.OrderID).Logger()

	if order.AssetClass != types.AssetClassCrypto && !s.sessionOpen(ctx, logger) {
		if immediate(order) {
			s.cancelQuietly(ctx, order.OrderID, "market closed", logger)
		}
		return
	}

	result, err := s.evaluate(ctx, order, quote, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("first evaluation failed, order stays open")
	}
	if immediate(order) && result != outcomeFilled {
		s.cancelQuietly(ctx, order.OrderID, "not immediately fillable", logger)
	}
}

func (s *Service) cancelQuietly(ctx context.Context, orderID, reason string, logger zerolog.Logger) {
	if _, err := s.cancel(ctx, orderID, reason); err != nil {
		logger.Error().Err(err).Msg("failed to cancel order")
	}
}

// evaluate checks one open order against a quote and fills it when its
// condition holds. Transient failures leave the order untouched and are
// returned; business-rule failures reject the order.
func (s *Service) evaluate(ctx context.Context, o *types.Order, q marketdata.Quote, logger zerolog.Logger) (outcome, error) {
	result := outcomeWaiting
	var ok bool
	var fill execution.FillRequest

	if o.OrderType == types.OrderTypeTrailingStop {
		decision := trailing.Tick(trailing.FromOrder(o), q.Bid)
		if decision.Changed {
			if err := s.saveTrailing(ctx, o.OrderID, decision.State); err != nil {
				return outcomeSkipped, err
			}
			trailing.Apply(o, decision.State)
			result = outcomeRatcheted
			logger.Debug().
				Str("order_id", o.OrderID).
				Str("high_water_mark", decision.State.HighWaterMark.String()).
				Str("stop", decision.State.StopPrice.String()).
				Msg("trailing stop updated")
		}
		ok, fill.Price = decision.Fill, decision.Price
	} else {
		fill.Price, ok = conditions.ForOrder(o, q.Bid, q.Ask)
	}
	if !ok {
		return result, nil
	}

	fill.OrderID = o.OrderID
	fill.Quantity = o.RemainingQuantity()
	_, err := s.executor.ExecuteFill(ctx, fill)
	switch {
	case err == nil:
		return outcomeFilled, nil
	case types.ErrorCode(err) == types.CodeNotFillable:
		// filled or cancelled by someone else since it was read
		return outcomeWaiting, nil
	case errors.Is(err, types.ErrBusinessRule):
		if rejectErr := s.reject(ctx, o.OrderID, err); rejectErr != nil {
			return outcomeSkipped, rejectErr
		}
		return outcomeRejected, nil
	default:
		return outcomeSkipped, err
	}
}

func (s *Service) saveTrailing(ctx context.Context, orderID string, state trailing.State) error {
	return s.store.Transaction(ctx, func(tx *ledger.Store) error {
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if !o.Status.Open() {
			return nil
		}
		trailing.Apply(o, state)
		return tx.SaveOrder(o)
	})
}

// reject closes an open order with the failure's reason.
func (s *Service) reject(ctx context.Context, orderID string, cause error) error {
	var rejected *types.Order
	err := s.store.Transaction(ctx, func(tx *ledger.Store) error {
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if !o.Status.Open() {
			return nil
		}
		o.Status = types.OrderStatusRejected
		o.RejectionReason = types.RejectionReason(cause)
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		rejected = o
		return nil
	})
	if err != nil || rejected == nil {
		return err
	}
	log.Warn().Str("component", "trading").Str("order_id", orderID).Str("reason", rejected.RejectionReason).Msg("order rejected at fill")
	s.publishRejected(rejected)
	return nil
}

// quoteBook fetches each symbol once per pass and remembers failures.
type quoteBook struct {
	market marketdata.Provider
	quotes map[string]marketdata.Quote
	failed map[string]error
}

func newQuoteBook(market marketdata.Provider) *quoteBook {
	return &quoteBook{market: market, quotes: make(map[string]marketdata.Quote), failed: make(map[string]error)}
}

func (b *quoteBook) get(ctx context.Context, symbol string) (marketdata.Quote, error) {
	if q, ok := b.quotes[symbol]; ok {
		return q, nil
	}
	if err, ok := b.failed[symbol]; ok {
		return marketdata.Quote{}, err
	}
	q, err := b.market.GetQuote(ctx, symbol)
	if err != nil {
		b.failed[symbol] = err
		return marketdata.Quote{}, err
	}
	b.quotes[symbol] = q
	return q, nil
}

func (s *Service) pass(ctx context.Context, orders []types.Order, sessionOpen bool, logger zerolog.Logger) (PassSummary, error) {
	var summary PassSummary
	book := newQuoteBook(s.market)

	for i := range orders {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		o := &orders[i]
		if o.AssetClass != types.AssetClassCrypto && !sessionOpen {
			continue
		}
		q, err := book.get(ctx, o.Symbol)
		if err != nil {
			logger.Warn().Err(err).Str("order_id", o.OrderID).Str("symbol", o.Symbol).Msg("no quote, order left for next pass")
			summary.add(outcomeSkipped)
			continue
		}
		result, err := s.evaluate(ctx, o, q, logger)
		if err != nil {
			logger.Error().Err(err).Str("order_id", o.OrderID).Msg("evaluation failed, order left for next pass")
		}
		summary.add(result)
	}
	return summary, nil
}

// EvaluatePendingOrders checks every open order against current quotes.
// Outside the session only crypto orders are evaluated.
func (s *Service) EvaluatePendingOrders(ctx context.Context) (PassSummary, error) {
	logger := log.With().Str("component", "order_evaluation").Logger()
	orders, err := s.store.WithContext(ctx).OpenOrders()
	if err != nil {
		return PassSummary{}, err
	}
	summary, err := s.pass(ctx, orders, s.sessionOpen(ctx, logger), logger)
	logPass(logger, "evaluation pass complete", summary)
	return summary, err
}

// FillQueuedMarketOrders fills market orders that were accepted while the
// market was closed. It runs when the session opens.
func (s *Service) FillQueuedMarketOrders(ctx context.Context) (PassSummary, error) {
	logger := log.With().Str("component", "market_open").Logger()
	orders, err := s.store.WithContext(ctx).OpenOrders(types.OrderTypeMarket)
	if err != nil {
		return PassSummary{}, err
	}
	summary, err := s.pass(ctx, orders, true, logger)
	logPass(logger, "queued market orders processed", summary)
	return summary, err
}

func logPass(logger zerolog.Logger, msg string, summary PassSummary) {
	evt := logger.Debug()
	if summary.Filled > 0 || summary.Rejected > 0 {
		evt = logger.Info()
	}
	evt.Int("evaluated", summary.Evaluated).
		Int("filled", summary.Filled).
		Int("ratcheted", summary.Ratcheted).
		Int("rejected", summary.Rejected).
		Int("skipped", summary.Skipped).
		Msg(msg)
}

// ExpireDayOrders expires every open day order at the session close.
func (s *Service) ExpireDayOrders(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "market_close").Logger()
	orders, err := s.store.WithContext(ctx).OpenDayOrders()
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range orders {
		var o *types.Order
		err := s.store.Transaction(ctx, func(tx *ledger.Store) error {
			locked, err := tx.LockOrder(candidate.OrderID)
			if err != nil {
				return err
			}
			if !locked.Status.Open() {
				return nil
			}
			now := ledger.Now()
			locked.Status = types.OrderStatusExpired
			locked.ExpiredAt = &now
			if err := tx.SaveOrder(locked); err != nil {
				return err
			}
			o = locked
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Str("order_id", candidate.OrderID).Msg("failed to expire order")
			continue
		}
		if o == nil {
			continue
		}
		expired++
		s.publisher.Publish(events.Event{
			Type:      events.OrderExpired,
			AccountID: o.AccountID,
			Payload: events.Payload{
				OrderID:        o.OrderID,
				Symbol:         o.Symbol,
				Side:           string(o.Side),
				Quantity:       events.Dec(o.Quantity),
				FilledQuantity: events.Dec(o.FilledQuantity),
			},
		})
	}

	logger.Info().Int("expired", expired).Msg("day orders expired")
	return expired, nil
}
