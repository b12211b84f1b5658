package scheduler

import (
	"context"
	"sync"

	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/rs/zerolog/log"
)

// SessionWatcher polls the market clock and fires on session transitions.
// The first poll that sees the market open fires OnOpen; a close fires only
// after an open was observed.
type SessionWatcher struct {
	market  marketdata.Provider
	onOpen  RunFunc
	onClose RunFunc

	mu       sync.Mutex
	observed bool
	open     bool
}

func NewSessionWatcher(market marketdata.Provider, onOpen, onClose RunFunc) *SessionWatcher {
	return &SessionWatcher{market: market, onOpen: onOpen, onClose: onClose}
}

// Poll reads the clock once and runs the transition handler, if any.
func (w *SessionWatcher) Poll(ctx context.Context) error {
	logger := log.With().Str("component", "session_watcher").Logger()
	clock, err := w.market.GetClock(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	wasObserved, wasOpen := w.observed, w.open
	w.observed, w.open = true, clock.IsOpen
	w.mu.Unlock()

	switch {
	case clock.IsOpen && (!wasObserved || !wasOpen):
		trading, err := marketdata.IsTradingDay(ctx, w.market, clock.Timestamp)
		if err != nil {
			w.forget(wasObserved, wasOpen)
			return err
		}
		if !trading {
			logger.Warn().Str("trade_date", types.TradeDate(clock.Timestamp)).Msg("clock reports open on a non-trading day, ignoring")
			return nil
		}
		logger.Info().Msg("market open")
		return w.onOpen(ctx)
	case !clock.IsOpen && wasObserved && wasOpen:
		logger.Info().Msg("market closed")
		return w.onClose(ctx)
	}
	return nil
}

// forget restores the previous observation so the next poll retries the
// transition.
func (w *SessionWatcher) forget(observed, open bool) {
	w.mu.Lock()
	w.observed, w.open = observed, open
	w.mu.Unlock()
}
