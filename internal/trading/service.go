// Package trading is the order service: placement, cancellation, queries
// and the evaluation passes that turn resting orders into fills.
package trading

import (
	"context"

	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/pdt"
	"github.com/ksred/klear-ledger/internal/risk"
)

// Flattener closes out an account when a risk control requests it.
type Flattener interface {
	FlattenAccount(ctx context.Context, accountID, reason string) (int, error)
}

// Service handles trading operations and order management
type Service struct {
	store     *ledger.Store
	market    marketdata.Provider
	executor  *execution.Executor
	margin    *margin.Engine
	risk      *risk.Validator
	pdt       *pdt.Tracker
	publisher events.Publisher
	flattener Flattener

	// pdtDefault is applied to accounts opened through this service.
	pdtDefault bool
}

type Options struct {
	Store     *ledger.Store
	Market    marketdata.Provider
	Executor  *execution.Executor
	Margin    *margin.Engine
	Risk      *risk.Validator
	PDT       *pdt.Tracker
	Publisher events.Publisher
	Flattener Flattener

	PDTEnforcedByDefault bool
}

// NewService creates a new trading service. Nil collaborators other than
// the store, market and executor get their defaults.
func NewService(opts Options) *Service {
	s := &Service{
		store:      opts.Store,
		market:     opts.Market,
		executor:   opts.Executor,
		margin:     opts.Margin,
		risk:       opts.Risk,
		pdt:        opts.PDT,
		publisher:  opts.Publisher,
		flattener:  opts.Flattener,
		pdtDefault: opts.PDTEnforcedByDefault,
	}
	if s.margin == nil {
		s.margin = margin.NewEngine()
	}
	if s.risk == nil {
		s.risk = risk.NewValidator(s.store)
	}
	if s.pdt == nil {
		s.pdt = pdt.NewTracker()
	}
	if s.publisher == nil {
		s.publisher = events.Discard{}
	}
	return s
}

// SetFlattener wires the auto-flatten target after construction, since the
// liquidation supervisor and the service share the executor.
func (s *Service) SetFlattener(f Flattener) {
	s.flattener = f
}

// ExecuteFill applies an externally sourced fill.
func (s *Service) ExecuteFill(ctx context.Context, req execution.FillRequest) (*execution.FillResult, error) {
	return s.executor.ExecuteFill(ctx, req)
}
