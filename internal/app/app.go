// Package app wires the ledger services, HTTP routes and scheduled jobs
// together. The server and the simulation share it.
package app

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/bracket"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/events"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/journal"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/liquidation"
	"github.com/ksred/klear-ledger/internal/margin"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/ksred/klear-ledger/internal/pdt"
	"github.com/ksred/klear-ledger/internal/risk"
	"github.com/ksred/klear-ledger/internal/scheduler"
	"github.com/ksred/klear-ledger/internal/trading"
	"github.com/ksred/klear-ledger/pkg/middleware"
	"github.com/ksred/klear-ledger/pkg/response"
	"gorm.io/gorm"
)

type App struct {
	cfg *config.Config

	Store       *ledger.Store
	Market      marketdata.Provider
	Bus         *events.Bus
	Margin      *margin.Engine
	Executor    *execution.Executor
	Trading     *trading.Service
	Liquidation *liquidation.Supervisor
	Journal     *journal.Journal
	Auth        *auth.Service
	Limiter     *middleware.RateLimiter
}

// New builds every service over db and market. Events go to the returned
// app's Bus.
func New(cfg *config.Config, db *gorm.DB, market marketdata.Provider) *App {
	store := ledger.NewStore(db)
	bus := events.NewBus()
	engine := margin.NewEngine()
	tracker := pdt.NewTracker()

	executor := execution.NewExecutor(store, engine, tracker, market, bus)
	executor.AddHook(bracket.NewManager(store, bus))

	service := trading.NewService(trading.Options{
		Store:                store,
		Market:               market,
		Executor:             executor,
		Margin:               engine,
		Risk:                 risk.NewValidator(store),
		PDT:                  tracker,
		Publisher:            bus,
		PDTEnforcedByDefault: cfg.Risk.PDTEnabled != nil && *cfg.Risk.PDTEnabled,
	})
	supervisor := liquidation.NewSupervisor(store, market, executor, bus)
	service.SetFlattener(supervisor)

	return &App{
		cfg:         cfg,
		Store:       store,
		Market:      market,
		Bus:         bus,
		Margin:      engine,
		Executor:    executor,
		Trading:     service,
		Liquidation: supervisor,
		Journal:     journal.New(store, market),
		Auth:        auth.NewService(cfg.Server.JWTSecret),
		Limiter:     middleware.NewRateLimiter(cfg.Server.RateLimit),
	}
}

// Router configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and account routes: Protected by JWT authentication
// - Internal routes: Protected by the internal service token
func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(), a.Limiter.Handler())

	authHandlers := auth.NewGinHandlers(a.Auth)
	tradingHandlers := trading.NewGinHandlers(a.Trading, a.Auth)
	journalHandlers := journal.NewGinHandlers(a.Journal)
	stream := events.NewStream(a.Bus, "")

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "route not found")
	})

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(a.Auth))
		{
			orders.POST("", tradingHandlers.PlaceOrderHandler())
			orders.POST("/validate", tradingHandlers.ValidateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		account := v1.Group("/account")
		account.Use(middleware.JWTAuth(a.Auth))
		{
			account.GET("", tradingHandlers.AccountSummaryHandler())
			account.GET("/risk-controls", tradingHandlers.GetRiskControlsHandler())
			account.PUT("/risk-controls", tradingHandlers.PutRiskControlsHandler())
			account.GET("/risk-events", tradingHandlers.RiskEventsHandler())
			account.GET("/round-trips", journalHandlers.RoundTripsHandler())
			account.GET("/snapshots", journalHandlers.SnapshotsHandler())
			account.GET("/stream", stream.Handler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(a.cfg.Server.InternalToken))
		{
			internal.POST("/accounts", tradingHandlers.OpenAccountHandler())
			internal.POST("/fills", tradingHandlers.ExecuteFillHandler())
			internal.POST("/evaluate", tradingHandlers.EvaluateHandler())
			internal.PUT("/borrow-tiers/:symbol", tradingHandlers.BorrowTierHandler())
		}
	}
	return router
}

func discard[T any](run func(ctx context.Context) (T, error)) scheduler.RunFunc {
	return func(ctx context.Context) error {
		_, err := run(ctx)
		return err
	}
}

// Scheduler returns the periodic jobs, intervals taken from configuration.
func (a *App) Scheduler() *scheduler.Scheduler {
	sc := a.cfg.Scheduler
	session := scheduler.NewSessionWatcher(a.Market,
		discard(a.Trading.FillQueuedMarketOrders),
		discard(a.Trading.ExpireDayOrders),
	)
	return scheduler.New(
		scheduler.NewJob("order_evaluation", sc.EvaluationInterval, discard(a.Trading.EvaluatePendingOrders)),
		scheduler.NewJob("margin_check", sc.MarginCheckInterval, discard(a.Liquidation.RunMarginCheck)),
		scheduler.NewJob("borrow_fee_accrual", sc.FeeAccrualInterval, func(ctx context.Context) error {
			_, err := a.Margin.AccrueBorrowFees(ctx, a.Store, a.Market)
			return err
		}),
		scheduler.NewJob("equity_snapshot", sc.SnapshotInterval, discard(a.Journal.TakeSnapshots)),
		scheduler.NewJob("session_watch", sc.SessionPollInterval, session.Poll),
	)
}
