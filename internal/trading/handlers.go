package trading

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-ledger/internal/auth"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/ledger"
	"github.com/ksred/klear-ledger/internal/types"
	"github.com/ksred/klear-ledger/pkg/response"
	"github.com/shopspring/decimal"
)

// CredentialIssuer hands out API keys for newly opened accounts.
type CredentialIssuer interface {
	IssueCredentials(accountID string) (auth.Credentials, error)
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
	issuer  CredentialIssuer
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service, issuer CredentialIssuer) *GinHandlers {
	return &GinHandlers{
		service: service,
		issuer:  issuer,
	}
}

func accountFrom(c *gin.Context) (string, bool) {
	accountID := auth.AccountID(c)
	if accountID == "" {
		response.Unauthorized(c, "Missing account in token")
		return "", false
	}
	return accountID, true
}

// PlaceOrderHandler handles POST requests to place new orders
// Requires a valid JWT token and an Idempotency-Key header
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.AccountID = accountID
		req.IdempotencyKey = idempotencyKey

		order, err := h.service.PlaceOrder(c.Request.Context(), req)
		response.Handle(c, order, err)
	}
}

// ValidateOrderHandler dry-runs an order through the placement checks
func (h *GinHandlers) ValidateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		var req OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.AccountID = accountID

		result, err := h.service.ValidateOrder(c.Request.Context(), req)
		response.Handle(c, result, err)
	}
}

// ListOrdersHandler handles GET requests for the account's orders
// Query parameters: symbol, status (comma separated), limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		filter := ledger.OrderFilter{AccountID: accountID, Symbol: strings.ToUpper(c.Query("symbol"))}
		if raw := c.Query("status"); raw != "" {
			for _, st := range strings.Split(raw, ",") {
				filter.Status = append(filter.Status, types.OrderStatus(strings.TrimSpace(st)))
			}
		}
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				response.BadRequest(c, "limit must be a non-negative integer")
				return
			}
			filter.Limit = limit
		}

		orders, err := h.service.ListOrders(c.Request.Context(), filter)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests to retrieve order detail
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		detail, err := h.service.GetOrder(c.Request.Context(), accountID, c.Param("order_id"))
		response.Handle(c, detail, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel an open order
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		order, err := h.service.CancelOrder(c.Request.Context(), accountID, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) AccountSummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		summary, err := h.service.AccountSummary(c.Request.Context(), accountID)
		response.Handle(c, summary, err)
	}
}

func (h *GinHandlers) GetRiskControlsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		controls, err := h.service.RiskControls(c.Request.Context(), accountID)
		response.Handle(c, controls, err)
	}
}

func (h *GinHandlers) PutRiskControlsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		var controls types.RiskControls
		if err := c.ShouldBindJSON(&controls); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		controls.AccountID = accountID

		saved, err := h.service.UpsertRiskControls(c.Request.Context(), &controls)
		response.Handle(c, saved, err)
	}
}

func (h *GinHandlers) RiskEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, ok := accountFrom(c)
		if !ok {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		riskEvents, err := h.service.RiskEvents(c.Request.Context(), accountID, limit)
		response.Handle(c, riskEvents, err)
	}
}

type openAccountRequest struct {
	StartingBalance decimal.Decimal `json:"starting_balance"`
}

type openAccountResponse struct {
	Account     *types.Account    `json:"account"`
	Credentials *auth.Credentials `json:"credentials,omitempty"`
}

// OpenAccountHandler handles internal POST requests to open a funded account
// The response carries the API credentials for the new account
func (h *GinHandlers) OpenAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.OpenAccount(c.Request.Context(), req.StartingBalance)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		resp := openAccountResponse{Account: account}
		if h.issuer != nil {
			creds, err := h.issuer.IssueCredentials(account.AccountID)
			if err != nil {
				response.InternalError(c, "failed to issue credentials")
				return
			}
			resp.Credentials = &creds
		}
		response.Success(c, resp)
	}
}

type fillRequest struct {
	OrderID  string          `json:"order_id" binding:"required"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// ExecuteFillHandler handles internal POST requests reporting a fill
func (h *GinHandlers) ExecuteFillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ExecuteFill(c.Request.Context(), execution.FillRequest{
			OrderID:  req.OrderID,
			Price:    req.Price,
			Quantity: req.Quantity,
		})
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{
			"order":          result.Order,
			"fill":           result.Fill,
			"classification": result.Split.Kind,
			"cash_delta":     result.CashDelta,
			"margin_delta":   result.MarginDelta,
		})
	}
}

// EvaluateHandler runs one evaluation pass on demand
func (h *GinHandlers) EvaluateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.service.EvaluatePendingOrders(c.Request.Context())
		response.Handle(c, summary, err)
	}
}

type borrowTierRequest struct {
	Tier       types.BorrowTier `json:"tier" binding:"required"`
	AnnualRate *decimal.Decimal `json:"annual_rate,omitempty"`
}

// BorrowTierHandler pins the borrow tier of the symbol in the URL
func (h *GinHandlers) BorrowTierHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req borrowTierRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		symbol := c.Param("symbol")
		err := h.service.SetBorrowTier(c.Request.Context(), symbol, req.Tier, req.AnnualRate)
		response.Handle(c, gin.H{"symbol": strings.ToUpper(symbol), "tier": req.Tier}, err)
	}
}
