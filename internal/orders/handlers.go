package orders

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/ksred/fleet-api/pkg/response"
)

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
	paper   *PaperEngine
}

// NewGinHandlers creates a new set of HTTP handlers for order endpoints
func NewGinHandlers(service *Service, paper *PaperEngine) *GinHandlers {
	return &GinHandlers{
		service: service,
		paper:   paper,
	}
}

// PlaceOrderHandler handles POST requests to place an order. The trading
// config's mode decides whether the live router or the paper mirror
// executes it; the request shape is identical.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Side != types.SideBuy && req.Side != types.SideSell {
			response.BadRequest(c, "side must be buy or sell")
			return
		}
		if req.OrderType != types.TypeMarket && req.OrderType != types.TypeLimit {
			response.BadRequest(c, "type must be market or limit")
			return
		}
		if !req.Amount.IsPositive() {
			response.BadRequest(c, "amount must be positive")
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = c.GetHeader("Idempotency-Key")
		}

		cfg, err := h.service.DB().GetTradingConfig()
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if cfg != nil && cfg.TradingMode == "paper" {
			order, err := h.paper.PlaceOrder(c.Request.Context(), req)
			response.Handle(c, order, err)
			return
		}

		order, err := h.service.PlaceOrder(c.Request.Context(), req)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for one order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.DB().GetOrder(c.Param("order_id"))
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests for recent orders
// Query parameter: limit (default 50)
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}

		out, err := h.service.DB().ListOrders(limit)
		response.Handle(c, out, err)
	}
}

// CancelOrderHandler handles POST requests to cancel a pending order
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// ListPositionsHandler handles GET requests for positions
// Query parameter: status (open, closing, closed; empty for all)
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.service.DB().ListPositions(c.Query("status"))
		response.Handle(c, out, err)
	}
}

// ClosePositionHandler handles POST requests to close a position at market
// URL parameter: position_id
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pos, err := h.service.ClosePosition(c.Request.Context(), c.Param("position_id"))
		response.Handle(c, pos, err)
	}
}
