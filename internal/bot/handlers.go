package bot

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/pkg/response"
)

// GinHandlers contains HTTP handlers for bot lifecycle endpoints
type GinHandlers struct {
	service     *Service
	controlPort int
}

// NewGinHandlers creates a new set of HTTP handlers for bot endpoints
func NewGinHandlers(service *Service, controlPort int) *GinHandlers {
	return &GinHandlers{
		service:     service,
		controlPort: controlPort,
	}
}

type startRequest struct {
	Mode string `json:"mode"` // live or paper, defaults to paper
}

// StartHandler handles POST requests to start the bot on a deployment
// URL parameter: deployment_id
func (h *GinHandlers) StartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startRequest
		_ = c.ShouldBindJSON(&req)
		if req.Mode == "" {
			req.Mode = "paper"
		}

		result, err := h.service.Start(c.Request.Context(), c.Param("deployment_id"), req.Mode)
		response.Handle(c, result, err)
	}
}

// StopHandler handles POST requests to stop the bot on a deployment
// URL parameter: deployment_id
func (h *GinHandlers) StopHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.Stop(c.Request.Context(), c.Param("deployment_id"))
		response.Handle(c, result, err)
	}
}

// RestartHandler handles POST requests to restart the bot on a deployment
// URL parameter: deployment_id
func (h *GinHandlers) RestartHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.Restart(c.Request.Context(), c.Param("deployment_id"))
		response.Handle(c, result, err)
	}
}

// StatusHandler handles GET requests for the resolved on-host bot state
// URL parameter: deployment_id
func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := h.service.Status(c.Request.Context(), c.Param("deployment_id"))
		response.Handle(c, status, err)
	}
}

// LogsHandler handles GET requests for bot logs
// URL parameter: deployment_id; query parameter: tail (default 100)
func (h *GinHandlers) LogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tail := 100
		if raw := c.Query("tail"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				tail = n
			}
		}

		logs, err := h.service.Logs(c.Request.Context(), c.Param("deployment_id"), tail)
		response.Handle(c, gin.H{"logs": logs}, err)
	}
}

// HealthHandler handles GET requests for the agent health report
// URL parameter: deployment_id
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health, err := h.service.Health(c.Request.Context(), c.Param("deployment_id"), h.controlPort)
		response.Handle(c, health, err)
	}
}

// GetTradingConfigHandler handles GET requests for the trading config
func (h *GinHandlers) GetTradingConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := h.service.DB().GetTradingConfig()
		response.Handle(c, cfg, err)
	}
}

// UpdateTradingConfigHandler handles PATCH requests to the trading config.
// Only the risk limit and kill switch fields may be set here; bot status
// is owned by the lifecycle operations.
func (h *GinHandlers) UpdateTradingConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		allowed := map[string]bool{
			"kill_switch":       true,
			"trading_enabled":   true,
			"max_position_size": true,
			"max_daily_loss":    true,
			"max_drawdown_pct":  true,
			"max_slippage_pct":  true,
			"min_balance":       true,
		}
		updates := map[string]interface{}{}
		for k, v := range body {
			if allowed[k] {
				updates[k] = v
			}
		}
		if len(updates) == 0 {
			response.BadRequest(c, "No updatable fields in request")
			return
		}

		if err := h.service.DB().UpdateTradingConfig(updates); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		cfg, err := h.service.DB().GetTradingConfig()
		response.Handle(c, cfg, err)
	}
}
