package dashboard

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/pkg/response"
)

// GinHandlers contains HTTP handlers for dashboard endpoints
type GinHandlers struct {
	service *Service
	hub     *Hub
}

// NewGinHandlers creates a new set of HTTP handlers for dashboard endpoints
func NewGinHandlers(service *Service, hub *Hub) *GinHandlers {
	return &GinHandlers{
		service: service,
		hub:     hub,
	}
}

// StateHandler handles GET requests for the composite dashboard view
func (h *GinHandlers) StateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.State())
	}
}

// SubscribeHandler upgrades to a websocket carrying change nudges
func (h *GinHandlers) SubscribeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.hub.Subscribe(c.Writer, c.Request)
	}
}
