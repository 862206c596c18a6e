package benchmark

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/pkg/response"
)

// GinHandlers contains HTTP handlers for benchmark endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for benchmark endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RunHandler handles POST requests to benchmark one machine
// URL parameter: machine_id
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.Run(c.Request.Context(), c.Param("machine_id"))
		response.Handle(c, result, err)
	}
}

// RunMeshHandler handles POST requests to benchmark all enabled machines
func (h *GinHandlers) RunMeshHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := h.service.RunMesh(c.Request.Context())
		response.Handle(c, results, err)
	}
}
