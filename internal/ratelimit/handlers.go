package ratelimit

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/pkg/response"
)

// GinHandlers contains HTTP handlers for rate-limit observability
type GinHandlers struct {
	coord *Coordinator
}

// NewGinHandlers creates handlers over a coordinator
func NewGinHandlers(coord *Coordinator) *GinHandlers {
	return &GinHandlers{coord: coord}
}

// SnapshotsHandler handles GET requests for all exchange snapshots
func (h *GinHandlers) SnapshotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.coord.Snapshots())
	}
}

// SnapshotHandler handles GET requests for one exchange snapshot
// URL parameter: exchange
func (h *GinHandlers) SnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.coord.Snapshot(c.Param("exchange")))
	}
}
