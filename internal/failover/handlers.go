package failover

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/internal/types"
	"github.com/ksred/fleet-api/pkg/response"
)

// GinHandlers contains HTTP handlers for failover endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for failover endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListRecordsHandler handles GET requests for the failover record set
func (h *GinHandlers) ListRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		recs, err := h.service.DB().ListRecords()
		response.Handle(c, recs, err)
	}
}

type upsertRecordRequest struct {
	Provider            string `json:"provider" binding:"required"`
	MachineID           string `json:"machine_id" binding:"required"`
	Priority            int    `json:"priority"`
	IsEnabled           bool   `json:"is_enabled"`
	Region              string `json:"region"`
	AutoFailoverEnabled bool   `json:"auto_failover_enabled"`
}

// UpsertRecordHandler handles PUT requests to register a machine in the
// failover set. The primary flag cannot be set here; promotion goes
// through the switch endpoint or the health loop.
func (h *GinHandlers) UpsertRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req upsertRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rec := &types.FailoverRecord{
			Provider:            req.Provider,
			MachineID:           req.MachineID,
			Priority:            req.Priority,
			IsEnabled:           req.IsEnabled,
			Region:              req.Region,
			AutoFailoverEnabled: req.AutoFailoverEnabled,
		}
		if err := h.service.DB().UpsertRecord(rec); err != nil {
			response.InternalError(c, err.Error())
			return
		}
		response.Success(c, rec)
	}
}

type switchRequest struct {
	From string `json:"from"`
	To   string `json:"to" binding:"required"`
}

// SwitchPrimaryHandler handles POST requests for a manual primary swap
func (h *GinHandlers) SwitchPrimaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req switchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.service.SwitchPrimary(c.Request.Context(), req.From, req.To)
		response.Handle(c, gin.H{"from": req.From, "to": req.To}, err)
	}
}

// PrimaryHandler handles GET requests for the current primary machine
func (h *GinHandlers) PrimaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		machine, err := h.service.PrimaryMachine()
		response.Handle(c, machine, err)
	}
}
