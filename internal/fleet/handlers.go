package fleet

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/fleet-api/internal/provider"
	"github.com/ksred/fleet-api/pkg/response"
)

// GinHandlers contains HTTP handlers for fleet endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for fleet endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type deployRequest struct {
	Provider string `json:"provider" binding:"required"`
	Region   string `json:"region" binding:"required"`
	Size     string `json:"size" binding:"required"`
}

// DeployHandler handles POST requests to provision a new machine
func (h *GinHandlers) DeployHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deployRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		machine, err := h.service.Deploy(c.Request.Context(), req.Provider, req.Region, req.Size)
		response.Handle(c, machine, err)
	}
}

// DestroyHandler handles DELETE requests to tear a machine down
// URL parameter: machine_id
func (h *GinHandlers) DestroyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID := c.Param("machine_id")
		if machineID == "" {
			response.BadRequest(c, "Machine ID is required")
			return
		}

		// Teardown keeps going past the request; give it its own deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		err := h.service.Destroy(ctx, machineID)
		response.Handle(c, gin.H{"machine_id": machineID, "status": "destroyed"}, err)
	}
}

// RebootHandler handles POST requests to reboot a machine
// URL parameter: machine_id
func (h *GinHandlers) RebootHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID := c.Param("machine_id")
		if machineID == "" {
			response.BadRequest(c, "Machine ID is required")
			return
		}

		err := h.service.Reboot(c.Request.Context(), machineID)
		response.Handle(c, gin.H{"machine_id": machineID, "status": "rebooting"}, err)
	}
}

// ListMachinesHandler handles GET requests for the machine inventory
func (h *GinHandlers) ListMachinesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		machines, err := h.service.DB().ListMachines()
		response.Handle(c, machines, err)
	}
}

// GetMachineHandler handles GET requests for one machine
// URL parameter: machine_id
func (h *GinHandlers) GetMachineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		machineID := c.Param("machine_id")

		machine, err := h.service.DB().GetMachine(machineID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if machine == nil {
			response.NotFound(c, "Machine not found")
			return
		}
		response.Success(c, machine)
	}
}

// CatalogHandler handles GET requests for a provider's region/size catalog
// URL parameter: provider
func (h *GinHandlers) CatalogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		adapter, err := provider.Create(c.Param("provider"))
		if err != nil {
			response.NotFound(c, "Unknown provider")
			return
		}
		response.Success(c, adapter.Catalog())
	}
}

// ProvidersHandler handles GET requests for the registered provider list
// with each provider's credential schema
func (h *GinHandlers) ProvidersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out := make([]gin.H, 0)
		for _, name := range provider.Registered() {
			adapter, err := provider.Create(name)
			if err != nil {
				continue
			}
			out = append(out, gin.H{
				"name":   name,
				"fields": adapter.CredentialSchema(),
			})
		}
		response.Success(c, out)
	}
}

type credentialRequest struct {
	Fields map[string]string `json:"fields" binding:"required"`
}

// SaveProviderCredentialsHandler handles PUT requests to store provider
// credentials. Values are encrypted before they touch the store.
// URL parameter: provider
func (h *GinHandlers) SaveProviderCredentialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		providerName := c.Param("provider")

		var req credentialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		for field, value := range req.Fields {
			if err := h.service.SaveProviderCredential(providerName, field, value); err != nil {
				response.InternalError(c, err.Error())
				return
			}
		}
		response.Success(c, gin.H{"provider": providerName, "fields_saved": len(req.Fields)})
	}
}

// SaveExchangeCredentialsHandler handles PUT requests to store exchange
// API credentials
// URL parameter: exchange
func (h *GinHandlers) SaveExchangeCredentialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		exchange := c.Param("exchange")

		var req credentialRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		for field, value := range req.Fields {
			if err := h.service.SaveExchangeCredential(exchange, field, value); err != nil {
				response.InternalError(c, err.Error())
				return
			}
		}
		response.Success(c, gin.H{"exchange": exchange, "fields_saved": len(req.Fields)})
	}
}

// ValidateCredentialsHandler handles POST requests to probe stored
// provider credentials without mutating anything
// URL parameter: provider
func (h *GinHandlers) ValidateCredentialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.ValidateCredentials(c.Request.Context(), c.Param("provider"))
		response.Handle(c, result, err)
	}
}

// TimelineHandler handles GET requests for provider timeline events
// URL parameter: provider; query parameter: limit (default 50)
func (h *GinHandlers) TimelineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}

		events, err := h.service.DB().ListTimelineEvents(c.Param("provider"), limit)
		response.Handle(c, events, err)
	}
}
