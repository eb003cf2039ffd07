package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/coordinator"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/state"
	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// Backend is the live deployment as seen by the API. Implemented by
// *coordinator.Coordinator.
type Backend interface {
	Deployment() *orchestrator.Deployment
	Apply(ctx context.Context) (*orchestrator.Report, error)
	RevalidateCertificate(ctx context.Context, domain string) (*certs.Certificate, error)
	Events(n int) []transition.Event
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ServicesResponse lists the state of every service in the live generation.
type ServicesResponse struct {
	Deployment string               `json:"deployment"`
	Generation string               `json:"generation"`
	Counts     map[state.Phase]int  `json:"counts"`
	Services   []state.ServiceState `json:"services"`
}

// EventsResponse carries recent transitions, oldest first.
type EventsResponse struct {
	Events []transition.Event `json:"events"`
}

// Handlers serves the control API.
type Handlers struct {
	backend Backend
	logger  zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(backend Backend, logger zerolog.Logger) *Handlers {
	return &Handlers{backend: backend, logger: logger}
}

// RegisterRoutes mounts the API under rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	v1 := rg.Group("/v1")
	{
		v1.GET("/services", h.HandleListServices)
		v1.GET("/services/:id", h.HandleGetService)
		v1.GET("/report", h.HandleGetReport)
		v1.GET("/events", h.HandleListEvents)
		v1.POST("/apply", h.HandleApply)
		v1.POST("/certificates/:domain/revalidate", h.HandleRevalidateCertificate)
	}
}

// HandleListServices handles GET /v1/services.
func (h *Handlers) HandleListServices(c *gin.Context) {
	d, ok := h.deployment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ServicesResponse{
		Deployment: d.Spec.Name,
		Generation: d.Generation(),
		Counts:     d.Registry.Counts(),
		Services:   d.Registry.Snapshot(),
	})
}

// HandleGetService handles GET /v1/services/:id.
func (h *Handlers) HandleGetService(c *gin.Context) {
	d, ok := h.deployment(c)
	if !ok {
		return
	}
	id := c.Param("id")
	st, found := d.Registry.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown service " + id, Code: "not_found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// HandleGetReport handles GET /v1/report.
func (h *Handlers) HandleGetReport(c *gin.Context) {
	d, ok := h.deployment(c)
	if !ok {
		return
	}
	report := d.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no apply has completed", Code: "not_found"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleListEvents handles GET /v1/events?limit=N.
func (h *Handlers) HandleListEvents(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEventLimit {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 1000", Code: "invalid_limit"})
			return
		}
		limit = n
	}
	events := h.backend.Events(limit)
	if events == nil {
		events = []transition.Event{}
	}
	c.JSON(http.StatusOK, EventsResponse{Events: events})
}

// HandleApply handles POST /v1/apply. It runs synchronously and returns
// the report; a partially failed apply is still a 200.
func (h *Handlers) HandleApply(c *gin.Context) {
	report, err := h.backend.Apply(c.Request.Context())
	switch {
	case errors.Is(err, coordinator.ErrApplyInProgress):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "apply_in_progress"})
		return
	case errors.Is(err, coordinator.ErrNoDeployment):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "no_deployment"})
		return
	case err != nil:
		h.logger.Error().Err(err).Msg("apply request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "apply_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleRevalidateCertificate handles POST /v1/certificates/:domain/revalidate.
func (h *Handlers) HandleRevalidateCertificate(c *gin.Context) {
	domain := c.Param("domain")
	cert, err := h.backend.RevalidateCertificate(c.Request.Context(), domain)
	if err != nil {
		if errors.Is(err, certs.ErrUnmanaged) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "unmanaged_domain"})
			return
		}
		h.logger.Warn().Err(err).Str("domain", domain).Msg("certificate revalidation failed")
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "revalidation_failed"})
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (h *Handlers) deployment(c *gin.Context) (*orchestrator.Deployment, bool) {
	d := h.backend.Deployment()
	if d == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: coordinator.ErrNoDeployment.Error(), Code: "no_deployment"})
		return nil, false
	}
	return d, true
}
