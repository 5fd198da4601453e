package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/libvirt-mirror-orchestrator/internal/jobs"
	"github.com/rossigee/libvirt-mirror-orchestrator/pkg/types"
	"github.com/sirupsen/logrus"
)

// Version is reported by the health endpoint.
var Version = "dev"

// RunManager interface for mirror run operations
type RunManager interface {
	StartRun(req types.MirrorRequest) (string, error)
	GetRunStatus(runID string) (*types.StatusResponse, error)
	CancelRun(runID string) error
	ListRuns() []types.StatusResponse
	GetActiveRuns() int
}

// Pinger reports hypervisor connectivity.
type Pinger interface {
	Ping() error
}

// Handler handles HTTP API requests
type Handler struct {
	runManager    RunManager
	libvirt       Pinger
	metrics       http.Handler
	maxConcurrent int
	startedAt     time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithLibvirt makes the health check ping the hypervisor.
func WithLibvirt(p Pinger) HandlerOption {
	return func(h *Handler) { h.libvirt = p }
}

// WithMetricsHandler exposes h at /metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithMaxConcurrent sets the active run count above which the service
// reports itself degraded.
func WithMaxConcurrent(n int) HandlerOption {
	return func(h *Handler) { h.maxConcurrent = n }
}

// NewHandler creates a new API handler
func NewHandler(runManager RunManager, opts ...HandlerOption) *Handler {
	h := &Handler{
		runManager:    runManager,
		maxConcurrent: 2,
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetupRoutes configures the API routes. Middleware guards the /api/v1 group
// only, so probes and scrapes stay unauthenticated.
func SetupRoutes(router *gin.Engine, handler *Handler, middleware ...gin.HandlerFunc) {
	api := router.Group("/api/v1", middleware...)
	{
		api.POST("/mirror", handler.StartMirror)
		api.GET("/status/:run_id", handler.GetRunStatus)
		api.DELETE("/cancel/:run_id", handler.CancelRun)
		api.GET("/runs", handler.ListRuns)
	}

	router.GET("/health", handler.HealthCheck)
	if handler.metrics != nil {
		router.GET("/metrics", gin.WrapH(handler.metrics))
	}
}

// StartMirror accepts a mirror run request
func (h *Handler) StartMirror(c *gin.Context) {
	var req types.MirrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	runID, err := h.runManager.StartRun(req)
	if errors.Is(err, jobs.ErrInvalidParameters) {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("domain", req.Domain).Error("Failed to start mirror run")
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "failed to start mirror run",
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusAccepted, types.MirrorResponse{
		RunID:         runID,
		Status:        "accepted",
		CorrelationID: req.CorrelationID,
	})
}

// GetRunStatus returns the status of a mirror run
func (h *Handler) GetRunStatus(c *gin.Context) {
	runID := c.Param("run_id")

	status, err := h.runManager.GetRunStatus(runID)
	if err != nil {
		c.JSON(statusCode(err), types.ErrorResponse{
			Error:   "run not found",
			Message: err.Error(),
			Code:    statusCode(err),
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelRun cancels a running mirror run
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("run_id")

	if err := h.runManager.CancelRun(runID); err != nil {
		c.JSON(statusCode(err), types.ErrorResponse{
			Error:   "failed to cancel run",
			Message: err.Error(),
			Code:    statusCode(err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": string(types.StatusCancelled),
		"run_id": runID,
	})
}

// ListRuns returns every run the daemon still holds
func (h *Handler) ListRuns(c *gin.Context) {
	runs := h.runManager.ListRuns()
	if runs == nil {
		runs = []types.StatusResponse{}
	}

	c.JSON(http.StatusOK, types.RunsResponse{
		Runs:   runs,
		Active: h.runManager.GetActiveRuns(),
	})
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	response := types.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
	}

	if h.libvirt != nil {
		response.Libvirt = "connected"
		if err := h.libvirt.Ping(); err != nil {
			response.Libvirt = err.Error()
			response.Status = "degraded"
		}
	}

	// Saturated daemons queue new runs behind the semaphore
	if h.runManager.GetActiveRuns() > h.maxConcurrent {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, jobs.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrRunFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
