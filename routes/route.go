package routes

import (
	"net/http"

	"batchengine/model"
	"batchengine/pkg"
	"batchengine/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type ExecutionHandler struct {
	svc *service.BatchService
}

func NewExecutionHandler(svc *service.BatchService) *ExecutionHandler {
	return &ExecutionHandler{svc: svc}
}

// SetupRouter wires the submission endpoints, pool stats and metrics.
// limiter may be nil to disable rate limiting.
func SetupRouter(svc *service.BatchService, gatherer prometheus.Gatherer, limiter *pkg.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	h := NewExecutionHandler(svc)

	submit := r.Group("/")
	if limiter != nil {
		submit.Use(limiter.Middleware())
	}
	submit.POST("/jobs", h.HandleJob)
	submit.POST("/batch", h.HandleBatch)

	r.GET("/pool/stats", h.HandleStats)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (h *ExecutionHandler) HandleJob(c *gin.Context) {
	var req model.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.JobResponse{
			Error:         err.Error(),
			ExitCode:      -1,
			StatusMessage: "Invalid Request Format",
		})
		return
	}

	resp := h.svc.RunJob(c.Request.Context(), req)
	logrus.WithFields(logrus.Fields{
		"job":    resp.JobID,
		"status": resp.StatusMessage,
	}).Debug("Job request served")

	c.JSON(httpStatus(resp.StatusMessage), resp)
}

func (h *ExecutionHandler) HandleBatch(c *gin.Context) {
	var req model.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":          err.Error(),
			"status_message": "Invalid Request Format",
		})
		return
	}

	c.JSON(http.StatusOK, h.svc.RunBatch(c.Request.Context(), req))
}

func (h *ExecutionHandler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

func httpStatus(statusMessage string) int {
	switch statusMessage {
	case service.StatusSuccess:
		return http.StatusOK
	case service.StatusTransformFailed:
		return http.StatusUnprocessableEntity
	case service.StatusInvalidRequest:
		return http.StatusBadRequest
	case service.StatusPoolExhausted, service.StatusPoolClosed:
		return http.StatusServiceUnavailable
	case service.StatusTransformTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
