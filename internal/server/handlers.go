package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mpesa-analytics/riskpipe/internal/ingest"
	"github.com/mpesa-analytics/riskpipe/internal/logging"
	"github.com/mpesa-analytics/riskpipe/internal/pipeline"
	"github.com/mpesa-analytics/riskpipe/internal/profile"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
	"github.com/mpesa-analytics/riskpipe/internal/writer"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// submitBatch decodes a batch (JSON or CSV by Content-Type) and runs it.
// The response is the run report: 200 when every record landed, 207 when
// some were rejected or failed, 503 when the store was unavailable.
func (s *Server) submitBatch(c *gin.Context) {
	format, err := ingest.FormatFromContentType(c.ContentType())
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{
			"error":   "unsupported_media_type",
			"message": err.Error(),
		})
		return
	}

	opts := s.app.Ingest
	if source := c.Query("source"); source != "" {
		opts.Source = source
	}
	batch, err := ingest.Decode(c.Request.Body, format, opts)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "body_too_large",
				"message": "batch exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_batch",
			"message": err.Error(),
		})
		return
	}
	if id := c.Query("batch_id"); id != "" {
		batch.ID = id
	}

	report, err := s.app.Coordinator.Run(c.Request.Context(), batch)
	switch {
	case err == nil && report.Status == pipeline.RunSucceeded:
		c.JSON(http.StatusOK, report)
	case err == nil:
		c.JSON(http.StatusMultiStatus, report)
	case txn.Retryable(err):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, report)
	default:
		logging.L(c.Request.Context()).Error("batch run failed", "batch_id", report.BatchID, "error", err)
		c.JSON(http.StatusInternalServerError, report)
	}
}

func (s *Server) getTransaction(c *gin.Context) {
	id := txn.Identity{Source: c.Param("source"), ID: c.Param("id")}
	stored, err := s.app.Transactions.Get(c.Request.Context(), id)
	if errors.Is(err, writer.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no transaction " + id.String(),
		})
		return
	}
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (s *Server) getProfile(c *gin.Context) {
	account := c.Param("account")
	p, err := s.app.Profiles.Get(c.Request.Context(), account)
	if errors.Is(err, profile.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no profile for account " + account,
		})
		return
	}
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listAlerts(c *gin.Context) {
	limit := defaultAlertLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := s.app.Transactions.ListAlerts(c.Request.Context(), limit)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if alerts == nil {
		alerts = []*writer.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) getDailySummary(c *gin.Context) {
	date, err := time.Parse(time.DateOnly, c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_date",
			"message": "date must be YYYY-MM-DD",
		})
		return
	}
	sum, err := s.app.Transactions.DailySummary(c.Request.Context(), date)
	if errors.Is(err, writer.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no transactions on " + c.Param("date"),
		})
		return
	}
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) storeError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("store read failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "store_unavailable",
		"message": "storage is temporarily unavailable",
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.app.Health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		v := "healthy"
		if !st.Healthy {
			v = "unhealthy"
		}
		if st.Detail != "" {
			v += ": " + st.Detail
		}
		checks[st.Name] = v
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
